package router

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/aristath/conductor/internal/config"
)

// Catalog sources, recorded on every decision.
const (
	SourceExplicit   = "explicit_catalog"
	SourceDiscovered = "discovered_catalog"
	SourceFallback   = "static_fallback"
)

// candidate is one catalog row plus where it came from.
type candidate struct {
	config.ModelEntry
	source string
}

// discoveredCatalog is the shape of the optional catalog file written by an
// external discovery job.
type discoveredCatalog struct {
	Models []config.ModelEntry `yaml:"models"`
}

// loadCatalog merges the explicit config catalog with the discovered file.
// Explicit entries win on model-name collisions; a missing discovery file
// is not an error. An empty merge falls back to the static policy so
// routing keeps working on a blank install.
func loadCatalog(cfg config.RouterConfig) ([]candidate, error) {
	var out []candidate
	seen := make(map[string]bool)

	for _, entry := range cfg.Catalog {
		if entry.Model == "" || seen[entry.Model] {
			continue
		}
		out = append(out, candidate{ModelEntry: entry, source: SourceExplicit})
		seen[entry.Model] = true
	}

	if cfg.CatalogFile != "" {
		data, err := os.ReadFile(cfg.CatalogFile)
		switch {
		case err == nil:
			var disc discoveredCatalog
			if err := yaml.Unmarshal(data, &disc); err != nil {
				return nil, fmt.Errorf("failed to parse catalog file %s: %w", cfg.CatalogFile, err)
			}
			for _, entry := range disc.Models {
				if entry.Model == "" || seen[entry.Model] {
					continue
				}
				out = append(out, candidate{ModelEntry: entry, source: SourceDiscovered})
				seen[entry.Model] = true
			}
		case !os.IsNotExist(err):
			return nil, fmt.Errorf("failed to read catalog file: %w", err)
		}
	}

	if len(out) == 0 {
		out = staticFallback()
	}
	return out, nil
}

// staticFallback is the hardwired policy used when no catalog is configured.
func staticFallback() []candidate {
	entries := []config.ModelEntry{
		{Model: "claude-opus", Provider: "anthropic", Tags: []string{TagCognitive, TagHighReasoning, TagRemediation, TagLongContext}, MaxContextTokens: 200_000},
		{Model: "claude-sonnet", Provider: "anthropic", Tags: []string{TagImplementation, TagLongContext}, MaxContextTokens: 200_000},
		{Model: "gpt-codex", Provider: "openai", Tags: []string{TagImplementation, TagRemediation}, MaxContextTokens: 128_000},
	}
	out := make([]candidate, len(entries))
	for i, e := range entries {
		out[i] = candidate{ModelEntry: e, source: SourceFallback}
	}
	return out
}
