package config

import (
	"fmt"
	"os"
	"path/filepath"

	goyaml "gopkg.in/yaml.v3"
)

// Save persists the configuration to a YAML file.
// Creates parent directories if they don't exist.
func Save(cfg *Config, path string) error {
	data, err := goyaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("creating directory %s: %w", dir, err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("writing config to %s: %w", path, err)
	}

	return nil
}

// WriteStarter writes a default configuration with a small example catalog,
// refusing to overwrite an existing file. Used by the init command.
func WriteStarter(path string) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config file already exists: %s", path)
	}

	cfg := Default()
	cfg.Roadmap.Path = "roadmap.yaml"
	cfg.Roadmap.Watch = true
	cfg.Router.Catalog = []ModelEntry{
		{Model: "large-general", Provider: "primary", Tags: []string{"reasoning", "coding"}, MaxContextTokens: 200_000},
		{Model: "fast-coder", Provider: "primary", Tags: []string{"coding"}, MaxContextTokens: 128_000},
		{Model: "deep-reasoner", Provider: "secondary", Tags: []string{"reasoning", "high-reasoning", "long-context"}, MaxContextTokens: 400_000},
	}

	return Save(cfg, path)
}
