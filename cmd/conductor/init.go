package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/aristath/conductor/internal/config"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a starter configuration and roadmap",
	RunE:  runInit,
}

const starterRoadmap = `# Conductor roadmap. Edits sync into the backlog while "conductor run" is up.
version: 1
tasks:
  - id: example-hello
    title: Replace me with real work
    type: task
    complexity: 2
`

func runInit(cmd *cobra.Command, _ []string) error {
	if err := config.WriteStarter(configPath); err != nil {
		return err
	}
	cmd.Printf("wrote %s\n", configPath)

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if cfg.Roadmap.Path == "" {
		return nil
	}

	roadmapPath := cfg.Roadmap.Path
	if !filepath.IsAbs(roadmapPath) {
		roadmapPath = filepath.Join(filepath.Dir(configPath), roadmapPath)
	}
	if _, err := os.Stat(roadmapPath); err == nil {
		cmd.Printf("kept existing %s\n", roadmapPath)
		return nil
	}
	if err := os.WriteFile(roadmapPath, []byte(starterRoadmap), 0o644); err != nil {
		return fmt.Errorf("failed to write starter roadmap: %w", err)
	}
	cmd.Printf("wrote %s\n", roadmapPath)
	return nil
}
