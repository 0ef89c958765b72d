// Conductor runs a fleet of coding agents against a shared task backlog.
// Tasks move through a fixed phase ladder under lease protection, a router
// picks the model for each phase, and a roadmap file feeds the backlog.
package main

import (
	"os"

	"github.com/spf13/cobra"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "conductor",
	Short: "Multi-agent task orchestration core",
	Long: `Conductor coordinates multiple coding agents working a shared backlog.

It persists tasks and their phase history in SQLite, serializes phase work
through leases, routes each phase to a model from the configured catalog,
and enforces evidence requirements on every phase boundary.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "conductor.yaml", "path to the configuration file")
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(statusCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
