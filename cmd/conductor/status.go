package main

import (
	"time"

	"github.com/spf13/cobra"

	"github.com/aristath/conductor/internal/config"
	"github.com/aristath/conductor/internal/persistence"
	"github.com/aristath/conductor/internal/task"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show backlog health from the store",
	RunE:  runStatus,
}

var statusOrder = []task.Status{
	task.StatusPending,
	task.StatusInProgress,
	task.StatusNeedsReview,
	task.StatusNeedsImprovement,
	task.StatusBlocked,
	task.StatusDone,
}

func runStatus(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	store, err := persistence.NewSQLiteStore(ctx, cfg.Storage.Path)
	if err != nil {
		return err
	}
	defer store.Close()

	health, err := store.GetRoadmapHealth(ctx)
	if err != nil {
		return err
	}
	ready, err := store.GetReadyTasks(ctx)
	if err != nil {
		return err
	}
	held, err := store.CountLiveLeases(ctx)
	if err != nil {
		return err
	}

	cmd.Printf("tasks: %d total, %.0f%% done\n", health.Total, health.CompletionRate*100)
	for _, st := range statusOrder {
		if n := health.StatusCounts[st]; n > 0 {
			cmd.Printf("  %-18s %d\n", st, n)
		}
	}
	cmd.Printf("ready to run: %d\n", len(ready))
	cmd.Printf("live leases: %d\n", held)
	if health.QualitySamples > 0 {
		cmd.Printf("review quality: %.1f over %d samples\n", health.QualityAverage, health.QualitySamples)
	}

	recent, err := store.RecentEvents(ctx, 5)
	if err != nil {
		return err
	}
	if len(recent) > 0 {
		cmd.Println("recent events:")
		for _, ev := range recent {
			id := ev.TaskID
			if id == "" {
				id = "-"
			}
			cmd.Printf("  %s  %-22s %s\n", ev.Timestamp.Format(time.RFC3339), ev.Type, id)
		}
	}
	return nil
}
