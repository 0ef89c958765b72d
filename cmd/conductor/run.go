package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/aristath/conductor/internal/agent"
	"github.com/aristath/conductor/internal/config"
	"github.com/aristath/conductor/internal/events"
	"github.com/aristath/conductor/internal/logging"
	"github.com/aristath/conductor/internal/metrics"
	"github.com/aristath/conductor/internal/orchestrator"
	"github.com/aristath/conductor/internal/persistence"
	"github.com/aristath/conductor/internal/roadmap"
	"github.com/aristath/conductor/internal/router"
	"github.com/aristath/conductor/internal/scheduler"
	"github.com/aristath/conductor/internal/workflow"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the orchestration loop until interrupted",
	RunE:  runRun,
}

func runRun(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	log, err := logging.New(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		return err
	}
	defer log.Sync()

	store, err := persistence.NewSQLiteStore(ctx, cfg.Storage.Path,
		persistence.WithMaxRenewals(cfg.Leases.MaxRenewals))
	if err != nil {
		return err
	}
	defer store.Close()

	bus := events.NewBus()
	defer bus.Close()

	sched := scheduler.New(store, cfg.Scheduler.HeavyThreshold, cfg.Scheduler.HeavyCap)
	rt, err := router.New(store, bus, log, cfg.Router)
	if err != nil {
		return err
	}
	enf := workflow.New(store, bus, log, cfg.Workflow)
	surf := orchestrator.NewSurface(store, sched, rt, bus, log, cfg.Leases.TTL)
	res := orchestrator.NewResilience(store, sched, rt, bus, log, cfg.Driver.RetryBudget, orchestrator.DefaultRetryConfig())
	runner := agent.NewProcessRunner(cfg.Driver, log)
	gates := workflow.GatesFromConfig(cfg.Workflow.Gates)
	driver := orchestrator.NewDriver(surf, sched, enf, res, runner, gates, log, cfg.Driver, cfg.Scheduler.RefreshInterval, cfg.Leases.TTL)
	observer := metrics.NewObserver(surf, bus, log, cfg.Metrics.SampleInterval)

	log.Info("conductor starting",
		zap.String("db", cfg.Storage.Path),
		zap.Int("agents", cfg.Driver.Agents),
		zap.Int("models", len(cfg.Router.Catalog)))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return driver.Run(gctx) })
	g.Go(func() error { return observer.Run(gctx) })
	if cfg.Roadmap.Path != "" {
		importer := roadmap.NewImporter(surf, store, bus, log, cfg.Roadmap)
		g.Go(func() error { return importer.Run(gctx) })
	}
	if cfg.Metrics.ListenAddr != "" {
		g.Go(func() error { return serveMetrics(gctx, log, cfg.Metrics.ListenAddr) })
	}

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	log.Info("conductor stopped")
	return err
}

func serveMetrics(ctx context.Context, log *logging.Logger, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("metrics listener up", zap.String("addr", addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
