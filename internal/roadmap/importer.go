package roadmap

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/aristath/conductor/internal/config"
	"github.com/aristath/conductor/internal/events"
	"github.com/aristath/conductor/internal/logging"
	"github.com/aristath/conductor/internal/orchestrator"
	"github.com/aristath/conductor/internal/persistence"
	"github.com/aristath/conductor/internal/task"
)

// importerAgentID marks store writes made on behalf of the roadmap file.
const importerAgentID = "roadmap"

// SyncStats summarizes one sync pass.
type SyncStats struct {
	Hash         string
	Total        int
	Created      int
	Transitioned int
	Dependencies int
	Unchanged    bool // file content identical to the last synced pass
}

// Importer diff-syncs a roadmap file into the store.
type Importer struct {
	surface *orchestrator.Surface
	store   persistence.Store
	bus     *events.Bus
	log     *logging.Logger

	path     string
	interval time.Duration
	watch    bool

	lastHash string
}

// NewImporter builds an importer from the roadmap config.
func NewImporter(surf *orchestrator.Surface, store persistence.Store, bus *events.Bus, log *logging.Logger, cfg config.RoadmapConfig) *Importer {
	interval := cfg.PollInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Importer{
		surface:  surf,
		store:    store,
		bus:      bus,
		log:      log.Named("roadmap"),
		path:     cfg.Path,
		interval: interval,
		watch:    cfg.Watch,
	}
}

// Sync reads the file and applies the diff. A file whose content matches
// the previous pass is skipped outright.
func (i *Importer) Sync(ctx context.Context) (*SyncStats, error) {
	data, err := os.ReadFile(i.path)
	if err != nil {
		return nil, fmt.Errorf("failed to read roadmap: %w", err)
	}

	sum := sha256.Sum256(data)
	hash := hex.EncodeToString(sum[:8])
	if hash == i.lastHash {
		return &SyncStats{Hash: hash, Unchanged: true}, nil
	}

	doc, err := Parse(data)
	if err != nil {
		return nil, err
	}

	stats := &SyncStats{Hash: hash, Total: len(doc.Tasks)}
	for idx := range doc.Tasks {
		if err := i.syncTask(ctx, &doc.Tasks[idx], hash, stats); err != nil {
			return nil, err
		}
	}
	for idx := range doc.Tasks {
		spec := &doc.Tasks[idx]
		for _, dep := range spec.DependsOn {
			if err := i.surface.AddDependency(ctx, task.Dependency{
				TaskID:    spec.ID,
				DependsOn: dep.ID,
				Type:      task.DependencyType(dep.Type),
			}, persistence.Meta{
				AgentID:       importerAgentID,
				CorrelationID: fmt.Sprintf("roadmap:%s:dep:%s:%s:%s", hash, spec.ID, dep.ID, dep.Type),
			}); err != nil {
				return nil, fmt.Errorf("failed to add dependency %s -> %s: %w", spec.ID, dep.ID, err)
			}
			stats.Dependencies++
		}
	}

	i.recordSync(ctx, hash, stats)
	i.lastHash = hash

	i.log.Info("roadmap synced",
		zap.String("hash", hash),
		zap.Int("total", stats.Total),
		zap.Int("created", stats.Created),
		zap.Int("transitioned", stats.Transitioned),
		zap.Int("dependencies", stats.Dependencies),
	)
	return stats, nil
}

// syncTask creates a missing task or applies a pinned status to an
// existing one.
func (i *Importer) syncTask(ctx context.Context, spec *TaskSpec, hash string, stats *SyncStats) error {
	existing, err := i.surface.GetTask(ctx, spec.ID)
	switch {
	case errors.Is(err, task.ErrUnknownTask):
		_, err := i.surface.CreateTask(ctx, &task.Task{
			ID:                  spec.ID,
			Title:               spec.Title,
			Description:         spec.Description,
			Type:                task.Type(spec.Type),
			EstimatedComplexity: spec.Complexity,
			Metadata:            spec.Metadata,
		}, persistence.Meta{
			AgentID:       importerAgentID,
			CorrelationID: fmt.Sprintf("roadmap:%s:create:%s", hash, spec.ID),
		})
		if err != nil {
			return fmt.Errorf("failed to create roadmap task %s: %w", spec.ID, err)
		}
		stats.Created++
		existing, err = i.surface.GetTask(ctx, spec.ID)
		if err != nil {
			return err
		}
	case err != nil:
		return err
	}

	desired := task.Status(spec.Status)
	if desired == "" || desired == existing.Status {
		return nil
	}
	if !task.CanTransition(existing.Status, desired) {
		// The runtime owns statuses the file cannot legally reach from.
		i.log.Warn("roadmap status pin skipped",
			zap.String("task", spec.ID),
			zap.String("from", string(existing.Status)),
			zap.String("to", string(desired)),
		)
		return nil
	}

	var patch persistence.TransitionPatch
	if desired == task.StatusBlocked {
		patch.Blocker = &task.BlockerReason{
			Code:    "roadmap_hold",
			Message: "held by the roadmap file",
		}
	}
	_, err = i.surface.TransitionTask(ctx, spec.ID, desired, patch, persistence.Meta{
		AgentID:       importerAgentID,
		CorrelationID: fmt.Sprintf("roadmap:%s:status:%s:%s", hash, spec.ID, desired),
	})
	if err != nil {
		return fmt.Errorf("failed to pin roadmap task %s to %s: %w", spec.ID, desired, err)
	}
	stats.Transitioned++
	return nil
}

// recordSync appends the audit record for a completed pass. The hash-keyed
// correlation id keeps restarts from duplicating it.
func (i *Importer) recordSync(ctx context.Context, hash string, stats *SyncStats) {
	ev := task.Event{
		Type:          task.EventRoadmapSynced,
		AgentID:       importerAgentID,
		CorrelationID: "roadmap:" + hash + ":synced",
		Payload: map[string]any{
			"path":         i.path,
			"hash":         hash,
			"total":        stats.Total,
			"created":      stats.Created,
			"transitioned": stats.Transitioned,
			"dependencies": stats.Dependencies,
		},
	}
	if _, _, err := i.store.AppendEventDeduped(ctx, ev, nil); err != nil {
		i.log.Error("failed to record roadmap sync", zap.Error(err))
		return
	}
	if i.bus != nil {
		i.bus.Publish(ev)
	}
}

// Run syncs once, then keeps the store aligned with the file until the
// context ends. File change notifications trigger immediate passes when
// watching is on; the poll interval covers both the fallback and editors
// whose saves a watcher misses.
func (i *Importer) Run(ctx context.Context) error {
	if _, err := i.Sync(ctx); err != nil {
		// The file may not exist yet; polling picks it up once it does.
		i.log.Warn("initial roadmap sync failed", zap.Error(err))
	}

	var watchCh <-chan fsnotify.Event
	if i.watch {
		watcher, err := fsnotify.NewWatcher()
		if err != nil {
			i.log.Warn("roadmap watcher unavailable, polling only", zap.Error(err))
		} else {
			defer watcher.Close()
			// Watch the directory: editors that save by rename replace the
			// file node a direct watch would be pinned to.
			if err := watcher.Add(filepath.Dir(i.path)); err != nil {
				i.log.Warn("failed to watch roadmap directory, polling only", zap.Error(err))
			} else {
				watchCh = watcher.Events
				go i.drainWatcherErrors(ctx, watcher.Errors)
			}
		}
	}

	tick := time.NewTicker(i.interval)
	defer tick.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-tick.C:
			i.syncAndLog(ctx)
		case ev, ok := <-watchCh:
			if !ok {
				watchCh = nil
				continue
			}
			if filepath.Base(ev.Name) != filepath.Base(i.path) {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			i.syncAndLog(ctx)
		}
	}
}

func (i *Importer) syncAndLog(ctx context.Context) {
	if _, err := i.Sync(ctx); err != nil && ctx.Err() == nil {
		i.log.Error("roadmap sync failed", zap.Error(err))
	}
}

func (i *Importer) drainWatcherErrors(ctx context.Context, errCh <-chan error) {
	for {
		select {
		case <-ctx.Done():
			return
		case err, ok := <-errCh:
			if !ok {
				return
			}
			i.log.Warn("roadmap watcher error", zap.Error(err))
		}
	}
}
