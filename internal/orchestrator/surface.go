package orchestrator

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/aristath/conductor/internal/events"
	"github.com/aristath/conductor/internal/logging"
	"github.com/aristath/conductor/internal/persistence"
	"github.com/aristath/conductor/internal/router"
	"github.com/aristath/conductor/internal/scheduler"
	"github.com/aristath/conductor/internal/task"
)

// Surface is the in-process command and query API shared by the driver
// loop, the CLI, and the roadmap importer. Commands hit the store under a
// correlation id and their audit events are mirrored onto the bus for live
// consumers; the store's event log stays the source of truth, so bus
// delivery is at-least-once and duplicates are possible on retried
// commands.
type Surface struct {
	store    persistence.Store
	sched    *scheduler.Scheduler
	router   *router.Router
	bus      *events.Bus
	log      *logging.Logger
	leaseTTL time.Duration
}

// NewSurface wires the command surface. leaseTTL is the default lease
// duration for AcquireLease callers that pass no ttl.
func NewSurface(store persistence.Store, sched *scheduler.Scheduler, rt *router.Router, bus *events.Bus, log *logging.Logger, leaseTTL time.Duration) *Surface {
	if leaseTTL <= 0 {
		leaseTTL = 90 * time.Second
	}
	return &Surface{
		store:    store,
		sched:    sched,
		router:   rt,
		bus:      bus,
		log:      log.Named("surface"),
		leaseTTL: leaseTTL,
	}
}

// ensureCorrelation fills a missing correlation id so a command's dedup
// claim and published events stay traceable even for one-shot callers.
func ensureCorrelation(meta persistence.Meta) persistence.Meta {
	if meta.CorrelationID == "" {
		meta.CorrelationID = uuid.NewString()
	}
	return meta
}

// CreateTask registers a new task. Safe to retry with the same correlation
// id; the replay returns the originally created task.
func (s *Surface) CreateTask(ctx context.Context, t *task.Task, meta persistence.Meta) (*task.Task, error) {
	meta = ensureCorrelation(meta)
	created, err := s.store.CreateTask(ctx, t, meta)
	if err != nil {
		return nil, err
	}
	s.publish(task.Event{
		Type:          task.EventTaskCreated,
		TaskID:        created.ID,
		AgentID:       meta.AgentID,
		CorrelationID: meta.CorrelationID,
		Payload: map[string]any{
			"title": created.Title,
			"type":  string(created.Type),
		},
	})
	return created, nil
}

// TransitionTask moves a task along the status graph.
func (s *Surface) TransitionTask(ctx context.Context, taskID string, to task.Status, patch persistence.TransitionPatch, meta persistence.Meta) (*task.Task, error) {
	meta = ensureCorrelation(meta)
	next, err := s.store.Transition(ctx, taskID, to, patch, meta)
	if err != nil {
		return nil, err
	}
	payload := map[string]any{"to": string(next.Status)}
	if next.Blocker != nil {
		payload["blocker_code"] = next.Blocker.Code
	}
	s.publish(task.Event{
		Type:          task.EventStatusChanged,
		TaskID:        taskID,
		AgentID:       meta.AgentID,
		CorrelationID: meta.CorrelationID,
		Payload:       payload,
	})
	return next, nil
}

// AddDependency records an edge in the task graph.
func (s *Surface) AddDependency(ctx context.Context, dep task.Dependency, meta persistence.Meta) error {
	meta = ensureCorrelation(meta)
	if err := s.store.AddDependency(ctx, dep, meta); err != nil {
		return err
	}
	s.publish(task.Event{
		Type:          task.EventDependencyAdded,
		TaskID:        dep.TaskID,
		AgentID:       meta.AgentID,
		CorrelationID: meta.CorrelationID,
		Payload: map[string]any{
			"depends_on": dep.DependsOn,
			"dep_type":   string(dep.Type),
		},
	})
	return nil
}

// AcquireLease tries to take the phase lease for meta.AgentID. A conflict
// is reported in the grant, not as an error. ttl <= 0 uses the default.
func (s *Surface) AcquireLease(ctx context.Context, taskID string, phase task.Phase, ttl time.Duration, meta persistence.Meta) (*task.LeaseGrant, error) {
	meta = ensureCorrelation(meta)
	if ttl <= 0 {
		ttl = s.leaseTTL
	}
	grant, err := s.store.AcquireLease(ctx, taskID, phase, meta.AgentID, ttl, meta)
	if err != nil {
		return nil, err
	}

	payload := map[string]any{"phase": string(phase)}
	evType := task.EventLeaseAcquired
	if grant.Acquired {
		payload["lease_id"] = grant.Lease.LeaseID
		payload["expires_at"] = grant.Lease.ExpiresAt.Format(time.RFC3339)
	} else {
		evType = task.EventLeaseConflict
		payload["holder"] = grant.Holder
		payload["remaining"] = grant.Remaining.String()
	}
	s.publish(task.Event{
		Type:          evType,
		TaskID:        taskID,
		AgentID:       meta.AgentID,
		CorrelationID: meta.CorrelationID,
		Payload:       payload,
	})
	return grant, nil
}

// RenewLease extends a held lease as a liveness heartbeat.
func (s *Surface) RenewLease(ctx context.Context, taskID string, phase task.Phase, leaseID string, ttl time.Duration, meta persistence.Meta) (*task.PhaseLease, error) {
	meta = ensureCorrelation(meta)
	if ttl <= 0 {
		ttl = s.leaseTTL
	}
	lease, err := s.store.RenewLease(ctx, taskID, phase, meta.AgentID, leaseID, ttl, meta)
	if err != nil {
		return nil, err
	}
	s.publish(task.Event{
		Type:          task.EventLeaseRenewed,
		TaskID:        taskID,
		AgentID:       meta.AgentID,
		CorrelationID: meta.CorrelationID,
		Payload: map[string]any{
			"phase":         string(phase),
			"renewed_count": lease.RenewedCount,
			"expires_at":    lease.ExpiresAt.Format(time.RFC3339),
		},
	})
	return lease, nil
}

// ReleaseLease gives the phase lease back.
func (s *Surface) ReleaseLease(ctx context.Context, taskID string, phase task.Phase, leaseID string, meta persistence.Meta) error {
	meta = ensureCorrelation(meta)
	if err := s.store.ReleaseLease(ctx, taskID, phase, meta.AgentID, leaseID, meta); err != nil {
		return err
	}
	s.publish(task.Event{
		Type:          task.EventLeaseReleased,
		TaskID:        taskID,
		AgentID:       meta.AgentID,
		CorrelationID: meta.CorrelationID,
		Payload:       map[string]any{"phase": string(phase)},
	})
	return nil
}

// PickModel delegates to the router, which records and publishes the
// selection itself.
func (s *Surface) PickModel(ctx context.Context, phase task.Phase, opts router.Options) (*router.Decision, error) {
	if opts.CorrelationID == "" {
		opts.CorrelationID = uuid.NewString()
	}
	return s.router.PickModel(ctx, phase, opts)
}

// RecordProviderFailure feeds the provider's breaker and the event log.
func (s *Surface) RecordProviderFailure(ctx context.Context, phase task.Phase, provider string, statusCode int, opts router.Options) error {
	if opts.CorrelationID == "" {
		opts.CorrelationID = uuid.NewString()
	}
	return s.router.RecordProviderFailure(ctx, phase, provider, statusCode, opts)
}

// GetTask returns one task by id.
func (s *Surface) GetTask(ctx context.Context, taskID string) (*task.Task, error) {
	return s.store.GetTask(ctx, taskID)
}

// GetReadyTasks returns pending tasks whose blocking dependencies are done.
func (s *Surface) GetReadyTasks(ctx context.Context) ([]*task.Task, error) {
	return s.store.GetReadyTasks(ctx)
}

// GetRoadmapHealth returns the cached backlog aggregate.
func (s *Surface) GetRoadmapHealth(ctx context.Context) (*task.RoadmapHealth, error) {
	return s.store.GetRoadmapHealth(ctx)
}

// GetQueueMetrics snapshots the scheduler lanes together with the store's
// live lease count and the router's open breakers.
func (s *Surface) GetQueueMetrics(ctx context.Context) (task.QueueMetrics, error) {
	m := s.sched.Metrics()
	held, err := s.store.CountLiveLeases(ctx)
	if err != nil {
		return task.QueueMetrics{}, err
	}
	m.HeldLeases = held
	m.OpenBreakers = s.router.OpenBreakers()
	return m, nil
}

func (s *Surface) publish(ev task.Event) {
	if s.bus != nil {
		s.bus.Publish(ev)
	}
}
