// Package orchestrator drives the execution loop: workers pull ready tasks
// from the scheduler, take the phase lease, route a model, launch the agent
// process, and feed the outcome through the enforcer or the failure policy.
// It also exposes the command/query surface those pieces share.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/aristath/conductor/internal/agent"
	"github.com/aristath/conductor/internal/config"
	"github.com/aristath/conductor/internal/logging"
	"github.com/aristath/conductor/internal/persistence"
	"github.com/aristath/conductor/internal/router"
	"github.com/aristath/conductor/internal/scheduler"
	"github.com/aristath/conductor/internal/task"
	"github.com/aristath/conductor/internal/workflow"
)

// Driver runs the agent worker pool over the scheduler's lanes. Task status
// is left alone while phases advance; the lease plus the in-memory
// assignment are what serialize work on a task.
type Driver struct {
	surface *Surface
	sched   *scheduler.Scheduler
	enf     *workflow.Enforcer
	res     *Resilience
	runner  agent.Runner
	gates   []workflow.Gate
	log     *logging.Logger

	agents   int
	limiter  *rate.Limiter
	refresh  time.Duration
	leaseTTL time.Duration
}

// NewDriver wires the execution loop. gates run on the host after each
// VERIFY execution; refresh is the scheduler rebuild interval, leaseTTL
// the per-run lease duration (heartbeat renews at a third of it).
func NewDriver(surf *Surface, sched *scheduler.Scheduler, enf *workflow.Enforcer, res *Resilience, runner agent.Runner, gates []workflow.Gate, log *logging.Logger, cfg config.DriverConfig, refresh, leaseTTL time.Duration) *Driver {
	agents := cfg.Agents
	if agents <= 0 {
		agents = 4
	}
	rps := cfg.LaunchRate
	if rps <= 0 {
		rps = 1
	}
	burst := cfg.LaunchBurst
	if burst <= 0 {
		burst = 1
	}
	if refresh <= 0 {
		refresh = 2 * time.Second
	}
	if leaseTTL <= 0 {
		leaseTTL = 90 * time.Second
	}
	return &Driver{
		surface:  surf,
		sched:    sched,
		enf:      enf,
		res:      res,
		runner:   runner,
		gates:    gates,
		log:      log.Named("driver"),
		agents:   agents,
		limiter:  rate.NewLimiter(rate.Limit(rps), burst),
		refresh:  refresh,
		leaseTTL: leaseTTL,
	}
}

// Run executes the worker pool until the context is cancelled. Spawned
// agent processes are killed on the way out when the runner supports it.
func (d *Driver) Run(ctx context.Context) error {
	if err := d.sched.Refresh(ctx); err != nil {
		return fmt.Errorf("failed to prime scheduler: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return d.refreshLoop(gctx) })
	for i := 0; i < d.agents; i++ {
		agentID := fmt.Sprintf("agent-%d", i+1)
		g.Go(func() error { return d.workerLoop(gctx, agentID) })
	}
	err := g.Wait()

	if k, ok := d.runner.(interface{ KillAll() error }); ok {
		if kerr := k.KillAll(); kerr != nil {
			d.log.Warn("failed to kill agent processes", zap.Error(kerr))
		}
	}
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// refreshLoop rebuilds the scheduler lanes on a fixed cadence.
func (d *Driver) refreshLoop(ctx context.Context) error {
	tick := time.NewTicker(d.refresh)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-tick.C:
			if err := d.sched.Refresh(ctx); err != nil && ctx.Err() == nil {
				d.log.Error("scheduler refresh failed", zap.Error(err))
			}
		}
	}
}

// workerLoop pulls and runs tasks for one agent identity until shutdown.
func (d *Driver) workerLoop(ctx context.Context, agentID string) error {
	log := d.log.With(zap.String("agent_id", agentID))
	for {
		if ctx.Err() != nil {
			return nil
		}
		t := d.sched.Next(agentID)
		if t == nil {
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(d.refresh):
			}
			continue
		}
		d.runOnce(ctx, log, agentID, t)
	}
}

// runOnce drives one task through one phase run.
func (d *Driver) runOnce(ctx context.Context, log *logging.Logger, agentID string, t *task.Task) {
	phase := t.CurrentPhase
	meta := persistence.Meta{AgentID: agentID}

	grant, err := d.surface.AcquireLease(ctx, t.ID, phase, d.leaseTTL, meta)
	if err != nil {
		if ctx.Err() == nil {
			log.Warn("lease acquisition failed", zap.String("task_id", t.ID), zap.Error(err))
		}
		d.sched.Release(t.ID)
		return
	}
	if !grant.Acquired {
		// Another agent owns the phase; put the task back and move on.
		d.sched.Release(t.ID)
		return
	}
	leaseID := grant.Lease.LeaseID

	sel, err := d.surface.PickModel(ctx, phase, router.Options{
		TaskID:        t.ID,
		AgentID:       agentID,
		ContextTokens: contextTokens(t),
	})
	if err != nil {
		d.releaseLease(ctx, t.ID, phase, leaseID, meta)
		d.sched.Release(t.ID)
		if errors.Is(err, router.ErrNoCandidate) {
			// Capacity problem: the task stays queued until a provider
			// recovers or the catalog changes.
			d.sched.Defer(t.ID, time.Now().Add(d.refresh))
			log.Info("no model candidate, task stays queued", zap.String("task_id", t.ID))
		} else if ctx.Err() == nil {
			log.Error("model selection failed", zap.String("task_id", t.ID), zap.Error(err))
		}
		return
	}

	asn := agent.Assignment{
		Task:      t,
		Phase:     phase,
		AgentID:   agentID,
		LeaseID:   leaseID,
		Selection: sel,
	}

	if err := d.limiter.Wait(ctx); err != nil {
		d.releaseLease(ctx, t.ID, phase, leaseID, meta)
		d.sched.Release(t.ID)
		return
	}

	res, lostLease := d.execute(ctx, log, asn)
	if lostLease {
		// Ownership moved on; discard the run without touching the store.
		d.sched.Release(t.ID)
		return
	}

	if res.Success {
		d.completeRun(ctx, log, asn, res)
		return
	}
	if _, err := d.res.HandleFailure(ctx, asn, res); err != nil {
		if ctx.Err() == nil {
			log.Error("failure handling failed", zap.String("task_id", t.ID), zap.Error(err))
		}
		d.sched.Release(t.ID)
	}
}

// execute launches the agent process and renews the lease at a third of
// its ttl while the run is in flight. A failed renewal cancels the run and
// reports the lease as lost.
func (d *Driver) execute(ctx context.Context, log *logging.Logger, asn agent.Assignment) (*agent.Result, bool) {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	done := make(chan struct{})
	var res *agent.Result
	var runErr error
	go func() {
		defer close(done)
		res, runErr = d.runner.Run(runCtx, asn)
	}()

	interval := d.leaseTTL / 3
	if interval <= 0 {
		interval = time.Second
	}
	tick := time.NewTicker(interval)
	defer tick.Stop()

	lost := false
	for {
		select {
		case <-done:
			if lost {
				return nil, true
			}
			if runErr != nil {
				return &agent.Result{Success: false, Output: runErr.Error()}, false
			}
			return res, false
		case <-tick.C:
			_, err := d.surface.RenewLease(ctx, asn.Task.ID, asn.Phase, asn.LeaseID, d.leaseTTL, persistence.Meta{AgentID: asn.AgentID})
			if err != nil {
				if ctx.Err() == nil {
					log.Warn("lease renewal failed, cancelling run",
						zap.String("task_id", asn.Task.ID),
						zap.String("phase", string(asn.Phase)),
						zap.Error(err))
				}
				lost = true
				cancel()
			}
		}
	}
}

// completeRun advances the task across the phase boundary after a
// successful run, or completes the whole protocol at the final phase.
func (d *Driver) completeRun(ctx context.Context, log *logging.Logger, asn agent.Assignment, res *agent.Result) {
	t, phase := asn.Task, asn.Phase
	meta := persistence.Meta{AgentID: asn.AgentID}

	next := task.NextPhase(phase)
	if next == "" {
		d.releaseLease(ctx, t.ID, phase, asn.LeaseID, meta)
		d.res.RecordSuccess(t.ID, asn.Selection.Provider)
		d.completeTask(ctx, log, t.ID, asn.AgentID)
		d.sched.Release(t.ID)
		return
	}

	evidence := runEvidence(res)
	if phase == task.PhaseVerify && len(d.gates) > 0 {
		results := workflow.RunGates(ctx, d.gates)
		evidence.GateResults = append(evidence.GateResults, results...)
		if target, ok := task.BacktrackTarget(phase); ok && anyGateFailed(results) {
			// A broken host gate sends the task back to rework instead of
			// onward to review.
			next = target
		}
	}

	_, err := d.enf.Advance(ctx, workflow.Request{
		TaskID:        t.ID,
		AgentID:       asn.AgentID,
		LeaseID:       asn.LeaseID,
		To:            next,
		Evidence:      evidence,
		CorrelationID: uuid.NewString(),
	})
	switch {
	case err == nil:
		d.releaseLease(ctx, t.ID, phase, asn.LeaseID, meta)
		d.res.RecordSuccess(t.ID, asn.Selection.Provider)
		d.sched.Release(t.ID)

	case errors.Is(err, workflow.ErrGamingDetected):
		// The enforcer already rerouted the task and wrote the audit trail.
		log.Warn("phase advance rejected for gaming", zap.String("task_id", t.ID))
		d.releaseLease(ctx, t.ID, phase, asn.LeaseID, meta)
		d.sched.Release(t.ID)

	case errors.Is(err, task.ErrLeaseNotHeld):
		d.sched.Release(t.ID)

	default:
		// The run claimed success but the move did not hold up. Route it
		// through the failure policy so repeated rejections block the task.
		log.Warn("phase advance rejected", zap.String("task_id", t.ID), zap.Error(err))
		fail := &agent.Result{
			Success: false,
			Output:  fmt.Sprintf("phase advance to %s rejected: %v", next, err),
		}
		if _, herr := d.res.HandleFailure(ctx, asn, fail); herr != nil {
			if ctx.Err() == nil {
				log.Error("failure handling failed", zap.String("task_id", t.ID), zap.Error(herr))
			}
			d.sched.Release(t.ID)
		}
	}
}

// completeTask walks the task to done through the legal status edges from
// wherever it currently sits.
func (d *Driver) completeTask(ctx context.Context, log *logging.Logger, taskID, agentID string) {
	t, err := d.surface.GetTask(ctx, taskID)
	if err != nil {
		log.Warn("failed to load task for completion", zap.String("task_id", taskID), zap.Error(err))
		return
	}

	var path []task.Status
	switch t.Status {
	case task.StatusPending, task.StatusNeedsImprovement:
		path = []task.Status{task.StatusInProgress, task.StatusDone}
	case task.StatusInProgress, task.StatusNeedsReview:
		path = []task.Status{task.StatusDone}
	default:
		return
	}

	meta := persistence.Meta{AgentID: agentID}
	for _, to := range path {
		if _, err := d.surface.TransitionTask(ctx, taskID, to, persistence.TransitionPatch{}, meta); err != nil {
			log.Warn("completion transition failed",
				zap.String("task_id", taskID),
				zap.String("to", string(to)),
				zap.Error(err))
			return
		}
	}
	log.Info("task completed", zap.String("task_id", taskID))
}

func (d *Driver) releaseLease(ctx context.Context, taskID string, phase task.Phase, leaseID string, meta persistence.Meta) {
	err := d.surface.ReleaseLease(ctx, taskID, phase, leaseID, meta)
	if err != nil && !errors.Is(err, task.ErrLeaseNotHeld) && ctx.Err() == nil {
		d.log.Warn("failed to release lease",
			zap.String("task_id", taskID),
			zap.String("phase", string(phase)),
			zap.Error(err))
	}
}

func anyGateFailed(results []workflow.GateResult) bool {
	for _, r := range results {
		if !r.Passed {
			return true
		}
	}
	return false
}

// runEvidence decodes the evidence block from the agent's report line.
// Missing or malformed evidence decodes to the zero value; the enforcer's
// boundary preconditions decide whether that suffices.
func runEvidence(res *agent.Result) workflow.Evidence {
	var ev workflow.Evidence
	if len(res.Evidence) > 0 {
		if err := json.Unmarshal(res.Evidence, &ev); err != nil {
			return workflow.Evidence{}
		}
	}
	return ev
}

// contextTokens estimates the prompt size for routing: an explicit
// metadata override when present, otherwise a rough quarter of the task
// text length, halved when the last run overflowed the model context.
func contextTokens(t *task.Task) int {
	est := (len(t.Title) + len(t.Description)) / 4
	if t.Metadata != nil {
		if n, err := strconv.Atoi(t.Metadata["context_tokens"]); err == nil && n > 0 {
			est = n
		}
		if t.Metadata[MetaContextHint] == ContextHintShrink {
			est /= 2
		}
	}
	return est
}
