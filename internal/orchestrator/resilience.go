package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/aristath/conductor/internal/agent"
	"github.com/aristath/conductor/internal/events"
	"github.com/aristath/conductor/internal/logging"
	"github.com/aristath/conductor/internal/persistence"
	"github.com/aristath/conductor/internal/router"
	"github.com/aristath/conductor/internal/scheduler"
	"github.com/aristath/conductor/internal/task"
)

// Outcome classifies one finished agent run.
type Outcome string

const (
	OutcomeSuccess         Outcome = "success"
	OutcomeRateLimit       Outcome = "rate_limit"
	OutcomeNetwork         Outcome = "network"
	OutcomeContextOverflow Outcome = "context_overflow"
	OutcomeUnknownFailure  Outcome = "unknown_failure"
)

// Metadata keys written by the failure policy.
const (
	// MetaContextHint marks a task whose last run overflowed the model
	// context; the next run should request a smaller context budget.
	MetaContextHint = "context_hint"
	// MetaRetryAttempts counts unknown-failure reassignments. Persisted in
	// task metadata so the budget survives a restart.
	MetaRetryAttempts = "retry_attempts"
)

// ContextHintShrink is the value stored under MetaContextHint.
const ContextHintShrink = "shrink"

// Output patterns for failure sniffing, checked in order. Overflow before
// rate limit: oversized-prompt responses often carry a 429 in the text too.
var (
	overflowPatterns = []string{
		"context length", "context window", "token limit",
		"maximum context", "prompt is too long",
	}
	rateLimitPatterns = []string{
		"rate limit", "too many requests", "quota exceeded", "429",
	}
	networkPatterns = []string{
		"connection refused", "connection reset", "timeout", "timed out",
		"deadline exceeded", "no such host", "eof", "bad gateway",
		"service unavailable", "overloaded",
	}
)

// Classify maps a finished run onto an outcome. The runner's structured
// failure type wins, then the HTTP status, then output text sniffing.
func Classify(res *agent.Result) Outcome {
	if res == nil {
		return OutcomeUnknownFailure
	}
	if res.Success {
		return OutcomeSuccess
	}

	switch res.FailureType {
	case agent.FailureRateLimit:
		return OutcomeRateLimit
	case agent.FailureNetwork:
		return OutcomeNetwork
	case agent.FailureContextOverflow:
		return OutcomeContextOverflow
	}

	if res.StatusCode == 429 {
		return OutcomeRateLimit
	}
	if res.StatusCode >= 500 && res.StatusCode < 600 {
		return OutcomeNetwork
	}

	out := strings.ToLower(res.Output)
	for _, p := range overflowPatterns {
		if strings.Contains(out, p) {
			return OutcomeContextOverflow
		}
	}
	for _, p := range rateLimitPatterns {
		if strings.Contains(out, p) {
			return OutcomeRateLimit
		}
	}
	for _, p := range networkPatterns {
		if strings.Contains(out, p) {
			return OutcomeNetwork
		}
	}
	return OutcomeUnknownFailure
}

// RetryConfig shapes the reassignment backoff schedule.
type RetryConfig struct {
	InitialInterval     time.Duration
	MaxInterval         time.Duration
	Multiplier          float64
	RandomizationFactor float64
}

// DefaultRetryConfig returns the default reassignment backoff.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		InitialInterval:     5 * time.Second,
		MaxInterval:         5 * time.Minute,
		Multiplier:          2.0,
		RandomizationFactor: 0.5,
	}
}

func (c RetryConfig) newBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.InitialInterval
	b.MaxInterval = c.MaxInterval
	b.Multiplier = c.Multiplier
	b.RandomizationFactor = c.RandomizationFactor
	b.MaxElapsedTime = 0 // the retry budget bounds attempts, not wall time
	b.Reset()
	return b
}

// Directive is what the driver should do with the task after a failed run.
type Directive struct {
	Outcome       Outcome
	Requeue       bool          // task goes back to the scheduler lanes
	Blocked       bool          // task was transitioned to blocked
	RetryIn       time.Duration // deferral applied before the next attempt
	ShrinkContext bool          // next run should use a smaller context budget
}

// Resilience turns classified run failures into lease, scheduler, breaker,
// and store actions. Nothing here marks a task failed on its first error;
// blocked is reached only through the exhausted retry budget.
type Resilience struct {
	store  persistence.Store
	sched  *scheduler.Scheduler
	router *router.Router
	bus    *events.Bus
	log    *logging.Logger
	budget int
	retry  RetryConfig

	mu       sync.Mutex
	backoffs map[string]*backoff.ExponentialBackOff
}

// NewResilience creates the failure policy. retryBudget is the number of
// unknown-failure reassignments before a task blocks.
func NewResilience(store persistence.Store, sched *scheduler.Scheduler, rt *router.Router, bus *events.Bus, log *logging.Logger, retryBudget int, retry RetryConfig) *Resilience {
	if retryBudget <= 0 {
		retryBudget = 3
	}
	return &Resilience{
		store:    store,
		sched:    sched,
		router:   rt,
		bus:      bus,
		log:      log.Named("resilience"),
		budget:   retryBudget,
		retry:    retry,
		backoffs: make(map[string]*backoff.ExponentialBackOff),
	}
}

// HandleFailure applies the failure policy for one finished run. The lease
// is always released so another agent can take over; what happens next
// depends on the outcome class.
func (r *Resilience) HandleFailure(ctx context.Context, a agent.Assignment, res *agent.Result) (*Directive, error) {
	outcome := Classify(res)
	if outcome == OutcomeSuccess {
		return nil, errors.New("successful run routed to failure handler")
	}
	if a.Task == nil {
		return nil, errors.New("assignment has no task")
	}

	provider := ""
	if a.Selection != nil {
		provider = a.Selection.Provider
	}

	r.releaseLease(ctx, a)

	d := &Directive{Outcome: outcome, Requeue: true}
	var err error
	switch outcome {
	case OutcomeRateLimit, OutcomeNetwork:
		err = r.reassignProvider(ctx, a, res, outcome, provider, d)
	case OutcomeContextOverflow:
		err = r.reassignShrunk(ctx, a, outcome, provider, d)
	default:
		err = r.retryOrBlock(ctx, a, res, provider, d)
	}
	if err != nil {
		return nil, err
	}

	r.sched.Release(a.Task.ID)
	if d.Requeue && d.RetryIn > 0 {
		r.sched.Defer(a.Task.ID, time.Now().Add(d.RetryIn))
	}

	r.log.Info("run failure handled",
		zap.String("task_id", a.Task.ID),
		zap.String("phase", string(a.Phase)),
		zap.String("outcome", string(outcome)),
		zap.String("provider", provider),
		zap.Bool("blocked", d.Blocked),
		zap.Duration("retry_in", d.RetryIn))
	return d, nil
}

// RecordSuccess clears the task's backoff schedule and feeds the provider's
// breaker after a successful run.
func (r *Resilience) RecordSuccess(taskID, provider string) {
	r.clearBackoff(taskID)
	if provider != "" {
		r.router.RecordProviderSuccess(provider)
	}
}

// reassignProvider handles rate-limit and network failures: the provider's
// breaker is fed and the task retries elsewhere after a backoff delay.
func (r *Resilience) reassignProvider(ctx context.Context, a agent.Assignment, res *agent.Result, outcome Outcome, provider string, d *Directive) error {
	if provider != "" {
		err := r.router.RecordProviderFailure(ctx, a.Phase, provider, res.StatusCode, router.Options{
			TaskID:  a.Task.ID,
			AgentID: a.AgentID,
		})
		if err != nil {
			return err
		}
	}
	d.RetryIn = r.nextDelay(a.Task.ID)

	ev := task.Event{
		Type:    task.EventTaskReassigned,
		TaskID:  a.Task.ID,
		AgentID: a.AgentID,
		Payload: map[string]any{
			"phase":    string(a.Phase),
			"outcome":  string(outcome),
			"provider": provider,
			"retry_in": d.RetryIn.String(),
		},
	}
	if err := r.store.AppendEvent(ctx, ev); err != nil {
		return err
	}
	r.publish(ev)
	return nil
}

// reassignShrunk handles context overflow: the task retries with a
// smaller-budget hint in its metadata. Splitting the task is external.
func (r *Resilience) reassignShrunk(ctx context.Context, a agent.Assignment, outcome Outcome, provider string, d *Directive) error {
	d.ShrinkContext = true
	d.RetryIn = r.nextDelay(a.Task.ID)

	ev := task.Event{
		Type:    task.EventTaskReassigned,
		TaskID:  a.Task.ID,
		AgentID: a.AgentID,
		Payload: map[string]any{
			"phase":        string(a.Phase),
			"outcome":      string(outcome),
			"provider":     provider,
			"context_hint": ContextHintShrink,
		},
	}
	_, err := r.store.AnnotateTask(ctx, a.Task.ID,
		map[string]string{MetaContextHint: ContextHintShrink}, ev,
		persistence.Meta{AgentID: a.AgentID})
	if err != nil {
		return err
	}
	r.publish(ev)
	return nil
}

// retryOrBlock handles unknown failures: bounded reassignment, then blocked
// with a structured reason. This is the only path to a terminal failure.
func (r *Resilience) retryOrBlock(ctx context.Context, a agent.Assignment, res *agent.Result, provider string, d *Directive) error {
	cur, err := r.store.GetTask(ctx, a.Task.ID)
	if err != nil {
		return err
	}
	attempts := priorAttempts(cur) + 1

	if attempts < r.budget {
		d.RetryIn = r.nextDelay(a.Task.ID)
		ev := task.Event{
			Type:    task.EventTaskReassigned,
			TaskID:  a.Task.ID,
			AgentID: a.AgentID,
			Payload: map[string]any{
				"phase":    string(a.Phase),
				"outcome":  string(OutcomeUnknownFailure),
				"provider": provider,
				"attempts": attempts,
				"budget":   r.budget,
			},
		}
		_, err := r.store.AnnotateTask(ctx, a.Task.ID,
			map[string]string{MetaRetryAttempts: strconv.Itoa(attempts)}, ev,
			persistence.Meta{AgentID: a.AgentID})
		if err != nil {
			return err
		}
		r.publish(ev)
		return nil
	}

	providers, err := r.failedProviders(ctx, a.Task.ID, provider)
	if err != nil {
		return err
	}
	blocker := &task.BlockerReason{
		Code:            "retry_budget_exhausted",
		Message:         fmt.Sprintf("no successful run after %d attempts", attempts),
		Attempts:        attempts,
		LastError:       truncate(res.Output, 500),
		FailedProviders: providers,
	}
	_, err = r.store.Transition(ctx, a.Task.ID, task.StatusBlocked,
		persistence.TransitionPatch{Blocker: blocker},
		persistence.Meta{AgentID: a.AgentID})
	if err != nil {
		return err
	}

	ev := task.Event{
		Type:    task.EventTaskBlocked,
		TaskID:  a.Task.ID,
		AgentID: a.AgentID,
		Payload: map[string]any{
			"code":             blocker.Code,
			"attempts":         attempts,
			"last_error":       blocker.LastError,
			"failed_providers": providers,
		},
	}
	if err := r.store.AppendEvent(ctx, ev); err != nil {
		return err
	}
	r.publish(ev)

	d.Requeue = false
	d.Blocked = true
	r.clearBackoff(a.Task.ID)
	return nil
}

// releaseLease returns the phase lease. A lease that already expired out
// from under the run is not an error here.
func (r *Resilience) releaseLease(ctx context.Context, a agent.Assignment) {
	if a.LeaseID == "" {
		return
	}
	err := r.store.ReleaseLease(ctx, a.Task.ID, a.Phase, a.AgentID, a.LeaseID, persistence.Meta{AgentID: a.AgentID})
	if err != nil && !errors.Is(err, task.ErrLeaseNotHeld) {
		r.log.Warn("failed to release lease after run",
			zap.String("task_id", a.Task.ID),
			zap.String("phase", string(a.Phase)),
			zap.Error(err))
	}
}

// failedProviders collects the distinct providers that failed this task,
// derived from the event log plus the provider of the final run.
func (r *Resilience) failedProviders(ctx context.Context, taskID, current string) ([]string, error) {
	evs, err := r.store.EventsForTask(ctx, taskID, 200)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]struct{})
	for _, ev := range evs {
		if ev.Type != task.EventProviderFailure {
			continue
		}
		if p, ok := ev.Payload["provider"].(string); ok && p != "" {
			seen[p] = struct{}{}
		}
	}
	if current != "" {
		seen[current] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for p := range seen {
		out = append(out, p)
	}
	sort.Strings(out)
	return out, nil
}

func (r *Resilience) nextDelay(taskID string) time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.backoffs[taskID]
	if !ok {
		b = r.retry.newBackOff()
		r.backoffs[taskID] = b
	}
	return b.NextBackOff()
}

func (r *Resilience) clearBackoff(taskID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.backoffs, taskID)
}

func (r *Resilience) publish(ev task.Event) {
	if r.bus != nil {
		r.bus.Publish(ev)
	}
}

func priorAttempts(t *task.Task) int {
	if t == nil || t.Metadata == nil {
		return 0
	}
	n, err := strconv.Atoi(t.Metadata[MetaRetryAttempts])
	if err != nil || n < 0 {
		return 0
	}
	return n
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
