package orchestrator

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aristath/conductor/internal/agent"
	"github.com/aristath/conductor/internal/config"
	"github.com/aristath/conductor/internal/events"
	"github.com/aristath/conductor/internal/logging"
	"github.com/aristath/conductor/internal/persistence"
	"github.com/aristath/conductor/internal/router"
	"github.com/aristath/conductor/internal/task"
	"github.com/aristath/conductor/internal/workflow"
)

// fakeRunner stands in for the process runner. respond decides each run's
// outcome; every assignment is recorded.
type fakeRunner struct {
	mu      sync.Mutex
	runs    []agent.Assignment
	respond func(agent.Assignment) (*agent.Result, error)
}

func (f *fakeRunner) Run(ctx context.Context, a agent.Assignment) (*agent.Result, error) {
	f.mu.Lock()
	f.runs = append(f.runs, a)
	f.mu.Unlock()
	return f.respond(a)
}

func (f *fakeRunner) runCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.runs)
}

// passingResult is a successful run whose evidence satisfies every phase
// boundary, including the verification gaming checks.
func passingResult() *agent.Result {
	return &agent.Result{
		Success: true,
		Evidence: []byte(`{
			"summary": "implemented the slice",
			"files_changed": 2,
			"design_ref": "docs/adr-12.md",
			"coverage_delta": 1.5,
			"gate_results": [{"name": "tests", "passed": true}],
			"tests": [{"name": "TestExporterFlush", "assertions": 4, "integration": true, "mocked_deps": 0, "real_deps": 2}]
		}`),
	}
}

func testDriver(t *testing.T, retryBudget int, respond func(agent.Assignment) (*agent.Result, error)) (*Driver, *harness, *fakeRunner) {
	t.Helper()
	h := testHarness(t, retryBudget)
	bus := events.NewBus()
	log := logging.NewNop()
	surf := NewSurface(h.store, h.sched, h.router, bus, log, time.Minute)
	enf := workflow.New(h.store, bus, log, config.WorkflowConfig{
		GamingMode:               config.GamingModeEnforce,
		MinDeferralJustification: 20,
	})
	runner := &fakeRunner{respond: respond}
	d := NewDriver(surf, h.sched, enf, h.res, runner, nil, log, config.DriverConfig{
		Agents:      2,
		LaunchRate:  500,
		LaunchBurst: 10,
	}, 20*time.Millisecond, time.Second)
	return d, h, runner
}

// startDriver runs the driver in the background and stops it when the test
// ends.
func startDriver(t *testing.T, d *Driver) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- d.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-errCh:
			if err != nil {
				t.Errorf("driver returned error on shutdown: %v", err)
			}
		case <-time.After(2 * time.Second):
			t.Errorf("driver did not stop within 2s")
		}
	})
}

func waitTaskStatus(t *testing.T, store persistence.Store, id string, want task.Status) *task.Task {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		got, err := store.GetTask(context.Background(), id)
		if err != nil {
			t.Fatalf("failed to load %s: %v", id, err)
		}
		if got.Status == want {
			return got
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("task %s never reached %s", id, want)
	return nil
}

func TestDriverWalksTaskToCompletion(t *testing.T) {
	d, h, runner := testDriver(t, 3, func(agent.Assignment) (*agent.Result, error) {
		return passingResult(), nil
	})

	if _, err := h.store.CreateTask(context.Background(), &task.Task{
		ID:                  "walk-1",
		Title:               "Add metrics exporter",
		Type:                task.TypeTask,
		EstimatedComplexity: 3,
	}, persistence.Meta{}); err != nil {
		t.Fatalf("failed to create task: %v", err)
	}

	startDriver(t, d)

	got := waitTaskStatus(t, h.store, "walk-1", task.StatusDone)
	if got.CurrentPhase != task.PhaseMonitor {
		t.Fatalf("completed task sits at phase %s, want %s", got.CurrentPhase, task.PhaseMonitor)
	}
	if got.Attempt != 1 {
		t.Fatalf("clean walk bumped attempt to %d", got.Attempt)
	}

	// Ten phases means nine forward boundary crossings.
	if n := countTaskEvents(t, h.store, "walk-1", task.EventPhaseAdvanced); n != 9 {
		t.Fatalf("counted %d phase_advanced events, want 9", n)
	}
	if n := runner.runCount(); n != 10 {
		t.Fatalf("runner executed %d times, want 10", n)
	}
	if held, err := h.store.CountLiveLeases(context.Background()); err != nil || held != 0 {
		t.Fatalf("live leases after completion = %d (err %v), want 0", held, err)
	}
}

func TestDriverBlocksAfterRetryBudget(t *testing.T) {
	d, h, runner := testDriver(t, 2, func(agent.Assignment) (*agent.Result, error) {
		return &agent.Result{Success: false, Output: "agent panicked: exit status 2"}, nil
	})

	if _, err := h.store.CreateTask(context.Background(), &task.Task{
		ID:                  "crash-1",
		Title:               "Chronic crasher",
		Type:                task.TypeTask,
		EstimatedComplexity: 3,
	}, persistence.Meta{}); err != nil {
		t.Fatalf("failed to create task: %v", err)
	}

	startDriver(t, d)

	got := waitTaskStatus(t, h.store, "crash-1", task.StatusBlocked)
	if got.Blocker == nil {
		t.Fatalf("blocked task carries no blocker reason")
	}
	if got.Blocker.Code != "retry_budget_exhausted" {
		t.Fatalf("blocker code = %q, want retry_budget_exhausted", got.Blocker.Code)
	}
	if got.Blocker.Attempts != 2 {
		t.Fatalf("blocker attempts = %d, want 2", got.Blocker.Attempts)
	}
	if n := runner.runCount(); n != 2 {
		t.Fatalf("runner executed %d times, want 2", n)
	}
}

func TestDriverRejectedAdvanceConsumesBudget(t *testing.T) {
	// Success claims with no evidence cannot leave VERIFY; each rejection
	// runs through the failure policy until the budget blocks the task.
	d, h, _ := testDriver(t, 1, func(agent.Assignment) (*agent.Result, error) {
		return &agent.Result{Success: true}, nil
	})

	ctx := context.Background()
	if _, err := h.store.CreateTask(ctx, &task.Task{
		ID:                  "verify-1",
		Title:               "Claims without proof",
		Type:                task.TypeTask,
		EstimatedComplexity: 3,
	}, persistence.Meta{}); err != nil {
		t.Fatalf("failed to create task: %v", err)
	}
	if _, err := h.store.UpdatePhase(ctx, "verify-1", task.PhaseVerify, 1, task.Event{
		Type:   task.EventPhaseAdvanced,
		TaskID: "verify-1",
		Payload: map[string]any{
			"from": string(task.PhaseStrategize),
			"to":   string(task.PhaseVerify),
		},
	}, persistence.Meta{}); err != nil {
		t.Fatalf("failed to seed phase: %v", err)
	}

	startDriver(t, d)

	got := waitTaskStatus(t, h.store, "verify-1", task.StatusBlocked)
	if got.Blocker == nil {
		t.Fatalf("blocked task carries no blocker reason")
	}
	if !strings.Contains(got.Blocker.LastError, "coverage delta") {
		t.Fatalf("blocker last error %q does not name the missing evidence", got.Blocker.LastError)
	}
	if got.CurrentPhase != task.PhaseVerify {
		t.Fatalf("task moved to %s despite rejected advances", got.CurrentPhase)
	}
}

// stubGate is a host gate with a fixed verdict.
type stubGate struct {
	name string
	pass bool
	out  string
}

func (g stubGate) Name() string { return g.name }
func (g stubGate) Run(ctx context.Context) workflow.GateResult {
	return workflow.GateResult{Name: g.name, Passed: g.pass, Output: g.out}
}

func TestDriverFailedHostGateBacktracks(t *testing.T) {
	d, h, _ := testDriver(t, 3, func(agent.Assignment) (*agent.Result, error) {
		return passingResult(), nil
	})
	d.gates = []workflow.Gate{stubGate{name: "tests", pass: false, out: "2 failures"}}

	ctx := context.Background()
	if _, err := h.store.CreateTask(ctx, &task.Task{
		ID:                  "gate-1",
		Title:               "Regresses under test",
		Type:                task.TypeTask,
		EstimatedComplexity: 3,
	}, persistence.Meta{}); err != nil {
		t.Fatalf("failed to create task: %v", err)
	}
	if _, err := h.store.UpdatePhase(ctx, "gate-1", task.PhaseVerify, 1, task.Event{
		Type:   task.EventPhaseAdvanced,
		TaskID: "gate-1",
		Payload: map[string]any{
			"from": string(task.PhaseStrategize),
			"to":   string(task.PhaseVerify),
		},
	}, persistence.Meta{}); err != nil {
		t.Fatalf("failed to seed phase: %v", err)
	}
	if err := h.sched.Refresh(ctx); err != nil {
		t.Fatalf("failed to refresh scheduler: %v", err)
	}
	got := h.sched.Next("agent-1")
	if got == nil || got.ID != "gate-1" {
		t.Fatalf("scheduler did not hand out gate-1, got %v", got)
	}
	grant, err := h.store.AcquireLease(ctx, "gate-1", task.PhaseVerify, "agent-1", time.Minute, persistence.Meta{})
	if err != nil || !grant.Acquired {
		t.Fatalf("failed to acquire lease: %v (acquired %v)", err, grant != nil && grant.Acquired)
	}

	asn := agent.Assignment{
		Task:      got,
		Phase:     task.PhaseVerify,
		AgentID:   "agent-1",
		LeaseID:   grant.Lease.LeaseID,
		Selection: &router.Decision{Model: "coder-m", Provider: "alpha"},
	}
	d.completeRun(ctx, d.log, asn, passingResult())

	after, err := h.store.GetTask(ctx, "gate-1")
	if err != nil {
		t.Fatalf("failed to load task: %v", err)
	}
	if after.CurrentPhase != task.PhaseImplement {
		t.Fatalf("task sits at %s after failed gate, want %s", after.CurrentPhase, task.PhaseImplement)
	}
	if after.Attempt != 2 {
		t.Fatalf("attempt = %d after backtrack, want 2", after.Attempt)
	}
	if n := countTaskEvents(t, h.store, "gate-1", task.EventVerificationFailed); n != 1 {
		t.Fatalf("counted %d verification_failed events, want 1", n)
	}
}

func TestDriverShutdownReturnsPromptly(t *testing.T) {
	d, _, _ := testDriver(t, 3, func(agent.Assignment) (*agent.Result, error) {
		return passingResult(), nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- d.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("driver returned %v on cancellation, want nil", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("driver did not stop after cancellation")
	}
}

func TestContextTokensShrinkHint(t *testing.T) {
	base := &task.Task{Title: strings.Repeat("a", 40), Description: strings.Repeat("b", 40)}
	if got := contextTokens(base); got != 20 {
		t.Fatalf("contextTokens = %d, want 20", got)
	}

	pinned := &task.Task{Title: "t", Metadata: map[string]string{"context_tokens": "9000"}}
	if got := contextTokens(pinned); got != 9000 {
		t.Fatalf("pinned contextTokens = %d, want 9000", got)
	}

	shrunk := &task.Task{
		Title:    strings.Repeat("a", 80),
		Metadata: map[string]string{MetaContextHint: ContextHintShrink},
	}
	if got := contextTokens(shrunk); got != 10 {
		t.Fatalf("shrunk contextTokens = %d, want 10", got)
	}
}
