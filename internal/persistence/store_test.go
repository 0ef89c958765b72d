package persistence

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/aristath/conductor/internal/task"
)

// testStore creates an in-memory store for testing and registers cleanup.
func testStore(t *testing.T, opts ...Option) *SQLiteStore {
	t.Helper()
	store, err := NewMemoryStore(context.Background(), opts...)
	if err != nil {
		t.Fatalf("failed to create test store: %v", err)
	}
	t.Cleanup(func() {
		store.Close()
	})
	return store
}

// fakeClock is a manually advanced clock for lease expiry tests.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// newTask returns a minimal valid task for tests.
func newTask(id string) *task.Task {
	return &task.Task{
		ID:                  id,
		Title:               "Task " + id,
		Type:                task.TypeTask,
		EstimatedComplexity: 3,
	}
}

// mustCreate inserts a task or fails the test.
func mustCreate(t *testing.T, store *SQLiteStore, tk *task.Task) *task.Task {
	t.Helper()
	created, err := store.CreateTask(context.Background(), tk, Meta{})
	if err != nil {
		t.Fatalf("failed to create task %s: %v", tk.ID, err)
	}
	return created
}

// mustTransition moves a task through one status change or fails the test.
func mustTransition(t *testing.T, store *SQLiteStore, id string, to task.Status, patch TransitionPatch) *task.Task {
	t.Helper()
	updated, err := store.Transition(context.Background(), id, to, patch, Meta{})
	if err != nil {
		t.Fatalf("failed to transition %s to %s: %v", id, to, err)
	}
	return updated
}

func TestCreateAndGetTask(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	in := &task.Task{
		ID:                  "task-1",
		Title:               "Implement parser",
		Description:         "Parse the roadmap file",
		Type:                task.TypeTask,
		EstimatedComplexity: 5,
		Metadata:            map[string]string{"component": "roadmap"},
	}

	created := mustCreate(t, store, in)
	if created.Status != task.StatusPending {
		t.Errorf("new task status = %s, want %s", created.Status, task.StatusPending)
	}
	if created.CurrentPhase != task.PhaseStrategize {
		t.Errorf("new task phase = %s, want %s", created.CurrentPhase, task.PhaseStrategize)
	}
	if created.Attempt != 1 {
		t.Errorf("new task attempt = %d, want 1", created.Attempt)
	}

	got, err := store.GetTask(ctx, "task-1")
	if err != nil {
		t.Fatalf("failed to get task: %v", err)
	}
	if got.Title != in.Title {
		t.Errorf("Title mismatch: got %s, want %s", got.Title, in.Title)
	}
	if got.Description != in.Description {
		t.Errorf("Description mismatch: got %s, want %s", got.Description, in.Description)
	}
	if got.EstimatedComplexity != 5 {
		t.Errorf("EstimatedComplexity mismatch: got %d, want 5", got.EstimatedComplexity)
	}
	if got.Metadata["component"] != "roadmap" {
		t.Errorf("Metadata mismatch: got %v", got.Metadata)
	}
	if got.CreatedAt.IsZero() {
		t.Error("CreatedAt not populated")
	}
	if !got.StartedAt.IsZero() {
		t.Error("StartedAt should be zero for a new task")
	}
}

func TestCreateTaskDuplicateID(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	mustCreate(t, store, newTask("task-1"))

	_, err := store.CreateTask(ctx, newTask("task-1"), Meta{})
	if !errors.Is(err, task.ErrDuplicateID) {
		t.Fatalf("expected ErrDuplicateID, got %v", err)
	}
}

func TestCreateTaskValidation(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	tests := []struct {
		name string
		task *task.Task
	}{
		{"missing id", &task.Task{Title: "x", Type: task.TypeTask, EstimatedComplexity: 1}},
		{"missing title", &task.Task{ID: "a", Type: task.TypeTask, EstimatedComplexity: 1}},
		{"bad type", &task.Task{ID: "a", Title: "x", Type: "chore", EstimatedComplexity: 1}},
		{"complexity too low", &task.Task{ID: "a", Title: "x", Type: task.TypeTask, EstimatedComplexity: 0}},
		{"complexity too high", &task.Task{ID: "a", Title: "x", Type: task.TypeTask, EstimatedComplexity: 11}},
		{"non-pending status", &task.Task{ID: "a", Title: "x", Type: task.TypeTask, EstimatedComplexity: 1, Status: task.StatusDone}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := store.CreateTask(ctx, tt.task, Meta{}); err == nil {
				t.Error("expected validation error, got nil")
			}
		})
	}
}

func TestCreateTaskUnknownEpic(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	in := newTask("task-1")
	in.EpicID = "missing-epic"
	if _, err := store.CreateTask(ctx, in, Meta{}); !errors.Is(err, task.ErrUnknownTask) {
		t.Fatalf("expected ErrUnknownTask, got %v", err)
	}
}

func TestCreateTaskIdempotentReplay(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	meta := Meta{AgentID: "agent-1", CorrelationID: "cmd-123"}
	first, err := store.CreateTask(ctx, newTask("task-1"), meta)
	if err != nil {
		t.Fatalf("first create failed: %v", err)
	}

	// Same correlation id must not create twice, even with different input.
	replay, err := store.CreateTask(ctx, newTask("task-2"), meta)
	if err != nil {
		t.Fatalf("replayed create failed: %v", err)
	}
	if replay.ID != first.ID {
		t.Errorf("replay returned %s, want first result %s", replay.ID, first.ID)
	}

	if _, err := store.GetTask(ctx, "task-2"); !errors.Is(err, task.ErrUnknownTask) {
		t.Errorf("task-2 should not exist after replayed command, got %v", err)
	}

	tasks, err := store.ListTasks(ctx)
	if err != nil {
		t.Fatalf("failed to list tasks: %v", err)
	}
	if len(tasks) != 1 {
		t.Errorf("expected 1 task after replay, got %d", len(tasks))
	}
}

func TestGetTaskNotFound(t *testing.T) {
	store := testStore(t)

	_, err := store.GetTask(context.Background(), "nope")
	if !errors.Is(err, task.ErrUnknownTask) {
		t.Fatalf("expected ErrUnknownTask, got %v", err)
	}
}

func TestTransitionLifecycle(t *testing.T) {
	clock := newFakeClock()
	store := testStore(t, WithNowFunc(clock.Now))

	mustCreate(t, store, newTask("task-1"))

	started := mustTransition(t, store, "task-1", task.StatusInProgress, TransitionPatch{})
	if started.StartedAt.IsZero() {
		t.Error("StartedAt not stamped on first in_progress transition")
	}

	clock.Advance(45 * time.Minute)
	mustTransition(t, store, "task-1", task.StatusNeedsReview, TransitionPatch{})
	done := mustTransition(t, store, "task-1", task.StatusDone, TransitionPatch{})

	if done.CompletedAt.IsZero() {
		t.Error("CompletedAt not stamped on done transition")
	}
	if done.ActualDuration != 45*time.Minute {
		t.Errorf("ActualDuration = %s, want 45m", done.ActualDuration)
	}
}

func TestTransitionRejectsIllegalMove(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	mustCreate(t, store, newTask("task-1"))

	// pending -> done skips the working states.
	_, err := store.Transition(ctx, "task-1", task.StatusDone, TransitionPatch{}, Meta{})
	if !errors.Is(err, task.ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}

	got, err := store.GetTask(ctx, "task-1")
	if err != nil {
		t.Fatalf("failed to get task: %v", err)
	}
	if got.Status != task.StatusPending {
		t.Errorf("rejected transition mutated status to %s", got.Status)
	}
}

func TestTransitionUnknownTask(t *testing.T) {
	store := testStore(t)

	_, err := store.Transition(context.Background(), "ghost", task.StatusInProgress, TransitionPatch{}, Meta{})
	if !errors.Is(err, task.ErrUnknownTask) {
		t.Fatalf("expected ErrUnknownTask, got %v", err)
	}
}

func TestTransitionBlockedRequiresReason(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	mustCreate(t, store, newTask("task-1"))

	_, err := store.Transition(ctx, "task-1", task.StatusBlocked, TransitionPatch{}, Meta{})
	if err == nil {
		t.Fatal("expected error for blocked transition without blocker")
	}

	blocker := &task.BlockerReason{
		Code:     "retries_exhausted",
		Message:  "no provider succeeded",
		Attempts: 3,
	}
	blocked := mustTransition(t, store, "task-1", task.StatusBlocked, TransitionPatch{Blocker: blocker})
	if blocked.Blocker == nil || blocked.Blocker.Code != "retries_exhausted" {
		t.Fatalf("blocker not persisted: %+v", blocked.Blocker)
	}

	// Unblocking clears the reason.
	unblocked := mustTransition(t, store, "task-1", task.StatusPending, TransitionPatch{})
	if unblocked.Blocker != nil {
		t.Errorf("blocker should clear on unblock, got %+v", unblocked.Blocker)
	}
}

func TestTransitionAppliesPatch(t *testing.T) {
	store := testStore(t)

	mustCreate(t, store, newTask("task-1"))

	phase := task.PhaseSpec
	attempt := 2
	updated := mustTransition(t, store, "task-1", task.StatusInProgress, TransitionPatch{
		Phase:    &phase,
		Attempt:  &attempt,
		Metadata: map[string]string{"assigned_model": "fast-coder"},
	})

	if updated.CurrentPhase != task.PhaseSpec {
		t.Errorf("phase = %s, want %s", updated.CurrentPhase, task.PhaseSpec)
	}
	if updated.Attempt != 2 {
		t.Errorf("attempt = %d, want 2", updated.Attempt)
	}
	if updated.Metadata["assigned_model"] != "fast-coder" {
		t.Errorf("metadata not merged: %v", updated.Metadata)
	}
}

func TestTransitionIdempotentReplay(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	mustCreate(t, store, newTask("task-1"))

	meta := Meta{CorrelationID: "cmd-t1"}
	first, err := store.Transition(ctx, "task-1", task.StatusInProgress, TransitionPatch{}, meta)
	if err != nil {
		t.Fatalf("first transition failed: %v", err)
	}

	replay, err := store.Transition(ctx, "task-1", task.StatusInProgress, TransitionPatch{}, meta)
	if err != nil {
		t.Fatalf("replayed transition failed: %v", err)
	}
	if replay.Status != first.Status {
		t.Errorf("replay status = %s, want %s", replay.Status, first.Status)
	}

	// Without the replay the second in_progress -> in_progress move would
	// be rejected; only one status_changed event may exist.
	events, err := store.EventsForTask(ctx, "task-1", 0)
	if err != nil {
		t.Fatalf("failed to list events: %v", err)
	}
	var changes int
	for _, ev := range events {
		if ev.Type == task.EventStatusChanged {
			changes++
		}
	}
	if changes != 1 {
		t.Errorf("expected 1 status_changed event, got %d", changes)
	}
}

func TestListTasksByStatus(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	mustCreate(t, store, newTask("a"))
	mustCreate(t, store, newTask("b"))
	mustCreate(t, store, newTask("c"))
	mustTransition(t, store, "b", task.StatusInProgress, TransitionPatch{})

	pending, err := store.ListTasksByStatus(ctx, task.StatusPending)
	if err != nil {
		t.Fatalf("failed to list pending: %v", err)
	}
	if len(pending) != 2 {
		t.Errorf("pending count = %d, want 2", len(pending))
	}

	working, err := store.ListTasksByStatus(ctx, task.StatusInProgress)
	if err != nil {
		t.Fatalf("failed to list in_progress: %v", err)
	}
	if len(working) != 1 || working[0].ID != "b" {
		t.Errorf("in_progress = %v, want [b]", working)
	}
}

func TestFailedCommandLeavesNoClaim(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	mustCreate(t, store, newTask("task-1"))

	// Illegal transition fails and rolls back, including the dedup claim.
	meta := Meta{CorrelationID: "cmd-retry"}
	if _, err := store.Transition(ctx, "task-1", task.StatusDone, TransitionPatch{}, meta); err == nil {
		t.Fatal("expected illegal transition to fail")
	}

	// The same correlation id retried with a legal move must execute.
	if _, err := store.Transition(ctx, "task-1", task.StatusInProgress, TransitionPatch{}, meta); err != nil {
		t.Fatalf("retry after failure did not execute: %v", err)
	}

	got, err := store.GetTask(ctx, "task-1")
	if err != nil {
		t.Fatalf("failed to get task: %v", err)
	}
	if got.Status != task.StatusInProgress {
		t.Errorf("status = %s, want in_progress", got.Status)
	}
}
