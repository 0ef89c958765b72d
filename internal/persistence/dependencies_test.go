package persistence

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"pgregory.net/rapid"

	"github.com/aristath/conductor/internal/task"
)

func mustDepend(t *testing.T, store *SQLiteStore, taskID, dependsOn string, depType task.DependencyType) {
	t.Helper()
	dep := task.Dependency{TaskID: taskID, DependsOn: dependsOn, Type: depType}
	if err := store.AddDependency(context.Background(), dep, Meta{}); err != nil {
		t.Fatalf("failed to add dependency %s -> %s: %v", taskID, dependsOn, err)
	}
}

func TestAddDependencyAndList(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	mustCreate(t, store, newTask("a"))
	mustCreate(t, store, newTask("b"))
	mustDepend(t, store, "b", "a", task.DepBlocks)

	deps, err := store.DependenciesFor(ctx, "b")
	if err != nil {
		t.Fatalf("failed to list dependencies: %v", err)
	}
	if len(deps) != 1 {
		t.Fatalf("dependency count = %d, want 1", len(deps))
	}
	if deps[0].DependsOn != "a" || deps[0].Type != task.DepBlocks {
		t.Errorf("unexpected dependency: %+v", deps[0])
	}
}

func TestAddDependencyOrphan(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	mustCreate(t, store, newTask("a"))

	dep := task.Dependency{TaskID: "a", DependsOn: "ghost", Type: task.DepBlocks}
	if err := store.AddDependency(ctx, dep, Meta{}); !errors.Is(err, task.ErrOrphanDependency) {
		t.Fatalf("expected ErrOrphanDependency, got %v", err)
	}
}

func TestAddDependencySelfCycle(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	mustCreate(t, store, newTask("a"))

	dep := task.Dependency{TaskID: "a", DependsOn: "a", Type: task.DepBlocks}
	if err := store.AddDependency(ctx, dep, Meta{}); !errors.Is(err, task.ErrCycleDetected) {
		t.Fatalf("expected ErrCycleDetected, got %v", err)
	}
}

func TestAddDependencyRejectsCycle(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c"} {
		mustCreate(t, store, newTask(id))
	}
	mustDepend(t, store, "b", "a", task.DepBlocks)
	mustDepend(t, store, "c", "b", task.DepBlocks)

	// a -> c would close a cycle through b.
	dep := task.Dependency{TaskID: "a", DependsOn: "c", Type: task.DepBlocks}
	if err := store.AddDependency(ctx, dep, Meta{}); !errors.Is(err, task.ErrCycleDetected) {
		t.Fatalf("expected ErrCycleDetected, got %v", err)
	}

	// The rejected edge must not exist.
	deps, err := store.DependenciesFor(ctx, "a")
	if err != nil {
		t.Fatalf("failed to list dependencies: %v", err)
	}
	if len(deps) != 0 {
		t.Errorf("rejected edge was persisted: %+v", deps)
	}
}

func TestAddDependencyRelatedEdgesNeverCycleChecked(t *testing.T) {
	store := testStore(t)

	mustCreate(t, store, newTask("a"))
	mustCreate(t, store, newTask("b"))
	mustDepend(t, store, "b", "a", task.DepBlocks)

	// A related back-edge is fine; only blocks edges form the checked graph.
	mustDepend(t, store, "a", "b", task.DepRelated)
}

func TestAddDependencyIdempotent(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	mustCreate(t, store, newTask("a"))
	mustCreate(t, store, newTask("b"))
	mustDepend(t, store, "b", "a", task.DepBlocks)
	mustDepend(t, store, "b", "a", task.DepBlocks)

	deps, err := store.DependenciesFor(ctx, "b")
	if err != nil {
		t.Fatalf("failed to list dependencies: %v", err)
	}
	if len(deps) != 1 {
		t.Errorf("dependency count after re-add = %d, want 1", len(deps))
	}
}

func TestGetReadyTasks(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c", "d"} {
		mustCreate(t, store, newTask(id))
	}
	mustDepend(t, store, "b", "a", task.DepBlocks)
	mustDepend(t, store, "c", "b", task.DepBlocks)
	mustDepend(t, store, "d", "a", task.DepRelated) // non-blocking

	ready, err := store.GetReadyTasks(ctx)
	if err != nil {
		t.Fatalf("failed to get ready tasks: %v", err)
	}
	if got := taskIDs(ready); !equalIDs(got, []string{"a", "d"}) {
		t.Fatalf("ready = %v, want [a d]", got)
	}

	// Completing a unblocks b but not c.
	mustTransition(t, store, "a", task.StatusInProgress, TransitionPatch{})
	mustTransition(t, store, "a", task.StatusNeedsReview, TransitionPatch{})
	mustTransition(t, store, "a", task.StatusDone, TransitionPatch{})

	ready, err = store.GetReadyTasks(ctx)
	if err != nil {
		t.Fatalf("failed to get ready tasks: %v", err)
	}
	if got := taskIDs(ready); !equalIDs(got, []string{"b", "d"}) {
		t.Fatalf("ready after a done = %v, want [b d]", got)
	}
}

func TestGetReadyTasksOnlyPending(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	mustCreate(t, store, newTask("a"))
	mustTransition(t, store, "a", task.StatusInProgress, TransitionPatch{})

	ready, err := store.GetReadyTasks(ctx)
	if err != nil {
		t.Fatalf("failed to get ready tasks: %v", err)
	}
	if len(ready) != 0 {
		t.Errorf("in_progress task reported ready: %v", taskIDs(ready))
	}
}

// TestBlockingGraphStaysAcyclic drives random edge insertions and checks
// that every committed blocks edge set still admits a topological order,
// meaning no cycle ever landed.
func TestBlockingGraphStaysAcyclic(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		store, err := NewMemoryStore(context.Background())
		if err != nil {
			rt.Fatalf("failed to create store: %v", err)
		}
		defer store.Close()
		ctx := context.Background()

		n := rapid.IntRange(3, 8).Draw(rt, "tasks")
		ids := make([]string, n)
		for i := range ids {
			ids[i] = fmt.Sprintf("t%d", i)
			if _, err := store.CreateTask(ctx, newTask(ids[i]), Meta{}); err != nil {
				rt.Fatalf("failed to create task: %v", err)
			}
		}

		edges := rapid.IntRange(1, 20).Draw(rt, "edges")
		for i := 0; i < edges; i++ {
			from := rapid.SampledFrom(ids).Draw(rt, "from")
			to := rapid.SampledFrom(ids).Draw(rt, "to")
			dep := task.Dependency{TaskID: from, DependsOn: to, Type: task.DepBlocks}
			err := store.AddDependency(ctx, dep, Meta{})
			if err != nil && !errors.Is(err, task.ErrCycleDetected) {
				rt.Fatalf("unexpected error adding edge: %v", err)
			}
		}

		// Walk the committed edges; DFS must never revisit a node on the
		// current path.
		adj := make(map[string][]string)
		for _, id := range ids {
			deps, err := store.DependenciesFor(ctx, id)
			if err != nil {
				rt.Fatalf("failed to list dependencies: %v", err)
			}
			for _, d := range deps {
				if d.Type == task.DepBlocks {
					adj[d.TaskID] = append(adj[d.TaskID], d.DependsOn)
				}
			}
		}

		const (
			unvisited = 0
			onPath    = 1
			finished  = 2
		)
		state := make(map[string]int)
		var visit func(string) bool
		visit = func(node string) bool {
			switch state[node] {
			case onPath:
				return false
			case finished:
				return true
			}
			state[node] = onPath
			for _, next := range adj[node] {
				if !visit(next) {
					return false
				}
			}
			state[node] = finished
			return true
		}
		for _, id := range ids {
			if !visit(id) {
				rt.Fatalf("committed blocks graph contains a cycle through %s", id)
			}
		}
	})
}

func taskIDs(tasks []*task.Task) []string {
	ids := make([]string, len(tasks))
	for i, tk := range tasks {
		ids[i] = tk.ID
	}
	return ids
}

func equalIDs(got, want []string) bool {
	if len(got) != len(want) {
		return false
	}
	for i := range got {
		if got[i] != want[i] {
			return false
		}
	}
	return true
}
