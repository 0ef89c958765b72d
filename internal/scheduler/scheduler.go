// Package scheduler assigns ready work to agents. It keeps three priority
// lanes over the store's task state and can be rebuilt from the store at any
// time; nothing in here is authoritative.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/aristath/conductor/internal/persistence"
	"github.com/aristath/conductor/internal/task"
)

// Lane names, in priority order.
const (
	LaneReview   = "requires_review"
	LaneFollowUp = "requires_follow_up"
	LaneReady    = "dependencies_cleared"
)

// Scheduler hands tasks to agents in lane priority order with a cap on
// concurrently assigned heavy tasks. All state is derived: Refresh rebuilds
// the lanes from the store, so a crashed scheduler loses nothing.
type Scheduler struct {
	store          persistence.Store
	heavyThreshold int
	heavyCap       int

	mu       sync.RWMutex
	review   []*task.Task
	followUp []*task.Task
	ready    []*task.Task
	assigned map[string]*assignment
	deferred map[string]time.Time
}

// assignment tracks a task handed to an agent and not yet returned.
type assignment struct {
	agentID    string
	heavy      bool
	assignedAt time.Time
}

// New creates a scheduler over the given store.
func New(store persistence.Store, heavyThreshold, heavyCap int) *Scheduler {
	return &Scheduler{
		store:          store,
		heavyThreshold: heavyThreshold,
		heavyCap:       heavyCap,
		assigned:       make(map[string]*assignment),
		deferred:       make(map[string]time.Time),
	}
}

// Refresh rebuilds all three lanes from the store. Tasks currently assigned
// to an agent are left out of the lanes so one task can never be handed to
// two agents between refreshes. Lane order within each lane is creation
// order, oldest first.
func (s *Scheduler) Refresh(ctx context.Context) error {
	review, err := s.store.ListTasksByStatus(ctx, task.StatusNeedsReview)
	if err != nil {
		return fmt.Errorf("failed to load review lane: %w", err)
	}
	followUp, err := s.store.ListTasksByStatus(ctx, task.StatusNeedsImprovement)
	if err != nil {
		return fmt.Errorf("failed to load follow-up lane: %w", err)
	}
	ready, err := s.store.GetReadyTasks(ctx)
	if err != nil {
		return fmt.Errorf("failed to load ready lane: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.review = s.dropAssigned(review)
	s.followUp = s.dropAssigned(followUp)
	s.ready = s.dropAssigned(ready)
	return nil
}

// dropAssigned filters out tasks already handed to an agent and tasks in a
// retry-backoff deferral window. Expired deferrals are pruned here.
// Caller must hold s.mu.
func (s *Scheduler) dropAssigned(tasks []*task.Task) []*task.Task {
	now := time.Now()
	kept := tasks[:0]
	for _, t := range tasks {
		if _, taken := s.assigned[t.ID]; taken {
			continue
		}
		if until, ok := s.deferred[t.ID]; ok {
			if now.Before(until) {
				continue
			}
			delete(s.deferred, t.ID)
		}
		kept = append(kept, t)
	}
	return kept
}

// Next pops the highest-priority assignable task for an agent, or nil when
// nothing is assignable. Review outranks follow-up outranks ready. A heavy
// task is skipped in place while the heavy cap is reached; lighter tasks
// behind it still go out.
func (s *Scheduler) Next(agentID string) *task.Task {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, lane := range []*[]*task.Task{&s.review, &s.followUp, &s.ready} {
		if t := s.popAssignable(lane); t != nil {
			s.assigned[t.ID] = &assignment{
				agentID:    agentID,
				heavy:      t.Heavy(s.heavyThreshold),
				assignedAt: time.Now(),
			}
			return t.Clone()
		}
	}
	return nil
}

// popAssignable removes and returns the first task in the lane that fits
// under the heavy cap. Caller must hold s.mu.
func (s *Scheduler) popAssignable(lane *[]*task.Task) *task.Task {
	heavyActive := s.heavyAssignedLocked()
	for i, t := range *lane {
		if t.Heavy(s.heavyThreshold) && heavyActive >= s.heavyCap {
			continue
		}
		*lane = append((*lane)[:i], (*lane)[i+1:]...)
		return t
	}
	return nil
}

// Release returns a task from its agent. The task re-enters a lane on the
// next Refresh if its status still qualifies.
func (s *Scheduler) Release(taskID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.assigned, taskID)
}

// Defer keeps a task out of the lanes until the given time. The resilience
// layer uses it to space out retries after provider failures. Deferrals are
// in-memory like the rest of the scheduler; a restart clears them.
func (s *Scheduler) Defer(taskID string, until time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deferred[taskID] = until
}

// AssignedTo reports which agent holds a task, if any.
func (s *Scheduler) AssignedTo(taskID string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.assigned[taskID]
	if !ok {
		return "", false
	}
	return a.agentID, true
}

// Metrics returns the current lane depths and assignment counts.
func (s *Scheduler) Metrics() task.QueueMetrics {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return task.QueueMetrics{
		ReviewDepth:   len(s.review),
		FollowUpDepth: len(s.followUp),
		ReadyDepth:    len(s.ready),
		Assigned:      len(s.assigned),
		AssignedHeavy: s.heavyAssignedLocked(),
		HeavyCap:      s.heavyCap,
		SnapshotAt:    time.Now(),
	}
}

// heavyAssignedLocked counts assigned heavy tasks. Caller must hold s.mu.
func (s *Scheduler) heavyAssignedLocked() int {
	n := 0
	for _, a := range s.assigned {
		if a.heavy {
			n++
		}
	}
	return n
}
