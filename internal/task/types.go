// Package task defines the domain types shared by the store, scheduler,
// workflow enforcer, and router: tasks, dependencies, events, quality
// metrics, phase leases, and the aggregates served by the query surface.
package task

import (
	"time"
)

// Type categorizes a task in the backlog hierarchy.
type Type string

const (
	TypeEpic  Type = "epic"
	TypeStory Type = "story"
	TypeTask  Type = "task"
	TypeBug   Type = "bug"
)

// ValidType reports whether t is a known task type.
func ValidType(t Type) bool {
	switch t {
	case TypeEpic, TypeStory, TypeTask, TypeBug:
		return true
	}
	return false
}

// Task is a unit of work in the shared backlog.
// Status changes only through validated transitions in the store.
type Task struct {
	ID                  string            // Unique, stable, caller-supplied
	Title               string            // Human-readable name
	Description         string            // Full work description handed to agents
	Type                Type              // epic, story, task, or bug
	Status              Status            // Current lifecycle status
	EpicID              string            // Optional containing epic (must exist)
	ParentID            string            // Optional parent task (must exist)
	CreatedAt           time.Time
	StartedAt           time.Time         // Zero until first in_progress transition
	CompletedAt         time.Time         // Zero until done
	EstimatedComplexity int               // 1..10
	ActualDuration      time.Duration     // Populated on completion
	CurrentPhase        Phase             // Position in the work protocol
	Attempt             int               // Incremented on every backtrack
	Blocker             *BlockerReason    // Set only while Status is blocked
	Metadata            map[string]string // Open key/value annotations
}

// Clone returns a deep copy so callers cannot mutate store-owned state.
func (t *Task) Clone() *Task {
	if t == nil {
		return nil
	}
	cp := *t
	if t.Metadata != nil {
		cp.Metadata = make(map[string]string, len(t.Metadata))
		for k, v := range t.Metadata {
			cp.Metadata[k] = v
		}
	}
	if t.Blocker != nil {
		b := *t.Blocker
		if t.Blocker.FailedProviders != nil {
			b.FailedProviders = append([]string(nil), t.Blocker.FailedProviders...)
		}
		cp.Blocker = &b
	}
	return &cp
}

// Heavy reports whether the task counts against the heavy concurrency cap.
func (t *Task) Heavy(threshold int) bool {
	return t.EstimatedComplexity >= threshold
}

// BlockerReason is the structured explanation attached to a blocked task.
// It is the only user-visible terminal failure in the system.
type BlockerReason struct {
	Code            string   `json:"code"`
	Message         string   `json:"message"`
	Attempts        int      `json:"attempts"`
	LastError       string   `json:"last_error,omitempty"`
	FailedProviders []string `json:"failed_providers,omitempty"`
}

// DependencyType describes the strength of a dependency edge.
// Only "blocks" edges gate readiness and participate in cycle checks.
type DependencyType string

const (
	DepBlocks    DependencyType = "blocks"
	DepRelated   DependencyType = "related"
	DepSuggested DependencyType = "suggested"
)

// ValidDependencyType reports whether d is a known dependency type.
func ValidDependencyType(d DependencyType) bool {
	switch d {
	case DepBlocks, DepRelated, DepSuggested:
		return true
	}
	return false
}

// Dependency is a directed edge: TaskID depends on DependsOn.
type Dependency struct {
	TaskID    string
	DependsOn string
	Type      DependencyType
	CreatedAt time.Time
}

// QualityMetric is one point in the per-task quality time series.
// Scores are clamped to [0, 1] at write time.
type QualityMetric struct {
	Timestamp time.Time
	TaskID    string
	Dimension string
	Score     float64
	Details   string
}

// PhaseLease is a time-bounded exclusive claim on a (task, phase) pair.
// A lease is valid iff now < ExpiresAt; expired rows are treated as absent
// by every read path rather than swept by a background job.
type PhaseLease struct {
	TaskID       string
	Phase        Phase
	LeaseID      string
	AgentID      string
	AcquiredAt   time.Time
	ExpiresAt    time.Time
	RenewedCount int
}

// LeaseGrant is the result of an acquisition attempt. On conflict the grant
// carries the current holder and its remaining time instead of an error so
// the caller can wait, pick other work, or fail fast.
type LeaseGrant struct {
	Acquired  bool
	Lease     *PhaseLease   // Set when Acquired
	Holder    string        // Set when not Acquired
	Remaining time.Duration // Time until the conflicting lease expires
}

// RoadmapHealth is the cached read-side aggregate over the whole backlog.
type RoadmapHealth struct {
	Total          int
	StatusCounts   map[Status]int
	CompletionRate float64 // done / total, 0 when the backlog is empty
	QualityAverage float64 // Rolling average over recent quality metrics
	QualitySamples int     // Number of metrics behind QualityAverage
	ComputedAt     time.Time
}

// QueueMetrics is the scheduler and lease snapshot served to dashboards.
type QueueMetrics struct {
	ReviewDepth   int // requires_review lane
	FollowUpDepth int // requires_follow_up lane
	ReadyDepth    int // dependencies_cleared lane
	Assigned      int // Tasks handed to agents and not yet returned
	AssignedHeavy int // Assigned tasks at or above the heavy threshold
	HeavyCap      int
	HeldLeases    int      // Unexpired leases
	OpenBreakers  []string // Providers currently excluded by circuit state
	SnapshotAt    time.Time
}
