package task

import "time"

// EventType names a kind of audit record.
type EventType string

// Event type constants. The event log is the sole audit trail; every
// transition attempt, lease operation, routing decision, and resilience
// action lands here.
const (
	EventTaskCreated        EventType = "task_created"
	EventStatusChanged      EventType = "status_changed"
	EventDependencyAdded    EventType = "dependency_added"
	EventPhaseAdvanced      EventType = "phase_advanced"
	EventPhaseRejected      EventType = "phase_rejected"
	EventVerificationFailed EventType = "verification_failed"
	EventGamingDetected     EventType = "gaming_detected"
	EventLeaseAcquired      EventType = "lease_acquired"
	EventLeaseConflict      EventType = "lease_conflict"
	EventLeaseRenewed       EventType = "lease_renewed"
	EventLeaseReleased      EventType = "lease_released"
	EventModelSelected      EventType = "model_selected"
	EventProviderFailure    EventType = "provider_failure"
	EventTaskReassigned     EventType = "task_reassigned"
	EventTaskBlocked        EventType = "task_blocked"
	EventQualityRecorded    EventType = "quality_recorded"
	EventRoadmapSynced      EventType = "roadmap_synced"
)

// Event is one immutable row in the append-only audit log.
type Event struct {
	ID            int64
	Timestamp     time.Time
	Type          EventType
	TaskID        string         // Empty for system-wide events
	AgentID       string         // Empty when no agent is involved
	Payload       map[string]any // Serialized as JSON at rest
	CorrelationID string
}
