package events

import (
	"github.com/aristath/conductor/internal/task"
)

// Topic constants. Every audit event maps onto exactly one topic so
// consumers can subscribe to the slice of the system they care about.
const (
	TopicTask     = "task"
	TopicWorkflow = "workflow"
	TopicLease    = "lease"
	TopicRouter   = "router"
)

// Topic returns the bus topic for an event type.
func Topic(eventType task.EventType) string {
	switch eventType {
	case task.EventPhaseAdvanced, task.EventPhaseRejected,
		task.EventVerificationFailed, task.EventGamingDetected:
		return TopicWorkflow
	case task.EventLeaseAcquired, task.EventLeaseConflict,
		task.EventLeaseRenewed, task.EventLeaseReleased:
		return TopicLease
	case task.EventModelSelected, task.EventProviderFailure:
		return TopicRouter
	default:
		return TopicTask
	}
}
