// Package metrics exports the Prometheus view of the orchestration core:
// scheduler lane depths, lease and breaker state, roadmap health, and
// counters fed from the event stream.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/aristath/conductor/internal/task"
)

var (
	// QueueDepth tracks tasks per scheduler lane.
	// Labels: lane (review, followup, ready)
	QueueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "conductor",
			Subsystem: "scheduler",
			Name:      "queue_depth",
			Help:      "Tasks waiting in each scheduler lane",
		},
		[]string{"lane"},
	)

	// TasksAssigned tracks tasks currently handed to agents.
	TasksAssigned = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "conductor",
			Subsystem: "scheduler",
			Name:      "tasks_assigned",
			Help:      "Tasks currently assigned to agents",
		},
	)

	// HeavyAssigned tracks assigned tasks above the heavy threshold.
	HeavyAssigned = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "conductor",
			Subsystem: "scheduler",
			Name:      "tasks_assigned_heavy",
			Help:      "Heavy tasks currently assigned to agents",
		},
	)

	// LeasesHeld tracks live phase leases.
	LeasesHeld = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "conductor",
			Subsystem: "leases",
			Name:      "held",
			Help:      "Unexpired phase leases",
		},
	)

	// BreakersOpen tracks providers currently refused by the router.
	BreakersOpen = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "conductor",
			Subsystem: "router",
			Name:      "breakers_open",
			Help:      "Providers with an open circuit breaker",
		},
	)

	// RoadmapTasks tracks tasks by lifecycle status.
	RoadmapTasks = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "conductor",
			Subsystem: "roadmap",
			Name:      "tasks",
			Help:      "Tasks by lifecycle status",
		},
		[]string{"status"},
	)

	// CompletionRate is the done fraction of the roadmap.
	CompletionRate = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "conductor",
			Subsystem: "roadmap",
			Name:      "completion_rate",
			Help:      "Fraction of roadmap tasks done",
		},
	)

	// QualityAverage is the mean recorded quality score.
	QualityAverage = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "conductor",
			Subsystem: "roadmap",
			Name:      "quality_average",
			Help:      "Mean quality score across recorded metrics",
		},
	)

	// EventsTotal counts audit events by type.
	EventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "conductor",
			Subsystem: "events",
			Name:      "total",
			Help:      "Audit events by type",
		},
		[]string{"type"},
	)

	// ModelSelections counts routing decisions by model and provider.
	ModelSelections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "conductor",
			Subsystem: "router",
			Name:      "model_selections_total",
			Help:      "Routing decisions by model and provider",
		},
		[]string{"model", "provider"},
	)

	// ProviderFailures counts reported provider failures.
	ProviderFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "conductor",
			Subsystem: "router",
			Name:      "provider_failures_total",
			Help:      "Reported provider failures",
		},
		[]string{"provider"},
	)

	// GamingDetections counts evidence submissions that tripped a heuristic.
	GamingDetections = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "conductor",
			Subsystem: "workflow",
			Name:      "gaming_detections_total",
			Help:      "Evidence submissions flagged by the gaming heuristics",
		},
	)

	// LeaseConflicts counts refused lease acquisitions.
	LeaseConflicts = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "conductor",
			Subsystem: "leases",
			Name:      "conflicts_total",
			Help:      "Lease acquisitions refused because another agent holds the phase",
		},
	)

	// TasksBlocked counts tasks parked after exhausting their retry budget.
	TasksBlocked = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "conductor",
			Subsystem: "tasks",
			Name:      "blocked_total",
			Help:      "Tasks blocked after exhausting their retry budget",
		},
	)
)

// UpdateQueueMetrics refreshes the scheduler gauges from one snapshot.
func UpdateQueueMetrics(m task.QueueMetrics) {
	QueueDepth.WithLabelValues("review").Set(float64(m.ReviewDepth))
	QueueDepth.WithLabelValues("followup").Set(float64(m.FollowUpDepth))
	QueueDepth.WithLabelValues("ready").Set(float64(m.ReadyDepth))
	TasksAssigned.Set(float64(m.Assigned))
	HeavyAssigned.Set(float64(m.AssignedHeavy))
	LeasesHeld.Set(float64(m.HeldLeases))
	BreakersOpen.Set(float64(len(m.OpenBreakers)))
}

// UpdateRoadmapHealth refreshes the roadmap gauges from one aggregate.
func UpdateRoadmapHealth(h *task.RoadmapHealth) {
	if h == nil {
		return
	}
	CompletionRate.Set(h.CompletionRate)
	QualityAverage.Set(h.QualityAverage)
	for status, count := range h.StatusCounts {
		RoadmapTasks.WithLabelValues(string(status)).Set(float64(count))
	}
}

// CountEvent feeds one audit event into the counters.
func CountEvent(ev task.Event) {
	EventsTotal.WithLabelValues(string(ev.Type)).Inc()

	switch ev.Type {
	case task.EventModelSelected:
		ModelSelections.WithLabelValues(
			payloadString(ev.Payload, "model"),
			payloadString(ev.Payload, "provider"),
		).Inc()
	case task.EventProviderFailure:
		ProviderFailures.WithLabelValues(payloadString(ev.Payload, "provider")).Inc()
	case task.EventGamingDetected:
		GamingDetections.Inc()
	case task.EventLeaseConflict:
		LeaseConflicts.Inc()
	case task.EventTaskBlocked:
		TasksBlocked.Inc()
	}
}

func payloadString(p map[string]any, key string) string {
	if v, ok := p[key].(string); ok && v != "" {
		return v
	}
	return "unknown"
}
