package task

// Status is the lifecycle state of a task.
type Status string

const (
	StatusPending          Status = "pending"
	StatusInProgress       Status = "in_progress"
	StatusNeedsReview      Status = "needs_review"
	StatusNeedsImprovement Status = "needs_improvement"
	StatusDone             Status = "done"
	StatusBlocked          Status = "blocked"
)

// ValidStatus reports whether s is a known status.
func ValidStatus(s Status) bool {
	_, ok := statusTransitions[s]
	return ok
}

// statusTransitions is the authoritative edge table. A transition is legal
// iff the target appears in the source's set. Terminal rows are present with
// empty or reduced sets so ValidStatus can share the table.
var statusTransitions = map[Status]map[Status]struct{}{
	StatusPending: {
		StatusInProgress: {},
		StatusBlocked:    {},
	},
	StatusInProgress: {
		StatusNeedsReview:      {},
		StatusNeedsImprovement: {},
		StatusDone:             {},
		StatusBlocked:          {},
	},
	StatusNeedsReview: {
		StatusDone:             {},
		StatusNeedsImprovement: {},
		StatusInProgress:       {},
		StatusBlocked:          {},
	},
	StatusNeedsImprovement: {
		StatusInProgress: {},
		StatusBlocked:    {},
	},
	StatusBlocked: {
		StatusPending:    {},
		StatusInProgress: {},
	},
	StatusDone: {},
}

// CanTransition reports whether the from -> to edge is in the allowed table.
func CanTransition(from, to Status) bool {
	targets, ok := statusTransitions[from]
	if !ok {
		return false
	}
	_, ok = targets[to]
	return ok
}
