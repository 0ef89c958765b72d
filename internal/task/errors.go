package task

import "errors"

// Store and lease errors shared across packages so callers can branch with
// errors.Is at any layer.
var (
	// ErrDuplicateID: create of a task whose id already exists.
	ErrDuplicateID = errors.New("task id already exists")

	// ErrUnknownTask: the referenced task does not exist.
	ErrUnknownTask = errors.New("unknown task")

	// ErrInvalidTransition: the requested status edge is not in the table.
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrCycleDetected: the dependency would create a cycle in the blocks
	// subgraph.
	ErrCycleDetected = errors.New("dependency cycle detected")

	// ErrOrphanDependency: a dependency endpoint does not exist.
	ErrOrphanDependency = errors.New("dependency references unknown task")

	// ErrLeaseNotHeld: renew or release by a caller that does not hold the
	// unexpired lease. An expired lease counts as not held.
	ErrLeaseNotHeld = errors.New("lease not held by caller")

	// ErrMaxRenewals: the lease reached its renewal budget.
	ErrMaxRenewals = errors.New("lease renewal limit reached")
)
