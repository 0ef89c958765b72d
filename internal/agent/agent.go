// Package agent is the boundary to external agent processes. The core
// hands a runner an assignment and gets a result back; how a concrete
// agent CLI is driven stays behind the Runner interface.
package agent

import (
	"context"

	"github.com/aristath/conductor/internal/router"
	"github.com/aristath/conductor/internal/task"
)

// Assignment is one unit of work handed to an agent: a task, the phase to
// run it in, and the routing decision made for it.
type Assignment struct {
	Task      *task.Task
	Phase     task.Phase
	AgentID   string
	LeaseID   string
	Selection *router.Decision
}

// Failure types a runner can report directly. The resilience layer derives
// the class from status codes and output text when the runner reports
// nothing.
const (
	FailureRateLimit       = "rate_limit"
	FailureNetwork         = "network"
	FailureContextOverflow = "context_overflow"
)

// Result is what a run produced. Output carries stdout plus any stderr and
// process error text so failures stay classifiable after the fact.
type Result struct {
	Success         bool
	Output          string
	DurationSeconds float64
	FailureType     string // one of the Failure constants, or empty
	StatusCode      int    // provider HTTP status when known
	Evidence        []byte // raw evidence JSON from the report line, if any
}

// Runner executes assignments. Run returns an error only when the process
// could not be executed at all; a run that happened and failed is a Result
// with Success false.
type Runner interface {
	Run(ctx context.Context, a Assignment) (*Result, error)
}
