package workflow

import (
	"context"
	"os/exec"
	"time"

	"github.com/aristath/conductor/internal/config"
)

// gateOutputLimit caps captured gate output so one noisy check cannot
// bloat the evidence payload.
const gateOutputLimit = 4096

// Gate is one verification check run on the host at the VERIFY phase.
type Gate interface {
	Name() string
	Run(ctx context.Context) GateResult
}

// CommandGate adapts a command to the Gate interface: exit code zero
// passes, anything else fails, combined output is the result text.
type CommandGate struct {
	name    string
	command string
	args    []string
	timeout time.Duration
}

// NewCommandGate builds a gate from one config entry.
func NewCommandGate(entry config.GateEntry) *CommandGate {
	return &CommandGate{
		name:    entry.Name,
		command: entry.Command,
		args:    entry.Args,
		timeout: entry.Timeout,
	}
}

// GatesFromConfig builds the configured gate set.
func GatesFromConfig(entries []config.GateEntry) []Gate {
	gates := make([]Gate, 0, len(entries))
	for _, entry := range entries {
		gates = append(gates, NewCommandGate(entry))
	}
	return gates
}

func (g *CommandGate) Name() string { return g.name }

// Run executes the gate command.
func (g *CommandGate) Run(ctx context.Context) GateResult {
	if g.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, g.command, g.args...)
	out, err := cmd.CombinedOutput()

	output := string(out)
	if err != nil && output == "" {
		output = err.Error()
	}
	if len(output) > gateOutputLimit {
		output = output[:gateOutputLimit]
	}
	return GateResult{
		Name:   g.name,
		Passed: err == nil,
		Output: output,
	}
}

// RunGates executes every gate in order. A failing gate does not stop the
// rest; the collected results show each broken check.
func RunGates(ctx context.Context, gates []Gate) []GateResult {
	results := make([]GateResult, 0, len(gates))
	for _, g := range gates {
		results = append(results, g.Run(ctx))
	}
	return results
}
