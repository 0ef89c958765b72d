package task

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAllPhasesOrder(t *testing.T) {
	phases := AllPhases()
	require.Len(t, phases, 10)
	assert.Equal(t, PhaseStrategize, phases[0])
	assert.Equal(t, PhaseMonitor, phases[9])
}

func TestNextPhase(t *testing.T) {
	tests := []struct {
		from Phase
		want Phase
	}{
		{PhaseStrategize, PhaseSpec},
		{PhaseSpec, PhasePlan},
		{PhasePlan, PhaseThink},
		{PhaseThink, PhaseGate},
		{PhaseGate, PhaseImplement},
		{PhaseImplement, PhaseVerify},
		{PhaseVerify, PhaseReview},
		{PhaseReview, PhasePR},
		{PhasePR, PhaseMonitor},
		{PhaseMonitor, ""},
		{Phase("BOGUS"), ""},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, NextPhase(tt.from), "next of %s", tt.from)
	}
}

// TestCanAdvanceExhaustive checks every ordered pair against the declared
// table: exactly the single forward step plus the two backtrack edges are
// legal, nothing else.
func TestCanAdvanceExhaustive(t *testing.T) {
	legal := map[[2]Phase]bool{
		{PhaseStrategize, PhaseSpec}:    true,
		{PhaseSpec, PhasePlan}:          true,
		{PhasePlan, PhaseThink}:         true,
		{PhaseThink, PhaseGate}:         true,
		{PhaseGate, PhaseImplement}:     true,
		{PhaseImplement, PhaseVerify}:   true,
		{PhaseVerify, PhaseReview}:      true,
		{PhaseReview, PhasePR}:          true,
		{PhasePR, PhaseMonitor}:         true,
		{PhaseVerify, PhaseImplement}:   true, // failed verification
		{PhaseReview, PhasePlan}:        true, // rejected review
	}

	for _, from := range AllPhases() {
		for _, to := range AllPhases() {
			want := legal[[2]Phase{from, to}]
			assert.Equal(t, want, CanAdvance(from, to), "%s -> %s", from, to)
		}
	}
}

func TestCanAdvanceRejectsSkips(t *testing.T) {
	assert.False(t, CanAdvance(PhaseStrategize, PhaseImplement))
	assert.False(t, CanAdvance(PhaseImplement, PhaseReview))
	assert.False(t, CanAdvance(PhaseMonitor, PhaseStrategize))
}

func TestBacktrackTarget(t *testing.T) {
	target, ok := BacktrackTarget(PhaseVerify)
	require.True(t, ok)
	assert.Equal(t, PhaseImplement, target)

	target, ok = BacktrackTarget(PhaseReview)
	require.True(t, ok)
	assert.Equal(t, PhasePlan, target)

	_, ok = BacktrackTarget(PhaseImplement)
	assert.False(t, ok)
}

func TestIsBacktrack(t *testing.T) {
	assert.True(t, IsBacktrack(PhaseVerify, PhaseImplement))
	assert.True(t, IsBacktrack(PhaseReview, PhasePlan))
	assert.False(t, IsBacktrack(PhaseImplement, PhaseVerify))
	assert.False(t, IsBacktrack(PhaseVerify, PhaseReview))
}
