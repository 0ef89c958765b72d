package task

// Phase is one stage of the fixed ten-stage work protocol every task walks.
type Phase string

const (
	PhaseStrategize Phase = "STRATEGIZE"
	PhaseSpec       Phase = "SPEC"
	PhasePlan       Phase = "PLAN"
	PhaseThink      Phase = "THINK"
	PhaseGate       Phase = "GATE"
	PhaseImplement  Phase = "IMPLEMENT"
	PhaseVerify     Phase = "VERIFY"
	PhaseReview     Phase = "REVIEW"
	PhasePR         Phase = "PR"
	PhaseMonitor    Phase = "MONITOR"
)

// phaseOrder lists phases in protocol order. Forward progress follows this
// slice; backtracks are the explicit edges in phaseBacktracks.
var phaseOrder = []Phase{
	PhaseStrategize,
	PhaseSpec,
	PhasePlan,
	PhaseThink,
	PhaseGate,
	PhaseImplement,
	PhaseVerify,
	PhaseReview,
	PhasePR,
	PhaseMonitor,
}

// phaseBacktracks maps a phase to its legal backtrack target: a rejected
// REVIEW returns to PLAN, a failed VERIFY returns to IMPLEMENT.
var phaseBacktracks = map[Phase]Phase{
	PhaseReview: PhasePlan,
	PhaseVerify: PhaseImplement,
}

// AllPhases returns the protocol phases in order.
func AllPhases() []Phase {
	out := make([]Phase, len(phaseOrder))
	copy(out, phaseOrder)
	return out
}

// ValidPhase reports whether p is a known phase.
func ValidPhase(p Phase) bool {
	return phaseIndex(p) >= 0
}

// NextPhase returns the forward successor of p, or "" when p is the last
// phase or unknown.
func NextPhase(p Phase) Phase {
	i := phaseIndex(p)
	if i < 0 || i == len(phaseOrder)-1 {
		return ""
	}
	return phaseOrder[i+1]
}

// BacktrackTarget returns the backtrack destination for p and whether one
// exists. Only VERIFY and REVIEW may move backward.
func BacktrackTarget(p Phase) (Phase, bool) {
	target, ok := phaseBacktracks[p]
	return target, ok
}

// CanAdvance reports whether from -> to is a legal phase transition, either
// the single forward step or a declared backtrack edge.
func CanAdvance(from, to Phase) bool {
	if NextPhase(from) == to {
		return true
	}
	return phaseBacktracks[from] == to
}

// IsBacktrack reports whether from -> to is a declared backtrack edge.
func IsBacktrack(from, to Phase) bool {
	return phaseBacktracks[from] == to
}

func phaseIndex(p Phase) int {
	for i, candidate := range phaseOrder {
		if candidate == p {
			return i
		}
	}
	return -1
}
