package workflow

import (
	"fmt"
	"strings"
)

// Evidence is what an agent submits with a phase-boundary request. Which
// fields matter depends on the boundary: leaving GATE needs a design
// reference when the change spans files, leaving VERIFY needs coverage and
// gate results plus the test and deferral detail the gaming checks read.
// The json tags are the wire form agents print in their report line.
type Evidence struct {
	Summary       string       `json:"summary,omitempty"`
	FilesChanged  int          `json:"files_changed,omitempty"`
	DesignRef     string       `json:"design_ref,omitempty"` // design artifact produced during GATE
	CoverageDelta *float64     `json:"coverage_delta,omitempty"` // coverage percentage-point change
	GateResults   []GateResult `json:"gate_results,omitempty"` // verification gates run during VERIFY
	Tests         []TestReport `json:"tests,omitempty"`
	Deferrals     []Deferral   `json:"deferrals,omitempty"`
}

// GateResult is one verification gate outcome (tests, lint, typecheck,
// build) as reported by the gate runner.
type GateResult struct {
	Name   string `json:"name"`
	Passed bool   `json:"passed"`
	Output string `json:"output,omitempty"`
}

// TestReport describes one test the agent added or touched, in enough
// detail for the gaming checks.
type TestReport struct {
	Name        string `json:"name"`
	Assertions  int    `json:"assertions"`
	Integration bool   `json:"integration"`
	MockedDeps  int    `json:"mocked_deps"`
	RealDeps    int    `json:"real_deps"`
}

// Deferral is work the agent chose to push out with its justification.
type Deferral struct {
	Item          string `json:"item"`
	Justification string `json:"justification"`
}

// Finding is one gaming signal in submitted evidence.
type Finding struct {
	Code   string
	Detail string
}

func (f Finding) String() string {
	return fmt.Sprintf("%s: %s", f.Code, f.Detail)
}

// Finding codes.
const (
	FindingZeroAssertion     = "zero_assertion_test"
	FindingMockedIntegration = "fully_mocked_integration_test"
	FindingWeakDeferral      = "weak_deferral_justification"
)

// weakPhrases flag a deferral justification regardless of its length.
var weakPhrases = []string{
	"later",
	"no time",
	"not needed",
	"not important",
	"skip for now",
	"will fix",
	"temporary",
	"tbd",
	"n/a",
}

// detectGaming runs every gaming heuristic over the evidence submitted at
// the VERIFY boundary and returns all findings.
func detectGaming(ev Evidence, minJustification int) []Finding {
	var findings []Finding

	for _, test := range ev.Tests {
		if test.Assertions == 0 {
			findings = append(findings, Finding{
				Code:   FindingZeroAssertion,
				Detail: fmt.Sprintf("test %q has no assertions", test.Name),
			})
		}
		if test.Integration && test.MockedDeps > 0 && test.RealDeps == 0 {
			findings = append(findings, Finding{
				Code:   FindingMockedIntegration,
				Detail: fmt.Sprintf("integration test %q mocks all %d dependencies", test.Name, test.MockedDeps),
			})
		}
	}

	for _, deferral := range ev.Deferrals {
		if reason := weakJustification(deferral.Justification, minJustification); reason != "" {
			findings = append(findings, Finding{
				Code:   FindingWeakDeferral,
				Detail: fmt.Sprintf("deferral %q: %s", deferral.Item, reason),
			})
		}
	}

	return findings
}

// weakJustification explains why a justification is weak, or returns ""
// when it holds up.
func weakJustification(justification string, minLen int) string {
	trimmed := strings.TrimSpace(justification)
	if len(trimmed) < minLen {
		return fmt.Sprintf("justification is %d characters, minimum is %d", len(trimmed), minLen)
	}
	lower := strings.ToLower(trimmed)
	for _, phrase := range weakPhrases {
		if strings.Contains(lower, phrase) {
			return fmt.Sprintf("justification leans on %q", phrase)
		}
	}
	return ""
}
