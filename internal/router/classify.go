package router

import (
	"strings"

	"github.com/aristath/conductor/internal/task"
)

// Capability tags understood by the catalog.
const (
	TagCognitive      = "cognitive"
	TagImplementation = "implementation"
	TagRemediation    = "remediation"
	TagLongContext    = "long-context"
	TagHighReasoning  = "high-reasoning"
)

// Classification stages, recorded in the decision justification.
const (
	classExplicit = "explicit_metadata"
	classPhase    = "phase_mapping"
	classTitle    = "title_heuristic"
	classDefault  = "default"
)

// MetaWorkType overrides the inferred work type; MetaModelTags replaces tag
// resolution entirely with a comma-separated tag list.
const (
	MetaWorkType  = "work_type"
	MetaModelTags = "model_tags"
)

// workTypes are the values accepted in the work_type metadata key.
var workTypes = map[string]bool{
	TagCognitive:      true,
	TagImplementation: true,
	TagRemediation:    true,
}

// phaseWorkTypes maps the phases whose work type does not depend on the
// task. IMPLEMENT and later phases inherit the nature of the task itself
// and fall through to the title heuristic.
var phaseWorkTypes = map[task.Phase]string{
	task.PhaseStrategize: TagCognitive,
	task.PhaseSpec:       TagCognitive,
	task.PhasePlan:       TagCognitive,
	task.PhaseThink:      TagCognitive,
	task.PhaseGate:       TagCognitive,
	task.PhaseReview:     TagCognitive,
}

// remediationWords mark a task as fixing something rather than building it.
var remediationWords = []string{"fix", "bug", "regression", "repair", "hotfix", "revert", "broken", "crash"}

// cognitiveWords mark analysis work.
var cognitiveWords = []string{"design", "research", "investigate", "spike", "evaluate"}

// classifyWorkType derives the work-type tag for a task in a phase. The
// fallback order is fixed: explicit work_type metadata, then the phase
// mapping, then the title heuristic, then implementation.
func classifyWorkType(t *task.Task, phase task.Phase) (tag, stage string) {
	if t != nil {
		if wt := strings.ToLower(strings.TrimSpace(t.Metadata[MetaWorkType])); workTypes[wt] {
			return wt, classExplicit
		}
	}
	if tag, ok := phaseWorkTypes[phase]; ok {
		return tag, classPhase
	}
	if t != nil {
		title := strings.ToLower(t.Title)
		if t.Type == task.TypeBug || containsAny(title, remediationWords) {
			return TagRemediation, classTitle
		}
		if containsAny(title, cognitiveWords) {
			return TagCognitive, classTitle
		}
	}
	return TagImplementation, classDefault
}

// explicitTags returns the tags pinned in task metadata, if any.
func explicitTags(t *task.Task) []string {
	if t == nil {
		return nil
	}
	raw := t.Metadata[MetaModelTags]
	if raw == "" {
		return nil
	}
	var tags []string
	for _, part := range strings.Split(raw, ",") {
		if tag := strings.TrimSpace(part); tag != "" {
			tags = append(tags, tag)
		}
	}
	return tags
}

func containsAny(s string, words []string) bool {
	for _, w := range words {
		if strings.Contains(s, w) {
			return true
		}
	}
	return false
}
