// Package roadmap imports a declarative YAML task list into the store
// through the command surface. Sync is a diff: tasks missing from the store
// are created, pinned statuses are applied when the edge is legal, and
// dependencies are ensured. Correlation ids derive from the file content
// hash, so replaying the same file is free.
package roadmap

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"gopkg.in/yaml.v3"

	"github.com/aristath/conductor/internal/task"
)

// Document is the roadmap file schema.
type Document struct {
	Version int        `yaml:"version"`
	Tasks   []TaskSpec `yaml:"tasks"`
}

// TaskSpec declares one task. Complexity defaults to 1, type to "task".
// Status, when set, pins the desired lifecycle state; the importer applies
// it only when the transition table allows the move.
type TaskSpec struct {
	ID          string            `yaml:"id"`
	Title       string            `yaml:"title"`
	Description string            `yaml:"description"`
	Type        string            `yaml:"type"`
	Complexity  int               `yaml:"complexity"`
	Status      string            `yaml:"status"`
	Metadata    map[string]string `yaml:"metadata"`
	DependsOn   []DependencySpec  `yaml:"depends_on"`
}

// DependencySpec declares one edge. The YAML form is either a bare task id
// (a blocking dependency) or a mapping with id and type.
type DependencySpec struct {
	ID   string `yaml:"id"`
	Type string `yaml:"type"`
}

// UnmarshalYAML accepts both the scalar and the mapping form.
func (d *DependencySpec) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind == yaml.ScalarNode {
		d.ID = value.Value
		return nil
	}
	type plain DependencySpec
	var p plain
	if err := value.Decode(&p); err != nil {
		return err
	}
	*d = DependencySpec(p)
	return nil
}

// Parse decodes and validates a roadmap document. Unknown fields are
// rejected so a typo in the file fails loudly instead of silently dropping
// a setting.
func Parse(data []byte) (*Document, error) {
	var doc Document
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil {
		if errors.Is(err, io.EOF) {
			return &Document{Version: 1}, nil
		}
		return nil, fmt.Errorf("failed to parse roadmap: %w", err)
	}

	if doc.Version == 0 {
		doc.Version = 1
	}
	if doc.Version != 1 {
		return nil, fmt.Errorf("unsupported roadmap version %d", doc.Version)
	}

	seen := make(map[string]struct{}, len(doc.Tasks))
	for idx := range doc.Tasks {
		spec := &doc.Tasks[idx]
		if spec.ID == "" {
			return nil, fmt.Errorf("roadmap task #%d has no id", idx+1)
		}
		if spec.Title == "" {
			return nil, fmt.Errorf("roadmap task %q has no title", spec.ID)
		}
		if _, dup := seen[spec.ID]; dup {
			return nil, fmt.Errorf("roadmap task %q declared twice", spec.ID)
		}
		seen[spec.ID] = struct{}{}

		if spec.Type == "" {
			spec.Type = string(task.TypeTask)
		}
		if !task.ValidType(task.Type(spec.Type)) {
			return nil, fmt.Errorf("roadmap task %q has invalid type %q", spec.ID, spec.Type)
		}
		if spec.Complexity == 0 {
			spec.Complexity = 1
		}
		if spec.Complexity < 1 || spec.Complexity > 10 {
			return nil, fmt.Errorf("roadmap task %q complexity %d out of range 1-10", spec.ID, spec.Complexity)
		}
		if spec.Status != "" && !task.ValidStatus(task.Status(spec.Status)) {
			return nil, fmt.Errorf("roadmap task %q has invalid status %q", spec.ID, spec.Status)
		}

		for di := range spec.DependsOn {
			dep := &spec.DependsOn[di]
			if dep.ID == "" {
				return nil, fmt.Errorf("roadmap task %q has a dependency with no id", spec.ID)
			}
			if dep.Type == "" {
				dep.Type = string(task.DepBlocks)
			}
			if !task.ValidDependencyType(task.DependencyType(dep.Type)) {
				return nil, fmt.Errorf("roadmap task %q dependency %q has invalid type %q", spec.ID, dep.ID, dep.Type)
			}
		}
	}
	return &doc, nil
}
