package roadmap

import (
	"strings"
	"testing"
)

func TestParseScalarAndMappingDependencies(t *testing.T) {
	doc, err := Parse([]byte(`
version: 1
tasks:
  - id: task-db
    title: Provision database
    complexity: 2
  - id: task-auth
    title: Add authentication
    type: story
    complexity: 5
    depends_on:
      - task-db
      - id: task-vpc
        type: related
  - id: task-vpc
    title: Network layout
`))
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if len(doc.Tasks) != 3 {
		t.Fatalf("parsed %d tasks, want 3", len(doc.Tasks))
	}

	deps := doc.Tasks[1].DependsOn
	if len(deps) != 2 {
		t.Fatalf("parsed %d dependencies, want 2", len(deps))
	}
	if deps[0].ID != "task-db" || deps[0].Type != "blocks" {
		t.Fatalf("scalar dependency = %+v, want task-db/blocks", deps[0])
	}
	if deps[1].ID != "task-vpc" || deps[1].Type != "related" {
		t.Fatalf("mapping dependency = %+v, want task-vpc/related", deps[1])
	}
}

func TestParseDefaults(t *testing.T) {
	doc, err := Parse([]byte(`
tasks:
  - id: task-1
    title: Something small
`))
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if doc.Version != 1 {
		t.Fatalf("version = %d, want 1", doc.Version)
	}
	spec := doc.Tasks[0]
	if spec.Type != "task" {
		t.Fatalf("type = %q, want task", spec.Type)
	}
	if spec.Complexity != 1 {
		t.Fatalf("complexity = %d, want 1", spec.Complexity)
	}
}

func TestParseEmptyFile(t *testing.T) {
	doc, err := Parse(nil)
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if len(doc.Tasks) != 0 {
		t.Fatalf("empty file parsed %d tasks", len(doc.Tasks))
	}
}

func TestParseRejects(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{
			name: "unknown field",
			in:   "tasks:\n  - id: a\n    titel: typo\n",
			want: "not found",
		},
		{
			name: "duplicate id",
			in:   "tasks:\n  - id: a\n    title: one\n  - id: a\n    title: two\n",
			want: "declared twice",
		},
		{
			name: "missing title",
			in:   "tasks:\n  - id: a\n",
			want: "no title",
		},
		{
			name: "bad version",
			in:   "version: 2\ntasks: []\n",
			want: "unsupported roadmap version",
		},
		{
			name: "bad complexity",
			in:   "tasks:\n  - id: a\n    title: t\n    complexity: 11\n",
			want: "out of range",
		},
		{
			name: "bad status",
			in:   "tasks:\n  - id: a\n    title: t\n    status: paused\n",
			want: "invalid status",
		},
		{
			name: "bad dependency type",
			in:   "tasks:\n  - id: a\n    title: t\n    depends_on:\n      - id: b\n        type: wants\n",
			want: "invalid type",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.in))
			if err == nil {
				t.Fatalf("parse accepted %q", tt.in)
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("error %q does not mention %q", err, tt.want)
			}
		})
	}
}
