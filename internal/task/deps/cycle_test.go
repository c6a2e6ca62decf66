package deps

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func graphLookup(g map[string][]string) Lookup {
	return func(ident string) [][]string {
		deps, ok := g[ident]
		if !ok {
			return nil
		}
		return [][]string{deps}
	}
}

func TestFindCycle(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name  string
		graph map[string][]string
		task  string
		deps  []string
		want  []string
	}{
		{name: "no deps", task: "a", want: nil},
		{name: "self", task: "a", deps: []string{"a"}, want: []string{"a", "a"}},
		{
			name:  "two node",
			graph: map[string][]string{"b": {"a"}},
			task:  "a", deps: []string{"b"},
			want: []string{"a", "b", "a"},
		},
		{
			name:  "three node",
			graph: map[string][]string{"b": {"c"}, "c": {"a"}},
			task:  "a", deps: []string{"b"},
			want: []string{"a", "b", "c", "a"},
		},
		{
			name:  "diamond is acyclic",
			graph: map[string][]string{"b": {"d"}, "c": {"d"}},
			task:  "a", deps: []string{"b", "c"},
			want: nil,
		},
		{
			name:  "unknown dependency",
			graph: map[string][]string{},
			task:  "a", deps: []string{"ghost"},
			want: nil,
		},
		{
			name:  "unrelated cycle ignored",
			graph: map[string][]string{"x": {"y"}, "y": {"x"}},
			task:  "a", deps: []string{"x"},
			want: nil,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := FindCycle(tt.task, tt.deps, graphLookup(tt.graph))
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Fatalf("FindCycle (-want +got):\n%s", diff)
			}
		})
	}
}
