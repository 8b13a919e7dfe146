package models

import "sort"

// Graph is a validated DAG over task IDs. Edge A -> B means B depends on A:
// B cannot start until A is completed. Levels are derived during
// construction and recomputed whenever the task set changes.
type Graph struct {
	// Dependencies maps a task to the tasks it depends on.
	Dependencies map[string][]string `json:"dependencies"`
	// Dependents is the reverse adjacency: tasks that depend on the key.
	Dependents map[string][]string `json:"dependents"`
	// Levels holds the execution level per task: 0 for dependency-free
	// tasks, else 1 + max level of its dependencies.
	Levels map[string]int `json:"levels"`
}

func NewGraph() *Graph {
	return &Graph{
		Dependencies: make(map[string][]string),
		Dependents:   make(map[string][]string),
		Levels:       make(map[string]int),
	}
}

// Level returns the execution level of a task, 0 for unknown IDs.
func (g *Graph) Level(id string) int {
	return g.Levels[id]
}

// TaskIDs returns all node IDs in sorted order.
func (g *Graph) TaskIDs() []string {
	ids := make([]string, 0, len(g.Levels))
	for id := range g.Levels {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// TransitiveDependents returns every task reachable from id through the
// dependents relation, i.e. everything that can no longer run if id fails.
func (g *Graph) TransitiveDependents(id string) []string {
	seen := make(map[string]struct{})
	var visit func(string)
	visit = func(curr string) {
		for _, dep := range g.Dependents[curr] {
			if _, ok := seen[dep]; ok {
				continue
			}
			seen[dep] = struct{}{}
			visit(dep)
		}
	}
	visit(id)
	out := make([]string, 0, len(seen))
	for d := range seen {
		out = append(out, d)
	}
	sort.Strings(out)
	return out
}

// Clone returns a deep copy so checkpoints never alias the live graph.
func (g *Graph) Clone() *Graph {
	c := NewGraph()
	for k, v := range g.Dependencies {
		c.Dependencies[k] = append([]string(nil), v...)
	}
	for k, v := range g.Dependents {
		c.Dependents[k] = append([]string(nil), v...)
	}
	for k, v := range g.Levels {
		c.Levels[k] = v
	}
	return c
}
