// Package graph builds validated dependency DAGs over tasks and computes
// execution levels via Kahn's algorithm.
package graph

import (
	"fmt"
	"sort"
	"strings"

	"github.com/DockeryAI/BuildRunner3-sub001/pkg/models"
)

// ValidationError reports structural problems in the input task set:
// duplicate IDs, self-dependencies and dangling dependency references.
// The whole input is rejected; no partial graph is built.
type ValidationError struct {
	Issues []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid task set: %s", strings.Join(e.Issues, "; "))
}

// CyclicDependencyError names every task participating in a dependency cycle.
type CyclicDependencyError struct {
	Members []string
}

func (e *CyclicDependencyError) Error() string {
	return fmt.Sprintf("cyclic dependency among tasks: %s", strings.Join(e.Members, ", "))
}

// Build validates the task set and constructs a DAG with execution levels.
// It is a pure function: on any error the caller's prior graph is untouched.
func Build(tasks []models.Task) (*models.Graph, error) {
	if err := validate(tasks); err != nil {
		return nil, err
	}

	g := models.NewGraph()
	inDegree := make(map[string]int, len(tasks))
	for _, t := range tasks {
		deps := append([]string(nil), t.Dependencies...)
		sort.Strings(deps)
		g.Dependencies[t.ID] = deps
		inDegree[t.ID] = len(deps)
		for _, dep := range deps {
			g.Dependents[dep] = append(g.Dependents[dep], t.ID)
		}
	}
	for _, dependents := range g.Dependents {
		sort.Strings(dependents)
	}

	// Kahn's algorithm. Levels propagate along the dependents relation:
	// a task's level is fixed once all of its dependencies are consumed.
	var queue []string
	for _, t := range tasks {
		if inDegree[t.ID] == 0 {
			queue = append(queue, t.ID)
			g.Levels[t.ID] = 0
		}
	}
	sort.Strings(queue)

	processed := 0
	for len(queue) > 0 {
		curr := queue[0]
		queue = queue[1:]
		processed++
		for _, dep := range g.Dependents[curr] {
			if lvl := g.Levels[curr] + 1; lvl > g.Levels[dep] {
				g.Levels[dep] = lvl
			}
			inDegree[dep]--
			if inDegree[dep] == 0 {
				queue = append(queue, dep)
			}
		}
	}

	if processed != len(tasks) {
		// Every node Kahn could not consume sits on or behind a cycle;
		// restrict the report to nodes actually inside one.
		var stuck []string
		for id, deg := range inDegree {
			if deg > 0 {
				stuck = append(stuck, id)
			}
		}
		return nil, &CyclicDependencyError{Members: cycleMembers(g, stuck)}
	}
	return g, nil
}

func validate(tasks []models.Task) error {
	var issues []string
	ids := make(map[string]struct{}, len(tasks))
	for _, t := range tasks {
		if t.ID == "" {
			issues = append(issues, "task with empty id")
			continue
		}
		if _, dup := ids[t.ID]; dup {
			issues = append(issues, fmt.Sprintf("duplicate task id %q", t.ID))
		}
		ids[t.ID] = struct{}{}
	}
	for _, t := range tasks {
		for _, dep := range t.Dependencies {
			if dep == t.ID {
				issues = append(issues, fmt.Sprintf("task %q depends on itself", t.ID))
				continue
			}
			if _, ok := ids[dep]; !ok {
				issues = append(issues, fmt.Sprintf("task %q depends on unknown task %q", t.ID, dep))
			}
		}
	}
	if len(issues) > 0 {
		sort.Strings(issues)
		return &ValidationError{Issues: issues}
	}
	return nil
}

// cycleMembers narrows the unconsumed node set to tasks that can reach
// themselves, i.e. true cycle participants rather than their downstream.
func cycleMembers(g *models.Graph, stuck []string) []string {
	stuckSet := make(map[string]struct{}, len(stuck))
	for _, id := range stuck {
		stuckSet[id] = struct{}{}
	}
	var members []string
	for _, id := range stuck {
		if reaches(g, id, id, stuckSet, make(map[string]struct{})) {
			members = append(members, id)
		}
	}
	sort.Strings(members)
	if len(members) == 0 {
		// Should not happen, but never report an empty cycle.
		sort.Strings(stuck)
		return stuck
	}
	return members
}

func reaches(g *models.Graph, from, target string, within, seen map[string]struct{}) bool {
	for _, next := range g.Dependents[from] {
		if _, ok := within[next]; !ok {
			continue
		}
		if next == target {
			return true
		}
		if _, visited := seen[next]; visited {
			continue
		}
		seen[next] = struct{}{}
		if reaches(g, next, target, within, seen) {
			return true
		}
	}
	return false
}
