// Package scheduler selects the next executable batch of tasks: dependency
// satisfied, conflict free on file targets, ordered for determinism.
package scheduler

import (
	"fmt"
	"sort"
	"strings"

	"github.com/DockeryAI/BuildRunner3-sub001/pkg/models"
)

// UnreachableTasksError is the terminal condition: every remaining task is
// transitively blocked behind a failed dependency and nothing can become
// ready without external intervention.
type UnreachableTasksError struct {
	TaskIDs []string
}

func (e *UnreachableTasksError) Error() string {
	return fmt.Sprintf("no runnable path for tasks: %s", strings.Join(e.TaskIDs, ", "))
}

// NextBatch greedily fills a batch from the ready set.
//
// A task is ready iff its status is PENDING or READY and every declared
// dependency is COMPLETED. Execution levels order candidates but never gate
// them: a later-level task whose own dependencies are all complete is
// eligible. Candidates are ordered by ascending level, then descending
// priority, then task ID for a stable result. A candidate is skipped, not
// blocked, when its file targets collide with the batch under construction
// or with lockedTargets (paths claimed by other workers' in-flight tasks).
//
// An empty batch with incomplete tasks remaining means "wait"; run
// CheckUnreachable separately to distinguish waiting from deadlock.
func NextBatch(tasks []models.Task, g *models.Graph, maxSize int, lockedTargets map[string]bool) models.Batch {
	var batch models.Batch
	if maxSize <= 0 {
		return batch
	}

	byID := make(map[string]models.Task, len(tasks))
	for _, t := range tasks {
		byID[t.ID] = t
		if t.SessionID != "" {
			batch.SessionID = t.SessionID
		}
	}

	var ready []models.Task
	for _, t := range tasks {
		if isReady(t, byID) {
			ready = append(ready, t)
		}
	}
	sort.Slice(ready, func(i, j int) bool {
		li, lj := g.Level(ready[i].ID), g.Level(ready[j].ID)
		if li != lj {
			return li < lj
		}
		if ready[i].Priority != ready[j].Priority {
			return ready[i].Priority > ready[j].Priority
		}
		return ready[i].ID < ready[j].ID
	})

	claimed := make(map[string]bool, len(lockedTargets))
	for p := range lockedTargets {
		claimed[p] = true
	}
	for _, t := range ready {
		if len(batch.Tasks) >= maxSize {
			break
		}
		if conflicts(t, claimed) {
			continue // stays ready for a later batch
		}
		for _, p := range t.FileTargets {
			claimed[p] = true
		}
		batch.Tasks = append(batch.Tasks, models.BatchTask{
			ID:          t.ID,
			Title:       t.Title,
			Description: t.Description,
			Priority:    t.Priority,
			Level:       g.Level(t.ID),
			FileTargets: append([]string(nil), t.FileTargets...),
		})
	}
	return batch
}

// CheckUnreachable returns an error when no task is ready, incomplete tasks
// remain and every one of them sits behind a FAILED or BLOCKED dependency.
// It returns nil while any task is ready, in progress, or merely waiting on
// healthy upstream work.
func CheckUnreachable(tasks []models.Task, g *models.Graph) error {
	byID := make(map[string]models.Task, len(tasks))
	for _, t := range tasks {
		byID[t.ID] = t
	}

	var remainder []models.Task
	for _, t := range tasks {
		switch t.Status {
		case models.CompletedTaskStatus:
		case models.InProgressTaskStatus:
			return nil // work in flight can still unblock the rest
		default:
			if isReady(t, byID) {
				return nil
			}
			remainder = append(remainder, t)
		}
	}
	if len(remainder) == 0 {
		return nil
	}

	var unreachable []string
	for _, t := range remainder {
		if deadUpstream(t.ID, byID, g, make(map[string]struct{})) {
			unreachable = append(unreachable, t.ID)
		}
	}
	if len(unreachable) == 0 {
		return nil
	}
	sort.Strings(unreachable)
	return &UnreachableTasksError{TaskIDs: unreachable}
}

func isReady(t models.Task, byID map[string]models.Task) bool {
	if t.Status != models.PendingTaskStatus && t.Status != models.ReadyTaskStatus {
		return false
	}
	for _, dep := range t.Dependencies {
		if byID[dep].Status != models.CompletedTaskStatus {
			return false
		}
	}
	return true
}

func conflicts(t models.Task, claimed map[string]bool) bool {
	for _, p := range t.FileTargets {
		if claimed[p] {
			return true
		}
	}
	return false
}

// deadUpstream reports whether the task transitively depends on a FAILED
// task, making it permanently unreachable absent a retry or rollback.
func deadUpstream(id string, byID map[string]models.Task, g *models.Graph, seen map[string]struct{}) bool {
	if _, ok := seen[id]; ok {
		return false
	}
	seen[id] = struct{}{}
	for _, dep := range g.Dependencies[id] {
		depTask := byID[dep]
		if depTask.Status == models.FailedTaskStatus {
			return true
		}
		if depTask.Status != models.CompletedTaskStatus && deadUpstream(dep, byID, g, seen) {
			return true
		}
	}
	return false
}
