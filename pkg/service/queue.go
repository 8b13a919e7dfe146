package service

import (
	"sort"
	"time"

	"github.com/DockeryAI/BuildRunner3-sub001/pkg/models"
	"github.com/pkg/errors"
)

// allowedTransitions is the single source of truth for task status changes.
// BLOCKED is reachable from any non-terminal state via the cascade path.
var allowedTransitions = map[models.TaskStatus][]models.TaskStatus{
	models.PendingTaskStatus:    {models.ReadyTaskStatus, models.BlockedTaskStatus},
	models.ReadyTaskStatus:      {models.InProgressTaskStatus, models.BlockedTaskStatus},
	models.InProgressTaskStatus: {models.CompletedTaskStatus, models.FailedTaskStatus, models.BlockedTaskStatus},
	models.FailedTaskStatus:     {models.ReadyTaskStatus, models.BlockedTaskStatus},
	models.BlockedTaskStatus:    {models.ReadyTaskStatus}, // explicit operator unblock
}

// TaskQueue is the in-memory authoritative record of a session's tasks.
// It carries no lock of its own: every access happens inside the owning
// session's critical section.
type TaskQueue struct {
	tasks map[string]*models.Task
}

func NewTaskQueue(tasks []models.Task) *TaskQueue {
	q := &TaskQueue{tasks: make(map[string]*models.Task, len(tasks))}
	for _, t := range tasks {
		c := t.Clone()
		q.tasks[t.ID] = &c
	}
	return q
}

func (q *TaskQueue) Len() int { return len(q.tasks) }

func (q *TaskQueue) Get(id string) (models.Task, bool) {
	t, ok := q.tasks[id]
	if !ok {
		return models.Task{}, false
	}
	return t.Clone(), true
}

// All returns clones of every task, sorted by ID for stable iteration.
func (q *TaskQueue) All() []models.Task {
	out := make([]models.Task, 0, len(q.tasks))
	for _, t := range q.tasks {
		out = append(out, t.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Transition applies one status change, rejecting anything outside the
// allowed table. A FAILED -> READY retry increments the retry counter and
// clears the worker assignment.
func (q *TaskQueue) Transition(id string, to models.TaskStatus, workerID string) (models.Task, error) {
	t, ok := q.tasks[id]
	if !ok {
		return models.Task{}, errors.Wrap(ErrUnknownTask, id)
	}
	if !transitionAllowed(t.Status, to) {
		return models.Task{}, &TransitionError{TaskID: id, From: t.Status, To: to}
	}
	if t.Status == models.FailedTaskStatus && to == models.ReadyTaskStatus {
		t.RetryCount++
	}
	t.Status = to
	t.UpdatedAt = time.Now()
	switch to {
	case models.InProgressTaskStatus:
		t.AssignedWorker = workerID
	case models.CompletedTaskStatus, models.FailedTaskStatus, models.ReadyTaskStatus, models.BlockedTaskStatus:
		t.AssignedWorker = ""
	}
	return t.Clone(), nil
}

// Requeue returns an in-flight task to READY without touching its retry
// counter. This is the reclamation path for dead workers: losing a worker
// is not a task failure.
func (q *TaskQueue) Requeue(id string) (models.Task, error) {
	t, ok := q.tasks[id]
	if !ok {
		return models.Task{}, errors.Wrap(ErrUnknownTask, id)
	}
	if t.Status != models.InProgressTaskStatus {
		return models.Task{}, &TransitionError{TaskID: id, From: t.Status, To: models.ReadyTaskStatus}
	}
	t.Status = models.ReadyTaskStatus
	t.AssignedWorker = ""
	t.UpdatedAt = time.Now()
	return t.Clone(), nil
}

// CascadeFailure marks every transitive dependent of a failed task BLOCKED
// and returns the tasks it changed. Already-terminal dependents are left
// alone.
func (q *TaskQueue) CascadeFailure(failedID string, g *models.Graph) []models.Task {
	var changed []models.Task
	for _, depID := range g.TransitiveDependents(failedID) {
		t, ok := q.tasks[depID]
		if !ok || t.Status.Settled() || t.Status == models.FailedTaskStatus {
			continue
		}
		t.Status = models.BlockedTaskStatus
		t.AssignedWorker = ""
		t.UpdatedAt = time.Now()
		changed = append(changed, t.Clone())
	}
	return changed
}

// CascadeRetry is the inverse of CascadeFailure: after a failed task is
// retried, every transitive dependent whose BLOCKED status stemmed solely
// from that failure returns to READY. Dependents still sitting behind a
// different FAILED task stay BLOCKED. Returns the tasks it changed.
func (q *TaskQueue) CascadeRetry(retriedID string, g *models.Graph) []models.Task {
	var changed []models.Task
	for _, depID := range g.TransitiveDependents(retriedID) {
		t, ok := q.tasks[depID]
		if !ok || t.Status != models.BlockedTaskStatus {
			continue
		}
		if q.failedUpstream(depID, g, make(map[string]struct{})) {
			continue
		}
		t.Status = models.ReadyTaskStatus
		t.UpdatedAt = time.Now()
		changed = append(changed, t.Clone())
	}
	return changed
}

func (q *TaskQueue) failedUpstream(id string, g *models.Graph, seen map[string]struct{}) bool {
	if _, ok := seen[id]; ok {
		return false
	}
	seen[id] = struct{}{}
	for _, dep := range g.Dependencies[id] {
		if t, ok := q.tasks[dep]; ok && t.Status == models.FailedTaskStatus {
			return true
		}
		if q.failedUpstream(dep, g, seen) {
			return true
		}
	}
	return false
}

// Restore overwrites entries with earlier snapshots. It compensates an
// in-memory mutation whose persistence failed, so the caller's error and
// the observable state agree.
func (q *TaskQueue) Restore(tasks ...models.Task) {
	for _, t := range tasks {
		c := t.Clone()
		q.tasks[t.ID] = &c
	}
}

// Snapshot returns a deep, independent copy of the queue for checkpointing.
func (q *TaskQueue) Snapshot() []models.Task {
	return q.All()
}

// Load replaces the queue contents wholesale, backing checkpoint rollback.
func (q *TaskQueue) Load(tasks []models.Task) {
	q.tasks = make(map[string]*models.Task, len(tasks))
	for _, t := range tasks {
		c := t.Clone()
		q.tasks[t.ID] = &c
	}
}

// CountByStatus tallies tasks per status for display.
func (q *TaskQueue) CountByStatus() map[models.TaskStatus]int {
	counts := make(map[models.TaskStatus]int)
	for _, t := range q.tasks {
		counts[t.Status]++
	}
	return counts
}

func transitionAllowed(from, to models.TaskStatus) bool {
	for _, allowed := range allowedTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

