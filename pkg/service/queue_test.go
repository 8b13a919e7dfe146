package service_test

import (
	"testing"

	"github.com/DockeryAI/BuildRunner3-sub001/pkg/graph"
	"github.com/DockeryAI/BuildRunner3-sub001/pkg/models"
	"github.com/DockeryAI/BuildRunner3-sub001/pkg/service"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newQueue(tasks ...models.Task) *service.TaskQueue {
	return service.NewTaskQueue(tasks)
}

func pending(id string, deps ...string) models.Task {
	return models.Task{ID: id, Status: models.PendingTaskStatus, Dependencies: deps}
}

func TestTaskQueue_Transitions(t *testing.T) {
	t.Run("HappyPath", func(t *testing.T) {
		q := newQueue(pending("a"))
		for _, step := range []models.TaskStatus{
			models.ReadyTaskStatus,
			models.InProgressTaskStatus,
			models.CompletedTaskStatus,
		} {
			_, err := q.Transition("a", step, "w1")
			assert.NoError(t, err)
		}
		task, ok := q.Get("a")
		require.True(t, ok)
		assert.Equal(t, models.CompletedTaskStatus, task.Status)
		assert.Empty(t, task.AssignedWorker)
	})

	t.Run("InvalidTransitionFailsLoudly", func(t *testing.T) {
		q := newQueue(pending("a"))
		_, err := q.Transition("a", models.CompletedTaskStatus, "")
		var trErr *service.TransitionError
		require.ErrorAs(t, err, &trErr)
		assert.Equal(t, models.PendingTaskStatus, trErr.From)
		assert.Equal(t, models.CompletedTaskStatus, trErr.To)

		// The task is untouched by the rejected transition.
		task, _ := q.Get("a")
		assert.Equal(t, models.PendingTaskStatus, task.Status)
	})

	t.Run("CompletedIsTerminal", func(t *testing.T) {
		q := newQueue(pending("a"))
		mustTransition(t, q, "a", models.ReadyTaskStatus, models.InProgressTaskStatus, models.CompletedTaskStatus)
		_, err := q.Transition("a", models.ReadyTaskStatus, "")
		assert.Error(t, err)
		_, err = q.Transition("a", models.BlockedTaskStatus, "")
		assert.Error(t, err)
	})

	t.Run("RetryIncrementsCounter", func(t *testing.T) {
		q := newQueue(pending("a"))
		mustTransition(t, q, "a", models.ReadyTaskStatus, models.InProgressTaskStatus, models.FailedTaskStatus)
		updated, err := q.Transition("a", models.ReadyTaskStatus, "")
		require.NoError(t, err)
		assert.Equal(t, 1, updated.RetryCount)
		assert.Equal(t, models.ReadyTaskStatus, updated.Status)
	})

	t.Run("UnknownTask", func(t *testing.T) {
		q := newQueue()
		_, err := q.Transition("ghost", models.ReadyTaskStatus, "")
		assert.ErrorIs(t, err, service.ErrUnknownTask)
	})

	t.Run("InProgressRecordsWorker", func(t *testing.T) {
		q := newQueue(pending("a"))
		mustTransition(t, q, "a", models.ReadyTaskStatus)
		updated, err := q.Transition("a", models.InProgressTaskStatus, "w7")
		require.NoError(t, err)
		assert.Equal(t, "w7", updated.AssignedWorker)
	})
}

func TestTaskQueue_Requeue(t *testing.T) {
	q := newQueue(pending("a"))
	mustTransition(t, q, "a", models.ReadyTaskStatus, models.InProgressTaskStatus)

	task, err := q.Requeue("a")
	require.NoError(t, err)
	assert.Equal(t, models.ReadyTaskStatus, task.Status)
	assert.Empty(t, task.AssignedWorker)
	assert.Zero(t, task.RetryCount, "reclamation is not a retry")

	_, err = q.Requeue("a")
	assert.Error(t, err, "only in-flight tasks can be requeued")
}

func TestTaskQueue_CascadeFailure(t *testing.T) {
	tasks := []models.Task{
		pending("a"),
		pending("b", "a"),
		pending("c", "b"),
		pending("x"),
	}
	g, err := graph.Build(tasks)
	require.NoError(t, err)

	q := newQueue(tasks...)
	mustTransition(t, q, "a", models.ReadyTaskStatus, models.InProgressTaskStatus, models.FailedTaskStatus)

	changed := q.CascadeFailure("a", g)
	ids := make([]string, len(changed))
	for i, c := range changed {
		ids[i] = c.ID
	}
	assert.ElementsMatch(t, []string{"b", "c"}, ids)

	b, _ := q.Get("b")
	c, _ := q.Get("c")
	x, _ := q.Get("x")
	assert.Equal(t, models.BlockedTaskStatus, b.Status)
	assert.Equal(t, models.BlockedTaskStatus, c.Status)
	assert.Equal(t, models.PendingTaskStatus, x.Status, "unrelated task untouched")
}

func TestTaskQueue_CascadeRetry(t *testing.T) {
	// b sits behind a only; d sits behind both a and f.
	tasks := []models.Task{
		pending("a"),
		pending("f"),
		pending("b", "a"),
		pending("d", "a", "f"),
	}
	g, err := graph.Build(tasks)
	require.NoError(t, err)

	q := newQueue(tasks...)
	mustTransition(t, q, "a", models.ReadyTaskStatus, models.InProgressTaskStatus, models.FailedTaskStatus)
	q.CascadeFailure("a", g)
	mustTransition(t, q, "f", models.ReadyTaskStatus, models.InProgressTaskStatus, models.FailedTaskStatus)

	_, err = q.Transition("a", models.ReadyTaskStatus, "")
	require.NoError(t, err)
	changed := q.CascadeRetry("a", g)
	require.Len(t, changed, 1)
	assert.Equal(t, "b", changed[0].ID)

	b, _ := q.Get("b")
	d, _ := q.Get("d")
	assert.Equal(t, models.ReadyTaskStatus, b.Status)
	assert.Equal(t, models.BlockedTaskStatus, d.Status, "still behind the other failure")
}

func TestTaskQueue_RestoreRevertsMutation(t *testing.T) {
	q := newQueue(pending("a"))
	before, _ := q.Get("a")
	mustTransition(t, q, "a", models.ReadyTaskStatus, models.InProgressTaskStatus)

	q.Restore(before)
	task, _ := q.Get("a")
	assert.Equal(t, models.PendingTaskStatus, task.Status)
	assert.Empty(t, task.AssignedWorker)
}

func TestTaskQueue_SnapshotIsIndependent(t *testing.T) {
	q := newQueue(pending("a"))
	snap := q.Snapshot()

	mustTransition(t, q, "a", models.ReadyTaskStatus, models.InProgressTaskStatus, models.CompletedTaskStatus)
	assert.Equal(t, models.PendingTaskStatus, snap[0].Status, "snapshot must not alias live state")

	q.Load(snap)
	task, _ := q.Get("a")
	assert.Equal(t, models.PendingTaskStatus, task.Status)
}

func mustTransition(t *testing.T, q *service.TaskQueue, id string, steps ...models.TaskStatus) {
	t.Helper()
	for _, step := range steps {
		_, err := q.Transition(id, step, "w1")
		require.NoError(t, err)
	}
}
