package service_test

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/DockeryAI/BuildRunner3-sub001/pkg/models"
	"github.com/DockeryAI/BuildRunner3-sub001/pkg/service"
	"github.com/DockeryAI/BuildRunner3-sub001/pkg/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCoordinator_RegisterWorker(t *testing.T) {
	t.Run("GeneratedID", func(t *testing.T) {
		svc := newService()
		id := createSessionWithTasks(t, svc)
		w, err := svc.RegisterWorker(id, "")
		require.NoError(t, err)
		assert.NotEmpty(t, w.ID)
		assert.Equal(t, models.IdleWorkerStatus, w.Status)
	})

	t.Run("UnknownWorkerRejected", func(t *testing.T) {
		svc := newService()
		id := createSessionWithTasks(t, svc, spec("a"))
		_, err := svc.AssignBatch(id, "ghost", 5)
		assert.ErrorIs(t, err, service.ErrUnknownWorker)
	})

	t.Run("AbortedSessionRefusesRegistration", func(t *testing.T) {
		svc := newService()
		id := createSessionWithTasks(t, svc)
		require.NoError(t, svc.AbortSession(id))
		_, err := svc.RegisterWorker(id, "w1")
		assert.ErrorIs(t, err, service.ErrSessionNotActive)
	})
}

func TestCoordinator_AssignAndReport(t *testing.T) {
	svc := newService()
	id := createSessionWithTasks(t, svc,
		specWithTargets("a", []string{"src/a.go"}),
		specWithTargets("b", []string{"src/b.go"}, "a"),
	)
	w, err := svc.RegisterWorker(id, "w1")
	require.NoError(t, err)

	batch, err := svc.AssignBatch(id, w.ID, 5)
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, batch.IDs())

	// The worker is busy and the task in flight.
	_, err = svc.AssignBatch(id, w.ID, 5)
	assert.ErrorIs(t, err, service.ErrWorkerBusy)

	sess, err := svc.GetSession(id)
	require.NoError(t, err)
	for _, task := range sess.Tasks {
		if task.ID == "a" {
			assert.Equal(t, models.InProgressTaskStatus, task.Status)
			assert.Equal(t, "w1", task.AssignedWorker)
		}
	}
	locks, err := svc.LockedTargets(id)
	require.NoError(t, err)
	require.Len(t, locks, 1)
	assert.Equal(t, "src/a.go", locks[0].Path)

	require.NoError(t, svc.ReportResult(id, w.ID, "a", models.CompletedTaskStatus))

	locks, err = svc.LockedTargets(id)
	require.NoError(t, err)
	assert.Empty(t, locks, "completion releases the task's locks")

	workers, err := svc.ListWorkers(id)
	require.NoError(t, err)
	assert.Equal(t, models.IdleWorkerStatus, workers[0].Status)

	// Dependency satisfied, the next batch carries b.
	batch, err = svc.AssignBatch(id, w.ID, 5)
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, batch.IDs())
}

func TestCoordinator_ReportValidation(t *testing.T) {
	svc := newService()
	id := createSessionWithTasks(t, svc, spec("a"))
	w, err := svc.RegisterWorker(id, "w1")
	require.NoError(t, err)
	_, err = svc.RegisterWorker(id, "w2")
	require.NoError(t, err)

	_, err = svc.AssignBatch(id, w.ID, 1)
	require.NoError(t, err)

	t.Run("OnlyTerminalStatuses", func(t *testing.T) {
		err := svc.ReportResult(id, "w1", "a", models.ReadyTaskStatus)
		assert.Error(t, err)
	})

	t.Run("WrongWorkerRejected", func(t *testing.T) {
		err := svc.ReportResult(id, "w2", "a", models.CompletedTaskStatus)
		assert.Error(t, err, "a task is owned by its assigned worker")
	})

	t.Run("FailureCascades", func(t *testing.T) {
		require.NoError(t, svc.ReportResult(id, "w1", "a", models.FailedTaskStatus))
		sess, err := svc.GetSession(id)
		require.NoError(t, err)
		assert.Equal(t, models.FailedTaskStatus, sess.Tasks[0].Status)
	})
}

func TestCoordinator_PausedSession(t *testing.T) {
	svc := newService()
	id := createSessionWithTasks(t, svc, spec("a"), spec("b"))
	w, err := svc.RegisterWorker(id, "w1")
	require.NoError(t, err)
	batch, err := svc.AssignBatch(id, w.ID, 1)
	require.NoError(t, err)
	require.Equal(t, []string{"a"}, batch.IDs())

	require.NoError(t, svc.PauseSession(id))

	// No new assignments while paused, but the in-flight batch finishes.
	w2, err := svc.RegisterWorker(id, "w2")
	require.NoError(t, err)
	_, err = svc.AssignBatch(id, w2.ID, 1)
	assert.ErrorIs(t, err, service.ErrSessionNotActive)
	assert.NoError(t, svc.ReportResult(id, w.ID, "a", models.CompletedTaskStatus))
}

func TestCoordinator_AbortedSessionRecordsInFlightResults(t *testing.T) {
	svc := newService()
	id := createSessionWithTasks(t, svc, spec("a"))
	w, err := svc.RegisterWorker(id, "w1")
	require.NoError(t, err)
	_, err = svc.AssignBatch(id, w.ID, 1)
	require.NoError(t, err)

	require.NoError(t, svc.AbortSession(id))

	assert.ErrorIs(t, svc.Heartbeat(id, w.ID), service.ErrSessionNotActive)
	assert.NoError(t, svc.ReportResult(id, w.ID, "a", models.CompletedTaskStatus))
}

func TestCoordinator_WorkerReclamation(t *testing.T) {
	svc := newService(service.WithHeartbeatTimeout(20 * time.Millisecond))
	id := createSessionWithTasks(t, svc, specWithTargets("a", []string{"shared.go"}))

	w1, err := svc.RegisterWorker(id, "w1")
	require.NoError(t, err)
	batch, err := svc.AssignBatch(id, w1.ID, 1)
	require.NoError(t, err)
	require.Equal(t, []string{"a"}, batch.IDs())

	// w1 goes silent past the timeout; the sweep reclaims its work.
	time.Sleep(40 * time.Millisecond)
	svc.SweepOnce()

	workers, err := svc.ListWorkers(id)
	require.NoError(t, err)
	assert.Equal(t, models.OfflineWorkerStatus, workers[0].Status)
	assert.Empty(t, workers[0].CurrentBatch)

	sess, err := svc.GetSession(id)
	require.NoError(t, err)
	assert.Equal(t, models.ReadyTaskStatus, sess.Tasks[0].Status, "a dead worker is not a task failure")
	assert.Zero(t, sess.Tasks[0].RetryCount)

	// A different worker can now acquire the same target.
	w2, err := svc.RegisterWorker(id, "w2")
	require.NoError(t, err)
	batch, err = svc.AssignBatch(id, w2.ID, 1)
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, batch.IDs())

	// The dead worker comes back: re-registration returns it to IDLE.
	w1b, err := svc.RegisterWorker(id, "w1")
	require.NoError(t, err)
	assert.Equal(t, models.IdleWorkerStatus, w1b.Status)
}

func TestCoordinator_ReportPersistFailureLeavesStateUnchanged(t *testing.T) {
	fs := &flakyStore{Store: storage.NewMockStore()}
	svc := service.NewSessionService(fs, logger{})
	id := createSessionWithTasks(t, svc, specWithTargets("a", []string{"a.go"}))
	w, err := svc.RegisterWorker(id, "w1")
	require.NoError(t, err)
	_, err = svc.AssignBatch(id, w.ID, 1)
	require.NoError(t, err)

	fs.fail = true
	require.Error(t, svc.ReportResult(id, w.ID, "a", models.CompletedTaskStatus))

	// The failed report must not stick anywhere: task, lock or worker.
	sess, err := svc.GetSession(id)
	require.NoError(t, err)
	assert.Equal(t, models.InProgressTaskStatus, sess.Tasks[0].Status)
	assert.Equal(t, "w1", sess.Tasks[0].AssignedWorker)
	locks, err := svc.LockedTargets(id)
	require.NoError(t, err)
	require.Len(t, locks, 1)
	workers, err := svc.ListWorkers(id)
	require.NoError(t, err)
	assert.Equal(t, models.BusyWorkerStatus, workers[0].Status)
	assert.Equal(t, []string{"a"}, workers[0].CurrentBatch)

	// Retrying the same report succeeds once the store recovers.
	fs.fail = false
	require.NoError(t, svc.ReportResult(id, w.ID, "a", models.CompletedTaskStatus))
	locks, err = svc.LockedTargets(id)
	require.NoError(t, err)
	assert.Empty(t, locks)
}

func TestCoordinator_SweeperRunsInBackground(t *testing.T) {
	svc := newService(service.WithHeartbeatTimeout(20 * time.Millisecond))
	id := createSessionWithTasks(t, svc, spec("a"))
	w, err := svc.RegisterWorker(id, "w1")
	require.NoError(t, err)
	_, err = svc.AssignBatch(id, w.ID, 1)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	svc.StartSweeper(ctx, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		workers, err := svc.ListWorkers(id)
		return err == nil && len(workers) == 1 && workers[0].Status == models.OfflineWorkerStatus
	}, time.Second, 10*time.Millisecond, "the ticker alone must reclaim the silent worker")

	sess, err := svc.GetSession(id)
	require.NoError(t, err)
	assert.Equal(t, models.ReadyTaskStatus, sess.Tasks[0].Status)
}

func TestCoordinator_HeartbeatKeepsWorkerAlive(t *testing.T) {
	svc := newService(service.WithHeartbeatTimeout(50 * time.Millisecond))
	id := createSessionWithTasks(t, svc, spec("a"))
	w, err := svc.RegisterWorker(id, "w1")
	require.NoError(t, err)

	for i := 0; i < 4; i++ {
		time.Sleep(20 * time.Millisecond)
		require.NoError(t, svc.Heartbeat(id, w.ID))
		svc.SweepOnce()
	}
	workers, err := svc.ListWorkers(id)
	require.NoError(t, err)
	assert.Equal(t, models.IdleWorkerStatus, workers[0].Status)
}

// TestCoordinator_LockExclusivityStress races many workers over randomized
// overlapping target sets and asserts no path is ever held twice.
func TestCoordinator_LockExclusivityStress(t *testing.T) {
	svc := newService()

	const (
		numWorkers = 8
		numTasks   = 60
		numPaths   = 10
	)
	rng := rand.New(rand.NewSource(42))
	specs := make([]models.TaskSpec, numTasks)
	for i := range specs {
		targets := []string{
			fmt.Sprintf("file-%d.go", rng.Intn(numPaths)),
			fmt.Sprintf("file-%d.go", rng.Intn(numPaths)),
		}
		specs[i] = models.TaskSpec{ID: fmt.Sprintf("t%02d", i), Title: "stress", FileTargets: targets}
	}
	id := createSessionWithTasks(t, svc, specs...)

	workerIDs := make([]string, numWorkers)
	for i := range workerIDs {
		w, err := svc.RegisterWorker(id, fmt.Sprintf("w%d", i))
		require.NoError(t, err)
		workerIDs[i] = w.ID
	}

	var (
		mu        sync.Mutex
		violation string
	)
	checkExclusive := func() {
		locks, err := svc.LockedTargets(id)
		if err != nil {
			return
		}
		seen := make(map[string]string)
		for _, l := range locks {
			if prev, ok := seen[l.Path]; ok && prev != l.WorkerID {
				mu.Lock()
				violation = fmt.Sprintf("path %s held by %s and %s", l.Path, prev, l.WorkerID)
				mu.Unlock()
			}
			seen[l.Path] = l.WorkerID
		}
	}

	var wg sync.WaitGroup
	for _, wid := range workerIDs {
		wg.Add(1)
		go func(workerID string) {
			defer wg.Done()
			for {
				batch, err := svc.AssignBatch(id, workerID, 3)
				if err != nil {
					return
				}
				checkExclusive()
				if batch.Empty() {
					// Someone else may still be mid-batch; one retry round.
					counts, err := svc.TaskCounts(id)
					if err != nil || counts[models.InProgressTaskStatus] == 0 {
						return
					}
					continue
				}
				for _, taskID := range batch.IDs() {
					if err := svc.ReportResult(id, workerID, taskID, models.CompletedTaskStatus); err != nil {
						return
					}
				}
			}
		}(wid)
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	assert.Empty(t, violation)

	counts, err := svc.TaskCounts(id)
	require.NoError(t, err)
	assert.Equal(t, numTasks, counts[models.CompletedTaskStatus], "every task ran exactly once to completion")
	locks, err := svc.LockedTargets(id)
	require.NoError(t, err)
	assert.Empty(t, locks, "no lock outlives its task")
}
