package storage_test

import (
	"testing"
	"time"

	internal_storage "github.com/DockeryAI/BuildRunner3-sub001/internal/storage"
	"github.com/DockeryAI/BuildRunner3-sub001/internal/testutil"
	"github.com/DockeryAI/BuildRunner3-sub001/pkg/models"
	"github.com/DockeryAI/BuildRunner3-sub001/pkg/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSQLiteStore(t *testing.T) {
	testDB := testutil.SetupTestDB(t)
	defer testDB.Teardown(t)

	store, err := internal_storage.NewSQLiteStore(testDB.Path)
	require.NoError(t, err)
	defer store.Close()

	now := time.Now().UTC().Truncate(time.Second)

	newSession := func(t *testing.T, id string) models.Session {
		sess := models.Session{
			ID:        id,
			Name:      "session-" + id,
			Status:    models.ActiveSessionStatus,
			CreatedAt: now,
			UpdatedAt: now,
		}
		require.NoError(t, store.SaveSession(sess))
		return sess
	}

	t.Run("SaveAndGetSession", func(t *testing.T) {
		sess := newSession(t, "s1")
		got, err := store.GetSession("s1")
		assert.NoError(t, err)
		assert.Equal(t, sess.Name, got.Name)
		assert.Equal(t, models.ActiveSessionStatus, got.Status)
	})

	t.Run("GetNonExistingSession", func(t *testing.T) {
		_, err := store.GetSession("missing")
		assert.ErrorIs(t, err, storage.ErrNotFound)
	})

	t.Run("UpdateSessionStatus", func(t *testing.T) {
		newSession(t, "s2")
		assert.NoError(t, store.UpdateSessionStatus("s2", models.PausedSessionStatus))
		got, err := store.GetSession("s2")
		assert.NoError(t, err)
		assert.Equal(t, models.PausedSessionStatus, got.Status)

		assert.ErrorIs(t, store.UpdateSessionStatus("missing", models.PausedSessionStatus), storage.ErrNotFound)
	})

	t.Run("TaskRoundTripWithRelations", func(t *testing.T) {
		newSession(t, "s3")
		task := models.Task{
			ID:           "t1",
			SessionID:    "s3",
			Title:        "Implement parser",
			Description:  "parse the spec",
			Effort:       models.MediumEffort,
			Status:       models.PendingTaskStatus,
			Priority:     3,
			FeatureID:    "f1",
			Dependencies: []string{"t0"},
			FileTargets:  []string{"parser.go", "parser_test.go"},
			CreatedAt:    now,
			UpdatedAt:    now,
		}
		require.NoError(t, store.SaveTask(models.Task{
			ID: "t0", SessionID: "s3", Title: "Bootstrap", Status: models.PendingTaskStatus,
			CreatedAt: now, UpdatedAt: now,
		}))
		require.NoError(t, store.SaveTask(task))

		got, err := store.GetTask("s3", "t1")
		assert.NoError(t, err)
		assert.Equal(t, []string{"t0"}, got.Dependencies)
		assert.Equal(t, []string{"parser.go", "parser_test.go"}, got.FileTargets)
		assert.Equal(t, models.MediumEffort, got.Effort)

		tasks, err := store.ListTasks("s3")
		assert.NoError(t, err)
		require.Len(t, tasks, 2)
		assert.Equal(t, "t0", tasks[0].ID)
	})

	t.Run("UpdateTask", func(t *testing.T) {
		newSession(t, "s4")
		task := models.Task{ID: "t1", SessionID: "s4", Title: "x", Status: models.PendingTaskStatus, CreatedAt: now, UpdatedAt: now}
		require.NoError(t, store.SaveTask(task))

		task.Status = models.ReadyTaskStatus
		task.RetryCount = 1
		task.AssignedWorker = "w1"
		assert.NoError(t, store.UpdateTask(task))

		got, err := store.GetTask("s4", "t1")
		assert.NoError(t, err)
		assert.Equal(t, models.ReadyTaskStatus, got.Status)
		assert.Equal(t, 1, got.RetryCount)
		assert.Equal(t, "w1", got.AssignedWorker)
	})

	t.Run("ReplaceTasks", func(t *testing.T) {
		newSession(t, "s5")
		require.NoError(t, store.SaveTask(models.Task{
			ID: "old", SessionID: "s5", Title: "old", Status: models.PendingTaskStatus,
			FileTargets: []string{"old.go"}, CreatedAt: now, UpdatedAt: now,
		}))
		err := store.ReplaceTasks("s5", []models.Task{
			{ID: "new", SessionID: "s5", Title: "new", Status: models.PendingTaskStatus, CreatedAt: now, UpdatedAt: now},
		})
		assert.NoError(t, err)
		tasks, err := store.ListTasks("s5")
		assert.NoError(t, err)
		require.Len(t, tasks, 1)
		assert.Equal(t, "new", tasks[0].ID)
	})

	t.Run("GraphRoundTrip", func(t *testing.T) {
		newSession(t, "s6")
		g := models.NewGraph()
		g.Dependencies["b"] = []string{"a"}
		g.Dependents["a"] = []string{"b"}
		g.Levels["a"] = 0
		g.Levels["b"] = 1
		require.NoError(t, store.SaveGraph("s6", g))

		got, err := store.GetGraph("s6")
		assert.NoError(t, err)
		assert.Equal(t, g.Levels, got.Levels)
		assert.Equal(t, g.Dependencies, got.Dependencies)

		_, err = store.GetGraph("s1")
		assert.ErrorIs(t, err, storage.ErrNotFound, "session without a saved graph")
	})

	t.Run("WorkerUpsert", func(t *testing.T) {
		newSession(t, "s7")
		w := models.Worker{
			ID: "w1", SessionID: "s7", Status: models.IdleWorkerStatus,
			LastHeartbeat: now, RegisteredAt: now,
		}
		require.NoError(t, store.SaveWorker(w))

		w.Status = models.BusyWorkerStatus
		w.LastHeartbeat = now.Add(time.Second)
		require.NoError(t, store.SaveWorker(w), "re-save is an upsert")

		got, err := store.GetWorker("s7", "w1")
		assert.NoError(t, err)
		assert.Equal(t, models.BusyWorkerStatus, got.Status)
	})

	t.Run("LockTableExclusivity", func(t *testing.T) {
		newSession(t, "s8")
		lock := models.FileLock{SessionID: "s8", Path: "main.go", TaskID: "t1", WorkerID: "w1", AcquiredAt: now}
		require.NoError(t, store.SaveLock(lock))

		// Second acquisition of the same path must be a hard error.
		dup := models.FileLock{SessionID: "s8", Path: "main.go", TaskID: "t2", WorkerID: "w2", AcquiredAt: now}
		assert.Error(t, store.SaveLock(dup))

		require.NoError(t, store.DeleteTaskLocks("s8", "t1"))
		locks, err := store.ListLocks("s8")
		assert.NoError(t, err)
		assert.Empty(t, locks)
		assert.NoError(t, store.SaveLock(dup), "released paths can be reacquired")
		require.NoError(t, store.DeleteWorkerLocks("s8", "w2"))
	})

	t.Run("CheckpointRoundTrip", func(t *testing.T) {
		newSession(t, "s9")
		g := models.NewGraph()
		g.Levels["t1"] = 0
		ckpt := models.Checkpoint{
			SessionID: "s9",
			Name:      "initial",
			CreatedAt: now,
			TaskCount: 1,
			Metadata:  "before work",
			Tasks: []models.Task{{
				ID: "t1", SessionID: "s9", Title: "x", Status: models.PendingTaskStatus,
				FileTargets: []string{"x.go"}, CreatedAt: now, UpdatedAt: now,
			}},
			Graph: g,
		}
		require.NoError(t, store.SaveCheckpoint(ckpt))

		assert.Error(t, store.SaveCheckpoint(ckpt), "duplicate name within session")

		got, err := store.GetCheckpoint("s9", "initial")
		assert.NoError(t, err)
		require.Len(t, got.Tasks, 1)
		assert.Equal(t, []string{"x.go"}, got.Tasks[0].FileTargets)
		assert.Equal(t, 0, got.Graph.Levels["t1"])

		list, err := store.ListCheckpoints("s9")
		assert.NoError(t, err)
		require.Len(t, list, 1)
		assert.Nil(t, list[0].Tasks, "list returns metadata only")

		assert.NoError(t, store.DeleteCheckpoint("s9", "initial"))
		assert.ErrorIs(t, store.DeleteCheckpoint("s9", "initial"), storage.ErrNotFound)
	})

	t.Run("TransactionRollbackDiscardsWrites", func(t *testing.T) {
		newSession(t, "s10")
		txStore, err := store.Begin()
		require.NoError(t, err)
		require.NoError(t, txStore.SaveTask(models.Task{
			ID: "tx", SessionID: "s10", Title: "tx", Status: models.PendingTaskStatus,
			CreatedAt: now, UpdatedAt: now,
		}))
		require.NoError(t, txStore.Rollback())

		_, err = store.GetTask("s10", "tx")
		assert.ErrorIs(t, err, storage.ErrNotFound)
	})
}
