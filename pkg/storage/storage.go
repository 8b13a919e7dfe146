package storage

import (
	"github.com/DockeryAI/BuildRunner3-sub001/pkg/models"
	"github.com/pkg/errors"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// Store defines the durable state operations for the build runner. Begin
// returns a transactional view of the same interface; Commit/Rollback only
// apply to stores obtained that way.
type Store interface {
	Begin() (Store, error)
	Commit() error
	Rollback() error
	Close() error

	// Session operations
	SaveSession(s models.Session) error
	GetSession(id string) (models.Session, error)
	ListSessions() ([]models.Session, error)
	UpdateSessionStatus(id string, status models.SessionStatus) error

	// Task operations. ReplaceTasks swaps a session's whole task set
	// atomically; it backs checkpoint rollback and re-ingestion.
	SaveTask(t models.Task) error
	GetTask(sessionID, id string) (models.Task, error)
	ListTasks(sessionID string) ([]models.Task, error)
	UpdateTask(t models.Task) error
	ReplaceTasks(sessionID string, tasks []models.Task) error

	// Graph persistence (adjacency + levels, JSON-serialized)
	SaveGraph(sessionID string, g *models.Graph) error
	GetGraph(sessionID string) (*models.Graph, error)

	// Worker registry
	SaveWorker(w models.Worker) error
	GetWorker(sessionID, id string) (models.Worker, error)
	ListWorkers(sessionID string) ([]models.Worker, error)
	UpdateWorker(w models.Worker) error

	// Lock table
	SaveLock(l models.FileLock) error
	ListLocks(sessionID string) ([]models.FileLock, error)
	DeleteTaskLocks(sessionID, taskID string) error
	DeleteWorkerLocks(sessionID, workerID string) error

	// Checkpoints
	SaveCheckpoint(c models.Checkpoint) error
	GetCheckpoint(sessionID, name string) (models.Checkpoint, error)
	ListCheckpoints(sessionID string) ([]models.Checkpoint, error)
	DeleteCheckpoint(sessionID, name string) error
}
