package service

import (
	"fmt"

	"github.com/DockeryAI/BuildRunner3-sub001/pkg/models"
	"github.com/pkg/errors"
)

var (
	// ErrCheckpointExists is returned when creating a checkpoint under a
	// name already used within the session.
	ErrCheckpointExists = errors.New("checkpoint name already exists")
	// ErrCheckpointNotFound is returned for rollback/diff against an
	// unknown checkpoint name.
	ErrCheckpointNotFound = errors.New("checkpoint not found")
	// ErrUnknownWorker is returned when an operation names a worker that
	// never registered with the session.
	ErrUnknownWorker = errors.New("worker not registered")
	// ErrUnknownTask is returned when an operation names a task absent
	// from the session's queue.
	ErrUnknownTask = errors.New("task not found in queue")
	// ErrUnknownSession is returned when an operation names a session this
	// service does not hold.
	ErrUnknownSession = errors.New("session not found")
	// ErrSessionNotActive is returned when a mutating operation hits a
	// paused, completed or aborted session.
	ErrSessionNotActive = errors.New("session is not active")
	// ErrWorkerBusy is returned when a worker requests a batch while one
	// is still assigned to it.
	ErrWorkerBusy = errors.New("worker has an unfinished batch")
	// ErrWorkerOffline is returned when an offline worker issues an
	// operation other than re-registration.
	ErrWorkerOffline = errors.New("worker is offline; re-register first")
)

// TransitionError reports a status change outside the allowed transition
// table. It affects only the operation that attempted it.
type TransitionError struct {
	TaskID string
	From   models.TaskStatus
	To     models.TaskStatus
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("task %s: invalid transition %s -> %s", e.TaskID, e.From, e.To)
}
