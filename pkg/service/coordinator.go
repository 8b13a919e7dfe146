package service

import (
	"context"
	"time"

	"github.com/DockeryAI/BuildRunner3-sub001/pkg/models"
	"github.com/DockeryAI/BuildRunner3-sub001/pkg/scheduler"
	"github.com/pkg/errors"
)

// RegisterWorker adds a worker to the session's registry with status IDLE.
// A previously offline worker re-registers under the same ID and returns
// to IDLE. Pass an empty ID to have one generated.
func (s *SessionService) RegisterWorker(sessionID, workerID string) (w models.Worker, err error) {
	state, err := s.state(sessionID)
	if err != nil {
		return models.Worker{}, err
	}
	state.mu.Lock()
	defer state.mu.Unlock()

	if state.session.Status == models.AbortedSessionStatus {
		return models.Worker{}, ErrSessionNotActive
	}
	if workerID == "" {
		workerID = newID()
	}

	now := time.Now()
	if existing, ok := state.workers[workerID]; ok {
		if existing.Status == models.BusyWorkerStatus {
			return models.Worker{}, ErrWorkerBusy
		}
		existing.Status = models.IdleWorkerStatus
		existing.LastHeartbeat = now
		existing.CurrentBatch = nil
		w = *existing
	} else {
		w = models.Worker{
			ID:            workerID,
			SessionID:     sessionID,
			Status:        models.IdleWorkerStatus,
			LastHeartbeat: now,
			RegisteredAt:  now,
		}
		state.workers[workerID] = &w
	}

	if err = s.persistWorker(w); err != nil {
		return models.Worker{}, err
	}
	s.logger.Infof("Worker %s registered with session %s", workerID, sessionID)
	return w, nil
}

// AssignBatch hands the worker the next executable batch. The scheduler
// only sees tasks whose file targets avoid every path locked by other
// workers; locks for the assigned tasks are acquired before the call
// returns, so two workers can never hold the same target.
func (s *SessionService) AssignBatch(sessionID, workerID string, maxSize int) (batch models.Batch, err error) {
	state, err := s.state(sessionID)
	if err != nil {
		return models.Batch{}, err
	}
	state.mu.Lock()
	defer state.mu.Unlock()

	if state.session.Status != models.ActiveSessionStatus {
		return models.Batch{}, ErrSessionNotActive
	}
	worker, ok := state.workers[workerID]
	if !ok {
		return models.Batch{}, errors.Wrap(ErrUnknownWorker, workerID)
	}
	switch worker.Status {
	case models.BusyWorkerStatus:
		return models.Batch{}, ErrWorkerBusy
	case models.OfflineWorkerStatus:
		return models.Batch{}, ErrWorkerOffline
	}

	batch = scheduler.NextBatch(state.queue.All(), state.graph, maxSize, state.lockedTargetsExcept(workerID))
	batch.SessionID = sessionID
	if batch.Empty() {
		return batch, nil
	}

	now := time.Now()
	var changed []models.Task
	var acquired []models.FileLock
	for _, bt := range batch.Tasks {
		task, _ := state.queue.Get(bt.ID)
		if task.Status == models.PendingTaskStatus {
			if _, err = state.queue.Transition(bt.ID, models.ReadyTaskStatus, ""); err != nil {
				return models.Batch{}, err
			}
		}
		var updated models.Task
		if updated, err = state.queue.Transition(bt.ID, models.InProgressTaskStatus, workerID); err != nil {
			return models.Batch{}, err
		}
		changed = append(changed, updated)
		for _, path := range bt.FileTargets {
			lock := models.FileLock{
				SessionID:  sessionID,
				Path:       path,
				TaskID:     bt.ID,
				WorkerID:   workerID,
				AcquiredAt: now,
			}
			state.locks[path] = lock
			acquired = append(acquired, lock)
		}
	}

	worker.Status = models.BusyWorkerStatus
	worker.CurrentBatch = batch.IDs()
	worker.LastHeartbeat = now

	if err = s.persistAssignment(changed, acquired, *worker); err != nil {
		// Roll the in-memory state back so a persistence failure leaves
		// nothing half-assigned.
		for _, t := range changed {
			_, _ = state.queue.Requeue(t.ID)
		}
		for _, l := range acquired {
			delete(state.locks, l.Path)
		}
		worker.Status = models.IdleWorkerStatus
		worker.CurrentBatch = nil
		return models.Batch{}, err
	}

	s.logger.Infof("Assigned batch of %d task(s) to worker %s in session %s: %v",
		len(batch.Tasks), workerID, sessionID, batch.IDs())
	return batch, nil
}

// ReportResult records one task outcome from a worker, releases the task's
// file locks and returns the worker to IDLE once its whole batch is
// reported. Results are accepted even for paused or aborted sessions.
func (s *SessionService) ReportResult(sessionID, workerID, taskID string, status models.TaskStatus) (err error) {
	if status != models.CompletedTaskStatus && status != models.FailedTaskStatus {
		return errors.Errorf("result status must be %s or %s, got %s",
			models.CompletedTaskStatus, models.FailedTaskStatus, status)
	}
	state, err := s.state(sessionID)
	if err != nil {
		return err
	}
	state.mu.Lock()
	defer state.mu.Unlock()

	worker, ok := state.workers[workerID]
	if !ok {
		return errors.Wrap(ErrUnknownWorker, workerID)
	}
	task, ok := state.queue.Get(taskID)
	if !ok {
		return errors.Wrap(ErrUnknownTask, taskID)
	}
	if task.AssignedWorker != workerID {
		return errors.Errorf("task %s is not assigned to worker %s", taskID, workerID)
	}

	priorWorker := *worker
	priorWorker.CurrentBatch = append([]string(nil), worker.CurrentBatch...)
	var priorDependents []models.Task
	if status == models.FailedTaskStatus {
		for _, depID := range state.graph.TransitiveDependents(taskID) {
			if t, ok := state.queue.Get(depID); ok {
				priorDependents = append(priorDependents, t)
			}
		}
	}

	updated, err := state.queue.Transition(taskID, status, workerID)
	if err != nil {
		return err
	}
	changed := []models.Task{updated}
	if status == models.FailedTaskStatus {
		blocked := state.queue.CascadeFailure(taskID, state.graph)
		if len(blocked) > 0 {
			ids := make([]string, len(blocked))
			for i, b := range blocked {
				ids[i] = b.ID
			}
			s.logger.Warnf("Task %s failed; blocked dependents: %v", taskID, ids)
		}
		changed = append(changed, blocked...)
	}

	var released []models.FileLock
	for path, l := range state.locks {
		if l.TaskID == taskID {
			released = append(released, l)
			delete(state.locks, path)
		}
	}
	worker.CurrentBatch = remove(worker.CurrentBatch, taskID)
	if len(worker.CurrentBatch) == 0 {
		worker.Status = models.IdleWorkerStatus
	}
	worker.LastHeartbeat = time.Now()

	if err = s.persistReport(changed, sessionID, taskID, *worker); err != nil {
		// Undo the in-memory mutation so the caller's error and later
		// reads agree; the report can simply be retried.
		state.queue.Restore(append(priorDependents, task)...)
		for _, l := range released {
			state.locks[l.Path] = l
		}
		*worker = priorWorker
		return err
	}
	s.logger.Infof("Worker %s reported task %s as %s in session %s", workerID, taskID, status, sessionID)
	return nil
}

// Heartbeat records worker liveness. Aborted sessions accept no further
// heartbeats; offline workers must re-register instead.
func (s *SessionService) Heartbeat(sessionID, workerID string) (err error) {
	state, err := s.state(sessionID)
	if err != nil {
		return err
	}
	state.mu.Lock()
	defer state.mu.Unlock()

	if state.session.Status == models.AbortedSessionStatus {
		return ErrSessionNotActive
	}
	worker, ok := state.workers[workerID]
	if !ok {
		return errors.Wrap(ErrUnknownWorker, workerID)
	}
	if worker.Status == models.OfflineWorkerStatus {
		return ErrWorkerOffline
	}
	worker.LastHeartbeat = time.Now()
	return s.persistWorker(*worker)
}

// StartSweeper runs the background liveness sweep until ctx is cancelled.
func (s *SessionService) StartSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.SweepOnce()
			}
		}
	}()
}

// SweepOnce marks silent workers offline, releases their locks and
// requeues their in-flight tasks to READY. A dead worker is a recoverable
// event, not a task failure, so nothing is reported as an error.
func (s *SessionService) SweepOnce() {
	s.mu.RLock()
	states := make([]*sessionState, 0, len(s.sessions))
	for _, st := range s.sessions {
		states = append(states, st)
	}
	s.mu.RUnlock()

	cutoff := time.Now().Add(-s.heartbeatTimeout)
	for _, state := range states {
		state.mu.Lock()
		for _, worker := range state.workers {
			if worker.Status == models.OfflineWorkerStatus || !worker.LastHeartbeat.Before(cutoff) {
				continue
			}
			s.reclaimWorker(state, worker)
		}
		state.mu.Unlock()
	}
}

// reclaimWorker runs under the session critical section.
func (s *SessionService) reclaimWorker(state *sessionState, worker *models.Worker) {
	sessionID := state.session.ID
	s.logger.Warnf("Worker %s in session %s missed heartbeat deadline; reclaiming %d task(s)",
		worker.ID, sessionID, len(worker.CurrentBatch))

	var requeued []models.Task
	for _, taskID := range worker.CurrentBatch {
		task, err := state.queue.Requeue(taskID)
		if err != nil {
			s.logger.Errorf("Failed to requeue task %s from dead worker %s: %v", taskID, worker.ID, err)
			continue
		}
		requeued = append(requeued, task)
	}
	for path, l := range state.locks {
		if l.WorkerID == worker.ID {
			delete(state.locks, path)
		}
	}
	worker.Status = models.OfflineWorkerStatus
	worker.CurrentBatch = nil

	if err := s.persistReclaim(requeued, sessionID, *worker); err != nil {
		s.logger.Errorf("Failed to persist reclamation of worker %s: %v", worker.ID, err)
	}
}

// ListWorkers returns the session's worker registry.
func (s *SessionService) ListWorkers(sessionID string) ([]models.Worker, error) {
	state, err := s.state(sessionID)
	if err != nil {
		return nil, err
	}
	state.mu.RLock()
	defer state.mu.RUnlock()
	return state.workerList(), nil
}

// LockedTargets returns the file paths currently claimed by in-flight
// tasks, for display.
func (s *SessionService) LockedTargets(sessionID string) ([]models.FileLock, error) {
	state, err := s.state(sessionID)
	if err != nil {
		return nil, err
	}
	state.mu.RLock()
	defer state.mu.RUnlock()
	out := make([]models.FileLock, 0, len(state.locks))
	for _, l := range state.locks {
		out = append(out, l)
	}
	return out, nil
}

func (s *SessionService) persistWorker(w models.Worker) (err error) {
	txStore, err := s.store.Begin()
	if err != nil {
		return errors.Wrap(err, "failed to begin transaction")
	}
	defer func() {
		if err != nil {
			if rollbackErr := txStore.Rollback(); rollbackErr != nil {
				s.logger.Errorf("Failed to rollback after error: %v (original error: %v)", rollbackErr, err)
			}
			return
		}
		if commitErr := txStore.Commit(); commitErr != nil {
			s.logger.Errorf("Failed to commit: %v", commitErr)
			err = commitErr
		}
	}()
	return txStore.SaveWorker(w)
}

func (s *SessionService) persistAssignment(tasks []models.Task, locks []models.FileLock, w models.Worker) (err error) {
	txStore, err := s.store.Begin()
	if err != nil {
		return errors.Wrap(err, "failed to begin transaction")
	}
	defer func() {
		if err != nil {
			if rollbackErr := txStore.Rollback(); rollbackErr != nil {
				s.logger.Errorf("Failed to rollback after error: %v (original error: %v)", rollbackErr, err)
			}
			return
		}
		if commitErr := txStore.Commit(); commitErr != nil {
			s.logger.Errorf("Failed to commit: %v", commitErr)
			err = commitErr
		}
	}()
	for _, t := range tasks {
		if err = txStore.UpdateTask(t); err != nil {
			return errors.Wrapf(err, "failed to persist task %s", t.ID)
		}
	}
	for _, l := range locks {
		if err = txStore.SaveLock(l); err != nil {
			return errors.Wrapf(err, "failed to persist lock on %s", l.Path)
		}
	}
	return txStore.SaveWorker(w)
}

func (s *SessionService) persistReport(tasks []models.Task, sessionID, taskID string, w models.Worker) (err error) {
	txStore, err := s.store.Begin()
	if err != nil {
		return errors.Wrap(err, "failed to begin transaction")
	}
	defer func() {
		if err != nil {
			if rollbackErr := txStore.Rollback(); rollbackErr != nil {
				s.logger.Errorf("Failed to rollback after error: %v (original error: %v)", rollbackErr, err)
			}
			return
		}
		if commitErr := txStore.Commit(); commitErr != nil {
			s.logger.Errorf("Failed to commit: %v", commitErr)
			err = commitErr
		}
	}()
	for _, t := range tasks {
		if err = txStore.UpdateTask(t); err != nil {
			return errors.Wrapf(err, "failed to persist task %s", t.ID)
		}
	}
	if err = txStore.DeleteTaskLocks(sessionID, taskID); err != nil {
		return errors.Wrap(err, "failed to release locks")
	}
	return txStore.SaveWorker(w)
}

func (s *SessionService) persistReclaim(tasks []models.Task, sessionID string, w models.Worker) (err error) {
	txStore, err := s.store.Begin()
	if err != nil {
		return errors.Wrap(err, "failed to begin transaction")
	}
	defer func() {
		if err != nil {
			if rollbackErr := txStore.Rollback(); rollbackErr != nil {
				s.logger.Errorf("Failed to rollback after error: %v (original error: %v)", rollbackErr, err)
			}
			return
		}
		if commitErr := txStore.Commit(); commitErr != nil {
			s.logger.Errorf("Failed to commit: %v", commitErr)
			err = commitErr
		}
	}()
	for _, t := range tasks {
		if err = txStore.UpdateTask(t); err != nil {
			return errors.Wrapf(err, "failed to persist task %s", t.ID)
		}
	}
	if err = txStore.DeleteWorkerLocks(sessionID, w.ID); err != nil {
		return errors.Wrap(err, "failed to release worker locks")
	}
	return txStore.SaveWorker(w)
}

func remove(ids []string, id string) []string {
	out := ids[:0]
	for _, v := range ids {
		if v != id {
			out = append(out, v)
		}
	}
	return out
}
