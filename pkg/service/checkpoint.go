package service

import (
	"fmt"
	"sort"
	"time"

	"github.com/DockeryAI/BuildRunner3-sub001/pkg/models"
	"github.com/DockeryAI/BuildRunner3-sub001/pkg/storage"
	"github.com/pkg/errors"
)

// RollbackEvent is the auditable record emitted by a rollback.
type RollbackEvent struct {
	CheckpointName string `json:"checkpoint_name"`
	AutoCheckpoint string `json:"auto_checkpoint"` // state just before rollback
	OldTaskCount   int    `json:"old_task_count"`
	NewTaskCount   int    `json:"new_task_count"`
}

// CreateCheckpoint snapshots the live queue and graph under a unique name.
// Live state is never mutated.
func (s *SessionService) CreateCheckpoint(sessionID, name, metadata string) (models.Checkpoint, error) {
	state, err := s.state(sessionID)
	if err != nil {
		return models.Checkpoint{}, err
	}
	state.mu.Lock()
	defer state.mu.Unlock()
	return s.createCheckpointLocked(state, name, metadata)
}

// createCheckpointLocked must run under the session critical section.
func (s *SessionService) createCheckpointLocked(state *sessionState, name, metadata string) (ckpt models.Checkpoint, err error) {
	if name == "" {
		return models.Checkpoint{}, errors.New("checkpoint name cannot be empty")
	}
	sessionID := state.session.ID
	if _, err = s.store.GetCheckpoint(sessionID, name); err == nil {
		return models.Checkpoint{}, errors.Wrap(ErrCheckpointExists, name)
	} else if !errors.Is(err, storage.ErrNotFound) {
		return models.Checkpoint{}, errors.Wrap(err, "failed to check checkpoint name")
	}

	tasks := state.queue.Snapshot()
	ckpt = models.Checkpoint{
		SessionID: sessionID,
		Name:      name,
		CreatedAt: time.Now(),
		TaskCount: len(tasks),
		Metadata:  metadata,
		Tasks:     tasks,
		Graph:     state.graph.Clone(),
	}

	txStore, err := s.store.Begin()
	if err != nil {
		return models.Checkpoint{}, errors.Wrap(err, "failed to begin transaction")
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
	if err = txStore.SaveCheckpoint(ckpt); err != nil {
		return models.Checkpoint{}, errors.Wrapf(err, "failed to save checkpoint '%s'", name)
	}
	s.logger.Infof("Created checkpoint '%s' for session %s (%d tasks)", name, sessionID, len(tasks))
	return ckpt, nil
}

// ListCheckpoints returns checkpoint metadata, newest first.
func (s *SessionService) ListCheckpoints(sessionID string) ([]models.Checkpoint, error) {
	if _, err := s.state(sessionID); err != nil {
		return nil, err
	}
	ckpts, err := s.store.ListCheckpoints(sessionID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list checkpoints")
	}
	sort.Slice(ckpts, func(i, j int) bool { return ckpts[i].CreatedAt.After(ckpts[j].CreatedAt) })
	return ckpts, nil
}

// RollbackCheckpoint replaces the live queue and graph with the named
// checkpoint's contents. The state just before rollback is checkpointed
// first under pre-rollback-<timestamp>, so rollback is never silently
// destructive.
func (s *SessionService) RollbackCheckpoint(sessionID, name string) (event RollbackEvent, err error) {
	state, err := s.state(sessionID)
	if err != nil {
		return RollbackEvent{}, err
	}
	state.mu.Lock()
	defer state.mu.Unlock()

	ckpt, err := s.store.GetCheckpoint(sessionID, name)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return RollbackEvent{}, errors.Wrap(ErrCheckpointNotFound, name)
		}
		return RollbackEvent{}, errors.Wrap(err, "failed to load checkpoint")
	}

	autoName := fmt.Sprintf("pre-rollback-%s", time.Now().UTC().Format("20060102T150405.000000000Z"))
	if _, err = s.createCheckpointLocked(state, autoName, "auto checkpoint before rollback to "+name); err != nil {
		return RollbackEvent{}, errors.Wrap(err, "failed to auto-checkpoint current state")
	}

	oldCount := state.queue.Len()

	txStore, err := s.store.Begin()
	if err != nil {
		return RollbackEvent{}, errors.Wrap(err, "failed to begin transaction")
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
	if err = txStore.ReplaceTasks(sessionID, ckpt.Tasks); err != nil {
		return RollbackEvent{}, errors.Wrap(err, "failed to restore tasks")
	}
	if err = txStore.SaveGraph(sessionID, ckpt.Graph); err != nil {
		return RollbackEvent{}, errors.Wrap(err, "failed to restore graph")
	}

	state.queue.Load(ckpt.Tasks)
	state.graph = ckpt.Graph.Clone()

	event = RollbackEvent{
		CheckpointName: name,
		AutoCheckpoint: autoName,
		OldTaskCount:   oldCount,
		NewTaskCount:   len(ckpt.Tasks),
	}
	s.logger.Infof("Rolled session %s back to checkpoint '%s' (tasks %d -> %d, saved '%s')",
		sessionID, name, event.OldTaskCount, event.NewTaskCount, autoName)
	return event, nil
}

// DiffCheckpoints reports added, removed and status-changed tasks between
// two checkpoints. Read-only.
func (s *SessionService) DiffCheckpoints(sessionID, nameA, nameB string) (models.CheckpointDiff, error) {
	if _, err := s.state(sessionID); err != nil {
		return models.CheckpointDiff{}, err
	}
	a, err := s.store.GetCheckpoint(sessionID, nameA)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return models.CheckpointDiff{}, errors.Wrap(ErrCheckpointNotFound, nameA)
		}
		return models.CheckpointDiff{}, err
	}
	b, err := s.store.GetCheckpoint(sessionID, nameB)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return models.CheckpointDiff{}, errors.Wrap(ErrCheckpointNotFound, nameB)
		}
		return models.CheckpointDiff{}, err
	}

	statusA := make(map[string]models.TaskStatus, len(a.Tasks))
	for _, t := range a.Tasks {
		statusA[t.ID] = t.Status
	}
	statusB := make(map[string]models.TaskStatus, len(b.Tasks))
	for _, t := range b.Tasks {
		statusB[t.ID] = t.Status
	}

	var diff models.CheckpointDiff
	for id, sb := range statusB {
		sa, ok := statusA[id]
		if !ok {
			diff.Added = append(diff.Added, id)
			continue
		}
		if sa != sb {
			diff.StatusChanged = append(diff.StatusChanged, models.StatusChange{TaskID: id, From: sa, To: sb})
		}
	}
	for id := range statusA {
		if _, ok := statusB[id]; !ok {
			diff.Removed = append(diff.Removed, id)
		}
	}
	sort.Strings(diff.Added)
	sort.Strings(diff.Removed)
	sort.Slice(diff.StatusChanged, func(i, j int) bool {
		return diff.StatusChanged[i].TaskID < diff.StatusChanged[j].TaskID
	})
	return diff, nil
}

// PruneCheckpoint deletes a checkpoint on explicit caller request. The
// manager never deletes checkpoints on its own.
func (s *SessionService) PruneCheckpoint(sessionID, name string) error {
	if _, err := s.state(sessionID); err != nil {
		return err
	}
	if err := s.store.DeleteCheckpoint(sessionID, name); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return errors.Wrap(ErrCheckpointNotFound, name)
		}
		return errors.Wrap(err, "failed to prune checkpoint")
	}
	s.logger.Infof("Pruned checkpoint '%s' from session %s", name, sessionID)
	return nil
}
