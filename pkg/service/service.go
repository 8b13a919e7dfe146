package service

import (
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/DockeryAI/BuildRunner3-sub001/pkg/graph"
	"github.com/DockeryAI/BuildRunner3-sub001/pkg/models"
	"github.com/DockeryAI/BuildRunner3-sub001/pkg/scheduler"
	"github.com/DockeryAI/BuildRunner3-sub001/pkg/storage"
	"github.com/oklog/ulid/v2"
	"github.com/pkg/errors"
)

// Logger defines the logging interface for SessionService.
type Logger interface {
	Infof(format string, args ...interface{})
	Warnf(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

const (
	// DefaultHeartbeatTimeout marks a worker offline after this much
	// silence.
	DefaultHeartbeatTimeout = 30 * time.Second
	// DefaultSweepInterval is how often the liveness sweep runs.
	DefaultSweepInterval = 10 * time.Second
)

// sessionState is the live, authoritative state of one session. Its mutex
// is the coordinator-wide critical section: every mutating operation
// (status updates, batch assignment, result reports, checkpoints) runs
// under the write lock, with persistence happening inside it so the store
// is durable before the caller is acknowledged. Read-only operations take
// the read lock and may overlap each other.
type sessionState struct {
	mu      sync.RWMutex
	session models.Session
	queue   *TaskQueue
	graph   *models.Graph
	workers map[string]*models.Worker
	locks   map[string]models.FileLock // file path -> holding lock
}

// SessionService owns build sessions: task ingestion, scheduling,
// checkpointing and multi-worker coordination. There are no package-level
// singletons; every operation goes through an explicit service handle so
// independent sessions can coexist in one process.
type SessionService struct {
	store            storage.Store
	logger           Logger
	heartbeatTimeout time.Duration

	mu       sync.RWMutex
	sessions map[string]*sessionState
}

// Option tunes a SessionService.
type Option func(*SessionService)

// WithHeartbeatTimeout overrides the worker liveness timeout.
func WithHeartbeatTimeout(d time.Duration) Option {
	return func(s *SessionService) { s.heartbeatTimeout = d }
}

func NewSessionService(store storage.Store, logger Logger, opts ...Option) *SessionService {
	s := &SessionService{
		store:            store,
		logger:           logger,
		heartbeatTimeout: DefaultHeartbeatTimeout,
		sessions:         make(map[string]*sessionState),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

var ulidEntropy = ulid.Monotonic(rand.New(rand.NewSource(time.Now().UnixNano())), 0)

func newID() string {
	return ulid.MustNew(ulid.Timestamp(time.Now()), ulidEntropy).String()
}

// CreateSession mints a new active session and persists it.
func (s *SessionService) CreateSession(name string) (sess models.Session, err error) {
	if name == "" {
		return models.Session{}, errors.New("session name cannot be empty")
	}
	if len(name) > 100 {
		return models.Session{}, errors.New("session name too long (max 100 characters)")
	}

	txStore, err := s.store.Begin()
	if err != nil {
		return models.Session{}, errors.Wrap(err, "failed to begin transaction")
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

	now := time.Now()
	sess = models.Session{
		ID:        newID(),
		Name:      name,
		Status:    models.ActiveSessionStatus,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err = txStore.SaveSession(sess); err != nil {
		return models.Session{}, errors.Wrapf(err, "failed to save session '%s'", name)
	}

	s.mu.Lock()
	s.sessions[sess.ID] = &sessionState{
		session: sess,
		queue:   NewTaskQueue(nil),
		graph:   models.NewGraph(),
		workers: make(map[string]*models.Worker),
		locks:   make(map[string]models.FileLock),
	}
	s.mu.Unlock()

	s.logger.Infof("Created session '%s' with ID %s", name, sess.ID)
	return sess, nil
}

// LoadSession rehydrates a session from the store after a restart. Locks
// held at crash time are restored so in-flight exclusivity survives; the
// liveness sweep reclaims them if their workers never come back.
func (s *SessionService) LoadSession(sessionID string) (err error) {
	sess, err := s.store.GetSession(sessionID)
	if err != nil {
		return errors.Wrapf(err, "failed to load session %s", sessionID)
	}
	tasks, err := s.store.ListTasks(sessionID)
	if err != nil {
		return errors.Wrap(err, "failed to load tasks")
	}
	g, err := s.store.GetGraph(sessionID)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			return errors.Wrap(err, "failed to load graph")
		}
		// No persisted graph yet; rebuild from the task set.
		if g, err = graph.Build(tasks); err != nil {
			return errors.Wrap(err, "failed to rebuild graph")
		}
	}
	workers, err := s.store.ListWorkers(sessionID)
	if err != nil {
		return errors.Wrap(err, "failed to load workers")
	}
	locks, err := s.store.ListLocks(sessionID)
	if err != nil {
		return errors.Wrap(err, "failed to load lock table")
	}

	state := &sessionState{
		session: sess,
		queue:   NewTaskQueue(tasks),
		graph:   g,
		workers: make(map[string]*models.Worker, len(workers)),
		locks:   make(map[string]models.FileLock, len(locks)),
	}
	for i := range workers {
		w := workers[i]
		state.workers[w.ID] = &w
	}
	for _, l := range locks {
		state.locks[l.Path] = l
	}
	for _, t := range tasks {
		if t.Status == models.InProgressTaskStatus && t.AssignedWorker != "" {
			if w, ok := state.workers[t.AssignedWorker]; ok {
				w.CurrentBatch = append(w.CurrentBatch, t.ID)
			}
		}
	}

	s.mu.Lock()
	s.sessions[sessionID] = state
	s.mu.Unlock()
	s.logger.Infof("Loaded session %s: %d tasks, %d workers, %d locks",
		sessionID, len(tasks), len(workers), len(locks))
	return nil
}

// IngestTasks validates the spec-parser output, builds the dependency
// graph and seeds the queue. Any structural violation rejects the whole
// list before a single task is stored.
func (s *SessionService) IngestTasks(sessionID string, specs []models.TaskSpec) (g *models.Graph, err error) {
	state, err := s.state(sessionID)
	if err != nil {
		return nil, err
	}

	state.mu.Lock()
	defer state.mu.Unlock()

	if state.session.Status != models.ActiveSessionStatus {
		return nil, ErrSessionNotActive
	}

	now := time.Now()
	tasks := make([]models.Task, len(specs))
	for i, spec := range specs {
		tasks[i] = models.Task{
			ID:           spec.ID,
			SessionID:    sessionID,
			Title:        spec.Title,
			Description:  spec.Description,
			Effort:       spec.Effort,
			Status:       models.PendingTaskStatus,
			Priority:     spec.Priority,
			FeatureID:    spec.FeatureID,
			Dependencies: append([]string(nil), spec.Dependencies...),
			FileTargets:  append([]string(nil), spec.FileTargets...),
			CreatedAt:    now,
			UpdatedAt:    now,
		}
	}

	// Build fails fast and leaves the prior graph untouched.
	if g, err = graph.Build(tasks); err != nil {
		return nil, err
	}

	txStore, err := s.store.Begin()
	if err != nil {
		return nil, errors.Wrap(err, "failed to begin transaction")
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
	if err = txStore.ReplaceTasks(sessionID, tasks); err != nil {
		return nil, errors.Wrap(err, "failed to persist tasks")
	}
	if err = txStore.SaveGraph(sessionID, g); err != nil {
		return nil, errors.Wrap(err, "failed to persist graph")
	}

	state.queue.Load(tasks)
	state.graph = g
	s.logger.Infof("Ingested %d tasks into session %s", len(tasks), sessionID)
	return g, nil
}

// GetSession returns the session with tasks and workers populated.
func (s *SessionService) GetSession(sessionID string) (models.Session, error) {
	state, err := s.state(sessionID)
	if err != nil {
		return models.Session{}, err
	}
	state.mu.RLock()
	defer state.mu.RUnlock()
	sess := state.session
	sess.Tasks = state.queue.All()
	sess.Workers = state.workerList()
	return sess, nil
}

// ListSessions returns all persisted sessions, loaded or not.
func (s *SessionService) ListSessions() ([]models.Session, error) {
	return s.store.ListSessions()
}

// TaskCounts tallies the session's tasks by status for display.
func (s *SessionService) TaskCounts(sessionID string) (map[models.TaskStatus]int, error) {
	state, err := s.state(sessionID)
	if err != nil {
		return nil, err
	}
	state.mu.RLock()
	defer state.mu.RUnlock()
	return state.queue.CountByStatus(), nil
}

// PauseSession stops new batch assignments; in-flight batches may finish.
func (s *SessionService) PauseSession(sessionID string) error {
	return s.setSessionStatus(sessionID, models.PausedSessionStatus, models.ActiveSessionStatus)
}

// ResumeSession reactivates a paused session.
func (s *SessionService) ResumeSession(sessionID string) error {
	return s.setSessionStatus(sessionID, models.ActiveSessionStatus, models.PausedSessionStatus)
}

// CompleteSession marks a session done.
func (s *SessionService) CompleteSession(sessionID string) error {
	return s.setSessionStatus(sessionID, models.CompletedSessionStatus,
		models.ActiveSessionStatus, models.PausedSessionStatus)
}

// AbortSession stops all further assignments and heartbeats. In-flight
// results are still recorded.
func (s *SessionService) AbortSession(sessionID string) error {
	return s.setSessionStatus(sessionID, models.AbortedSessionStatus,
		models.ActiveSessionStatus, models.PausedSessionStatus)
}

func (s *SessionService) setSessionStatus(sessionID string, to models.SessionStatus, validFrom ...models.SessionStatus) (err error) {
	state, err := s.state(sessionID)
	if err != nil {
		return err
	}
	state.mu.Lock()
	defer state.mu.Unlock()

	allowed := false
	for _, from := range validFrom {
		if state.session.Status == from {
			allowed = true
			break
		}
	}
	if !allowed {
		return errors.Errorf("session %s: invalid transition %s -> %s", sessionID, state.session.Status, to)
	}

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
	if err = txStore.UpdateSessionStatus(sessionID, to); err != nil {
		return err
	}
	state.session.Status = to
	state.session.UpdatedAt = time.Now()
	s.logger.Infof("Session %s is now %s", sessionID, to)
	return nil
}

// UpdateTaskStatus applies a single task transition from an operator or a
// non-coordinated executor, cascading BLOCKED to dependents on failure.
func (s *SessionService) UpdateTaskStatus(sessionID, taskID string, status models.TaskStatus) (err error) {
	state, err := s.state(sessionID)
	if err != nil {
		return err
	}
	state.mu.Lock()
	defer state.mu.Unlock()

	prior, _ := state.queue.Get(taskID)
	isRetry := prior.Status == models.FailedTaskStatus && status == models.ReadyTaskStatus
	var priorDependents []models.Task
	if status == models.FailedTaskStatus || isRetry {
		for _, depID := range state.graph.TransitiveDependents(taskID) {
			if t, ok := state.queue.Get(depID); ok {
				priorDependents = append(priorDependents, t)
			}
		}
	}

	task, err := state.queue.Transition(taskID, status, "")
	if err != nil {
		return err
	}
	changed := []models.Task{task}
	switch {
	case status == models.FailedTaskStatus:
		changed = append(changed, state.queue.CascadeFailure(taskID, state.graph)...)
	case isRetry:
		// A retry lifts the failure, so dependents blocked only by it can
		// be scheduled again once their dependencies complete.
		changed = append(changed, state.queue.CascadeRetry(taskID, state.graph)...)
	}
	if err = s.persistTasks(changed); err != nil {
		state.queue.Restore(append(priorDependents, prior)...)
		return err
	}
	s.logger.Infof("Task %s in session %s is now %s", taskID, sessionID, status)
	return nil
}

// CheckUnreachable reports the terminal deadlock condition: every
// remaining task transitively blocked behind a failure.
func (s *SessionService) CheckUnreachable(sessionID string) error {
	state, err := s.state(sessionID)
	if err != nil {
		return err
	}
	state.mu.RLock()
	defer state.mu.RUnlock()
	return scheduler.CheckUnreachable(state.queue.All(), state.graph)
}

func (s *SessionService) state(sessionID string) (*sessionState, error) {
	s.mu.RLock()
	state, ok := s.sessions[sessionID]
	s.mu.RUnlock()
	if !ok {
		return nil, errors.Wrap(ErrUnknownSession, sessionID)
	}
	return state, nil
}

// persistTasks writes updated tasks inside one transaction. It runs within
// the session critical section so the store reflects the change before the
// caller is acknowledged.
func (s *SessionService) persistTasks(tasks []models.Task) (err error) {
	if len(tasks) == 0 {
		return nil
	}
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
	return nil
}

func (st *sessionState) workerList() []models.Worker {
	out := make([]models.Worker, 0, len(st.workers))
	for _, w := range st.workers {
		wc := *w
		wc.CurrentBatch = append([]string(nil), w.CurrentBatch...)
		out = append(out, wc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// lockedTargetsExcept returns the set of file paths locked by workers
// other than the named one.
func (st *sessionState) lockedTargetsExcept(workerID string) map[string]bool {
	locked := make(map[string]bool, len(st.locks))
	for path, l := range st.locks {
		if l.WorkerID != workerID {
			locked[path] = true
		}
	}
	return locked
}
