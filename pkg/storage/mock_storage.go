package storage

import (
	"sync"
	"time"

	"github.com/DockeryAI/BuildRunner3-sub001/pkg/models"
	"github.com/pkg/errors"
)

// mockStore implements Store with in-memory state for tests. Transactions
// are simulated: Begin returns the same instance and Rollback is a no-op.
type mockStore struct {
	mu          sync.Mutex
	sessions    []models.Session
	tasks       []models.Task
	graphs      map[string]*models.Graph
	workers     []models.Worker
	locks       []models.FileLock
	checkpoints []models.Checkpoint
	nextCkptID  int64
}

// NewMockStore returns an empty in-memory Store.
func NewMockStore() Store {
	return &mockStore{graphs: make(map[string]*models.Graph)}
}

func (m *mockStore) Begin() (Store, error) { return m, nil }
func (m *mockStore) Commit() error         { return nil }
func (m *mockStore) Rollback() error       { return nil }
func (m *mockStore) Close() error          { return nil }

func (m *mockStore) SaveSession(s models.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.sessions {
		if existing.ID == s.ID {
			return errors.New("session already exists")
		}
	}
	m.sessions = append(m.sessions, s)
	return nil
}

func (m *mockStore) GetSession(id string) (models.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.sessions {
		if s.ID == id {
			return s, nil
		}
	}
	return models.Session{}, ErrNotFound
}

func (m *mockStore) ListSessions() ([]models.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]models.Session(nil), m.sessions...), nil
}

func (m *mockStore) UpdateSessionStatus(id string, status models.SessionStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, s := range m.sessions {
		if s.ID == id {
			m.sessions[i].Status = status
			m.sessions[i].UpdatedAt = time.Now()
			return nil
		}
	}
	return ErrNotFound
}

func (m *mockStore) SaveTask(t models.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.tasks {
		if existing.ID == t.ID && existing.SessionID == t.SessionID {
			return errors.New("task already exists")
		}
	}
	m.tasks = append(m.tasks, t.Clone())
	return nil
}

func (m *mockStore) GetTask(sessionID, id string) (models.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range m.tasks {
		if t.ID == id && t.SessionID == sessionID {
			return t.Clone(), nil
		}
	}
	return models.Task{}, ErrNotFound
}

func (m *mockStore) ListTasks(sessionID string) ([]models.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Task
	for _, t := range m.tasks {
		if t.SessionID == sessionID {
			out = append(out, t.Clone())
		}
	}
	return out, nil
}

func (m *mockStore) UpdateTask(t models.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, existing := range m.tasks {
		if existing.ID == t.ID && existing.SessionID == t.SessionID {
			m.tasks[i] = t.Clone()
			return nil
		}
	}
	return ErrNotFound
}

func (m *mockStore) ReplaceTasks(sessionID string, tasks []models.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.tasks[:0]
	for _, t := range m.tasks {
		if t.SessionID != sessionID {
			kept = append(kept, t)
		}
	}
	m.tasks = kept
	for _, t := range tasks {
		m.tasks = append(m.tasks, t.Clone())
	}
	return nil
}

func (m *mockStore) SaveGraph(sessionID string, g *models.Graph) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.graphs[sessionID] = g.Clone()
	return nil
}

func (m *mockStore) GetGraph(sessionID string) (*models.Graph, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.graphs[sessionID]
	if !ok {
		return nil, ErrNotFound
	}
	return g.Clone(), nil
}

func (m *mockStore) SaveWorker(w models.Worker) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, existing := range m.workers {
		if existing.ID == w.ID && existing.SessionID == w.SessionID {
			m.workers[i] = w // re-registration overwrites
			return nil
		}
	}
	m.workers = append(m.workers, w)
	return nil
}

func (m *mockStore) GetWorker(sessionID, id string) (models.Worker, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, w := range m.workers {
		if w.ID == id && w.SessionID == sessionID {
			return w, nil
		}
	}
	return models.Worker{}, ErrNotFound
}

func (m *mockStore) ListWorkers(sessionID string) ([]models.Worker, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Worker
	for _, w := range m.workers {
		if w.SessionID == sessionID {
			out = append(out, w)
		}
	}
	return out, nil
}

func (m *mockStore) UpdateWorker(w models.Worker) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, existing := range m.workers {
		if existing.ID == w.ID && existing.SessionID == w.SessionID {
			m.workers[i] = w
			return nil
		}
	}
	return ErrNotFound
}

func (m *mockStore) SaveLock(l models.FileLock) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.locks {
		if existing.SessionID == l.SessionID && existing.Path == l.Path {
			return errors.Errorf("lock already held on %s", l.Path)
		}
	}
	m.locks = append(m.locks, l)
	return nil
}

func (m *mockStore) ListLocks(sessionID string) ([]models.FileLock, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.FileLock
	for _, l := range m.locks {
		if l.SessionID == sessionID {
			out = append(out, l)
		}
	}
	return out, nil
}

func (m *mockStore) DeleteTaskLocks(sessionID, taskID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.locks[:0]
	for _, l := range m.locks {
		if !(l.SessionID == sessionID && l.TaskID == taskID) {
			kept = append(kept, l)
		}
	}
	m.locks = kept
	return nil
}

func (m *mockStore) DeleteWorkerLocks(sessionID, workerID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.locks[:0]
	for _, l := range m.locks {
		if !(l.SessionID == sessionID && l.WorkerID == workerID) {
			kept = append(kept, l)
		}
	}
	m.locks = kept
	return nil
}

func (m *mockStore) SaveCheckpoint(c models.Checkpoint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.checkpoints {
		if existing.SessionID == c.SessionID && existing.Name == c.Name {
			return errors.Errorf("checkpoint %q already exists", c.Name)
		}
	}
	m.nextCkptID++
	c.ID = m.nextCkptID
	m.checkpoints = append(m.checkpoints, cloneCheckpoint(c))
	return nil
}

func (m *mockStore) GetCheckpoint(sessionID, name string) (models.Checkpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.checkpoints {
		if c.SessionID == sessionID && c.Name == name {
			return cloneCheckpoint(c), nil
		}
	}
	return models.Checkpoint{}, ErrNotFound
}

func (m *mockStore) ListCheckpoints(sessionID string) ([]models.Checkpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Checkpoint
	for _, c := range m.checkpoints {
		if c.SessionID == sessionID {
			meta := c
			meta.Tasks = nil
			meta.Graph = nil
			out = append(out, meta)
		}
	}
	return out, nil
}

func (m *mockStore) DeleteCheckpoint(sessionID, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, c := range m.checkpoints {
		if c.SessionID == sessionID && c.Name == name {
			m.checkpoints = append(m.checkpoints[:i], m.checkpoints[i+1:]...)
			return nil
		}
	}
	return ErrNotFound
}

func cloneCheckpoint(c models.Checkpoint) models.Checkpoint {
	out := c
	out.Tasks = make([]models.Task, len(c.Tasks))
	for i, t := range c.Tasks {
		out.Tasks[i] = t.Clone()
	}
	if c.Graph != nil {
		out.Graph = c.Graph.Clone()
	}
	return out
}
