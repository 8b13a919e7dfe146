package storage

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/DockeryAI/BuildRunner3-sub001/pkg/models"
	"github.com/DockeryAI/BuildRunner3-sub001/pkg/storage"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
)

type DBInterface interface {
	Get(dest interface{}, query string, args ...interface{}) error
	Select(dest interface{}, query string, args ...interface{}) error
	QueryRowx(query string, args ...interface{}) *sqlx.Row
	Exec(query string, args ...interface{}) (sql.Result, error)
}

// SQLiteStore persists all session state in a single database file so
// cooperating local workers share one durable record.
type SQLiteStore struct {
	db DBInterface
}

func NewSQLiteStore(path string) (*SQLiteStore, error) {
	// busy_timeout makes concurrent writers queue instead of erroring;
	// foreign keys are off by default in sqlite.
	db, err := sqlx.Open("sqlite3", path+"?_busy_timeout=5000&_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		return nil, err
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Begin() (storage.Store, error) {
	if db, ok := s.db.(*sqlx.DB); ok {
		tx, err := db.Beginx()
		if err != nil {
			return nil, err
		}
		return &SQLiteStore{db: tx}, nil
	}
	return nil, fmt.Errorf("cannot begin transaction on unknown type")
}

func (s *SQLiteStore) Commit() error {
	if tx, ok := s.db.(*sqlx.Tx); ok {
		return tx.Commit()
	}
	return fmt.Errorf("cannot commit: not a transaction")
}

func (s *SQLiteStore) Rollback() error {
	if tx, ok := s.db.(*sqlx.Tx); ok {
		return tx.Rollback()
	}
	return fmt.Errorf("cannot rollback: not a transaction")
}

func (s *SQLiteStore) Close() error {
	if db, ok := s.db.(*sqlx.DB); ok {
		return db.Close()
	}
	return nil // No-op for *sqlx.Tx
}

func (s *SQLiteStore) SaveSession(sess models.Session) error {
	_, err := s.db.Exec(
		"INSERT INTO sessions (id, name, status, created_at, updated_at) VALUES (?, ?, ?, ?, ?)",
		sess.ID, sess.Name, sess.Status, sess.CreatedAt, sess.UpdatedAt)
	if err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetSession(id string) (models.Session, error) {
	var sess models.Session
	err := s.db.Get(&sess, "SELECT id, name, status, created_at, updated_at FROM sessions WHERE id = ?", id)
	if err == sql.ErrNoRows {
		return models.Session{}, storage.ErrNotFound
	}
	if err != nil {
		return models.Session{}, err
	}
	return sess, nil
}

func (s *SQLiteStore) ListSessions() ([]models.Session, error) {
	sessions := []models.Session{}
	err := s.db.Select(&sessions,
		"SELECT id, name, status, created_at, updated_at FROM sessions ORDER BY created_at DESC")
	if err != nil {
		return nil, err
	}
	return sessions, nil
}

func (s *SQLiteStore) UpdateSessionStatus(id string, status models.SessionStatus) error {
	res, err := s.db.Exec("UPDATE sessions SET status = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?", status, id)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (s *SQLiteStore) SaveTask(t models.Task) error {
	_, err := s.db.Exec(`
		INSERT INTO tasks (id, session_id, title, description, effort, status, priority,
			feature_id, assigned_worker, retry_count, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.SessionID, t.Title, t.Description, t.Effort, t.Status, t.Priority,
		t.FeatureID, t.AssignedWorker, t.RetryCount, t.CreatedAt, t.UpdatedAt)
	if err != nil {
		return fmt.Errorf("save task: %w", err)
	}
	return s.saveTaskRelations(t)
}

func (s *SQLiteStore) saveTaskRelations(t models.Task) error {
	for _, dep := range t.Dependencies {
		if _, err := s.db.Exec(
			"INSERT INTO task_dependencies (session_id, task_id, depends_on) VALUES (?, ?, ?)",
			t.SessionID, t.ID, dep); err != nil {
			return fmt.Errorf("save dependency %s -> %s: %w", t.ID, dep, err)
		}
	}
	for _, path := range t.FileTargets {
		if _, err := s.db.Exec(
			"INSERT INTO task_file_targets (session_id, task_id, path) VALUES (?, ?, ?)",
			t.SessionID, t.ID, path); err != nil {
			return fmt.Errorf("save file target %s for %s: %w", path, t.ID, err)
		}
	}
	return nil
}

func (s *SQLiteStore) GetTask(sessionID, id string) (models.Task, error) {
	var task models.Task
	err := s.db.Get(&task, "SELECT * FROM tasks WHERE session_id = ? AND id = ?", sessionID, id)
	if err == sql.ErrNoRows {
		return models.Task{}, storage.ErrNotFound
	}
	if err != nil {
		return models.Task{}, err
	}
	if err := s.attachRelations(sessionID, &task); err != nil {
		return models.Task{}, err
	}
	return task, nil
}

func (s *SQLiteStore) attachRelations(sessionID string, task *models.Task) error {
	if err := s.db.Select(&task.Dependencies,
		"SELECT depends_on FROM task_dependencies WHERE session_id = ? AND task_id = ? ORDER BY depends_on",
		sessionID, task.ID); err != nil {
		return err
	}
	return s.db.Select(&task.FileTargets,
		"SELECT path FROM task_file_targets WHERE session_id = ? AND task_id = ? ORDER BY path",
		sessionID, task.ID)
}

func (s *SQLiteStore) ListTasks(sessionID string) ([]models.Task, error) {
	tasks := []models.Task{}
	err := s.db.Select(&tasks, "SELECT * FROM tasks WHERE session_id = ? ORDER BY id", sessionID)
	if err != nil {
		return nil, fmt.Errorf("list tasks for %s: %w", sessionID, err)
	}
	for i := range tasks {
		if err := s.attachRelations(sessionID, &tasks[i]); err != nil {
			return nil, err
		}
	}
	return tasks, nil
}

func (s *SQLiteStore) UpdateTask(t models.Task) error {
	res, err := s.db.Exec(`
		UPDATE tasks
		SET status = ?, assigned_worker = ?, retry_count = ?, updated_at = ?
		WHERE session_id = ? AND id = ?`,
		t.Status, t.AssignedWorker, t.RetryCount, t.UpdatedAt, t.SessionID, t.ID)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (s *SQLiteStore) ReplaceTasks(sessionID string, tasks []models.Task) error {
	for _, table := range []string{"task_file_targets", "task_dependencies", "tasks"} {
		if _, err := s.db.Exec("DELETE FROM "+table+" WHERE session_id = ?", sessionID); err != nil {
			return fmt.Errorf("clear %s: %w", table, err)
		}
	}
	for _, t := range tasks {
		if err := s.SaveTask(t); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLiteStore) SaveGraph(sessionID string, g *models.Graph) error {
	blob, err := json.Marshal(g)
	if err != nil {
		return fmt.Errorf("marshal graph: %w", err)
	}
	res, err := s.db.Exec("UPDATE sessions SET graph_json = ? WHERE id = ?", string(blob), sessionID)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (s *SQLiteStore) GetGraph(sessionID string) (*models.Graph, error) {
	var blob sql.NullString
	err := s.db.Get(&blob, "SELECT graph_json FROM sessions WHERE id = ?", sessionID)
	if err == sql.ErrNoRows {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if !blob.Valid || blob.String == "" {
		return nil, storage.ErrNotFound
	}
	g := models.NewGraph()
	if err := json.Unmarshal([]byte(blob.String), g); err != nil {
		return nil, fmt.Errorf("unmarshal graph: %w", err)
	}
	return g, nil
}

func (s *SQLiteStore) SaveWorker(w models.Worker) error {
	_, err := s.db.Exec(`
		INSERT INTO workers (id, session_id, status, last_heartbeat, registered_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (session_id, id) DO UPDATE SET status = excluded.status,
			last_heartbeat = excluded.last_heartbeat`,
		w.ID, w.SessionID, w.Status, w.LastHeartbeat, w.RegisteredAt)
	if err != nil {
		return fmt.Errorf("save worker: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetWorker(sessionID, id string) (models.Worker, error) {
	var w models.Worker
	err := s.db.Get(&w, "SELECT * FROM workers WHERE session_id = ? AND id = ?", sessionID, id)
	if err == sql.ErrNoRows {
		return models.Worker{}, storage.ErrNotFound
	}
	if err != nil {
		return models.Worker{}, err
	}
	return w, nil
}

func (s *SQLiteStore) ListWorkers(sessionID string) ([]models.Worker, error) {
	workers := []models.Worker{}
	err := s.db.Select(&workers, "SELECT * FROM workers WHERE session_id = ? ORDER BY id", sessionID)
	if err != nil {
		return nil, err
	}
	return workers, nil
}

func (s *SQLiteStore) UpdateWorker(w models.Worker) error {
	res, err := s.db.Exec(
		"UPDATE workers SET status = ?, last_heartbeat = ? WHERE session_id = ? AND id = ?",
		w.Status, w.LastHeartbeat, w.SessionID, w.ID)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (s *SQLiteStore) SaveLock(l models.FileLock) error {
	// The primary key on (session_id, path) turns a double acquisition
	// into a constraint violation rather than a silent overwrite.
	_, err := s.db.Exec(
		"INSERT INTO file_locks (session_id, path, task_id, worker_id, acquired_at) VALUES (?, ?, ?, ?, ?)",
		l.SessionID, l.Path, l.TaskID, l.WorkerID, l.AcquiredAt)
	if err != nil {
		return fmt.Errorf("acquire lock on %s: %w", l.Path, err)
	}
	return nil
}

func (s *SQLiteStore) ListLocks(sessionID string) ([]models.FileLock, error) {
	locks := []models.FileLock{}
	err := s.db.Select(&locks, "SELECT * FROM file_locks WHERE session_id = ? ORDER BY path", sessionID)
	if err != nil {
		return nil, err
	}
	return locks, nil
}

func (s *SQLiteStore) DeleteTaskLocks(sessionID, taskID string) error {
	_, err := s.db.Exec("DELETE FROM file_locks WHERE session_id = ? AND task_id = ?", sessionID, taskID)
	return err
}

func (s *SQLiteStore) DeleteWorkerLocks(sessionID, workerID string) error {
	_, err := s.db.Exec("DELETE FROM file_locks WHERE session_id = ? AND worker_id = ?", sessionID, workerID)
	return err
}

func (s *SQLiteStore) SaveCheckpoint(c models.Checkpoint) error {
	queueJSON, err := json.Marshal(c.Tasks)
	if err != nil {
		return fmt.Errorf("marshal checkpoint queue: %w", err)
	}
	graphJSON, err := json.Marshal(c.Graph)
	if err != nil {
		return fmt.Errorf("marshal checkpoint graph: %w", err)
	}
	_, err = s.db.Exec(`
		INSERT INTO checkpoints (session_id, name, created_at, task_count, metadata, queue_json, graph_json)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		c.SessionID, c.Name, c.CreatedAt, c.TaskCount, c.Metadata, string(queueJSON), string(graphJSON))
	if err != nil {
		return fmt.Errorf("save checkpoint %q: %w", c.Name, err)
	}
	return nil
}

type checkpointRow struct {
	models.Checkpoint
	QueueJSON string `db:"queue_json"`
	GraphJSON string `db:"graph_json"`
}

func (s *SQLiteStore) GetCheckpoint(sessionID, name string) (models.Checkpoint, error) {
	var row checkpointRow
	err := s.db.Get(&row, "SELECT * FROM checkpoints WHERE session_id = ? AND name = ?", sessionID, name)
	if err == sql.ErrNoRows {
		return models.Checkpoint{}, storage.ErrNotFound
	}
	if err != nil {
		return models.Checkpoint{}, err
	}
	ckpt := row.Checkpoint
	if err := json.Unmarshal([]byte(row.QueueJSON), &ckpt.Tasks); err != nil {
		return models.Checkpoint{}, fmt.Errorf("unmarshal checkpoint queue: %w", err)
	}
	ckpt.Graph = models.NewGraph()
	if err := json.Unmarshal([]byte(row.GraphJSON), ckpt.Graph); err != nil {
		return models.Checkpoint{}, fmt.Errorf("unmarshal checkpoint graph: %w", err)
	}
	return ckpt, nil
}

func (s *SQLiteStore) ListCheckpoints(sessionID string) ([]models.Checkpoint, error) {
	ckpts := []models.Checkpoint{}
	err := s.db.Select(&ckpts, `
		SELECT id, session_id, name, created_at, task_count, metadata
		FROM checkpoints WHERE session_id = ? ORDER BY created_at DESC`, sessionID)
	if err != nil {
		return nil, err
	}
	return ckpts, nil
}

func (s *SQLiteStore) DeleteCheckpoint(sessionID, name string) error {
	res, err := s.db.Exec("DELETE FROM checkpoints WHERE session_id = ? AND name = ?", sessionID, name)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storage.ErrNotFound
	}
	return nil
}
