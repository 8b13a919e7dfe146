package models

import "time"

type WorkerStatus string

const (
	IdleWorkerStatus    WorkerStatus = "IDLE"
	BusyWorkerStatus    WorkerStatus = "BUSY"
	OfflineWorkerStatus WorkerStatus = "OFFLINE"
)

// Worker is a registered executor within a session. A worker exclusively
// owns its assigned tasks until it reports them or the liveness sweep
// reclaims them.
type Worker struct {
	ID            string       `json:"id" db:"id"`
	SessionID     string       `json:"session_id" db:"session_id"`
	Status        WorkerStatus `json:"status" db:"status"`
	LastHeartbeat time.Time    `json:"last_heartbeat" db:"last_heartbeat"`
	CurrentBatch  []string     `json:"current_batch,omitempty" db:"-"` // Task IDs currently assigned
	RegisteredAt  time.Time    `json:"registered_at" db:"registered_at"`
}

// FileLock records one file target claimed by an in-flight task. The lock
// table is the coordinator's core safety structure: no two workers may hold
// a lock on the same path at the same time.
type FileLock struct {
	SessionID  string    `json:"session_id" db:"session_id"`
	Path       string    `json:"path" db:"path"`
	TaskID     string    `json:"task_id" db:"task_id"`
	WorkerID   string    `json:"worker_id" db:"worker_id"`
	AcquiredAt time.Time `json:"acquired_at" db:"acquired_at"`
}
