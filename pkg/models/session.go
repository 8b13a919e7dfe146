package models

import "time"

type SessionStatus string

const (
	ActiveSessionStatus    SessionStatus = "ACTIVE"
	PausedSessionStatus    SessionStatus = "PAUSED"
	CompletedSessionStatus SessionStatus = "COMPLETED"
	AbortedSessionStatus   SessionStatus = "ABORTED"
)

// Session is one logical build run: the live task queue, its dependency
// graph and the registry of workers executing against it.
type Session struct {
	ID        string        `json:"id" db:"id"` // ULID, time-ordered
	Name      string        `json:"name" db:"name"`
	Status    SessionStatus `json:"status" db:"status"`
	CreatedAt time.Time     `json:"created_at" db:"created_at"`
	UpdatedAt time.Time     `json:"updated_at" db:"updated_at"`
	Tasks     []Task        `json:"tasks,omitempty" db:"-"`   // Populated at load time
	Workers   []Worker      `json:"workers,omitempty" db:"-"` // Populated at load time
}
