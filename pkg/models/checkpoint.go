package models

import "time"

// Checkpoint is an immutable named snapshot of a session's queue and graph.
// Creating one never mutates live state; names are unique within a session.
type Checkpoint struct {
	ID        int64     `json:"id" db:"id"`
	SessionID string    `json:"session_id" db:"session_id"`
	Name      string    `json:"name" db:"name"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
	TaskCount int       `json:"task_count" db:"task_count"`
	Metadata  string    `json:"metadata,omitempty" db:"metadata"` // Free-form caller blob
	Tasks     []Task    `json:"tasks,omitempty" db:"-"`           // Point-in-time queue copy
	Graph     *Graph    `json:"graph,omitempty" db:"-"`           // Point-in-time graph copy
}

// StatusChange records one task whose status differs between two checkpoints.
type StatusChange struct {
	TaskID string     `json:"task_id"`
	From   TaskStatus `json:"from"`
	To     TaskStatus `json:"to"`
}

// CheckpointDiff reports the task-level differences between two checkpoints.
type CheckpointDiff struct {
	Added         []string       `json:"added"`          // Present in B, absent in A
	Removed       []string       `json:"removed"`        // Present in A, absent in B
	StatusChanged []StatusChange `json:"status_changed"` // Present in both, status differs
}
