package models

import "time"

type TaskStatus string

const (
	PendingTaskStatus    TaskStatus = "PENDING"
	ReadyTaskStatus      TaskStatus = "READY"
	InProgressTaskStatus TaskStatus = "IN_PROGRESS"
	CompletedTaskStatus  TaskStatus = "COMPLETED"
	FailedTaskStatus     TaskStatus = "FAILED"
	BlockedTaskStatus    TaskStatus = "BLOCKED"
)

// Settled reports whether the status changes only through an explicit
// intervention: COMPLETED is final, BLOCKED exits via operator unblock or a
// retry cascade. FAILED is not settled, a retry moves it back to READY.
func (s TaskStatus) Settled() bool {
	return s == CompletedTaskStatus || s == BlockedTaskStatus
}

type Effort string

const (
	SmallEffort  Effort = "small"
	MediumEffort Effort = "medium"
	LargeEffort  Effort = "large"
)

// Task is the atomic unit of work. Tasks are created once at decomposition
// time and never deleted; status transitions are the only mutation.
type Task struct {
	ID             string     `json:"id" db:"id"`                            // Unique, stable identifier (e.g., "t1")
	SessionID      string     `json:"session_id" db:"session_id"`           // Owning build session
	Title          string     `json:"title" db:"title"`                     // Short human-readable name
	Description    string     `json:"description" db:"description"`         // What the executor should do
	Effort         Effort     `json:"effort" db:"effort"`                   // Informational size estimate
	Status         TaskStatus `json:"status" db:"status"`                   // Current lifecycle state
	Priority       int        `json:"priority" db:"priority"`               // Higher runs first among ties
	FeatureID      string     `json:"feature_id" db:"feature_id"`           // Originating feature, for traceability
	AssignedWorker string     `json:"assigned_worker" db:"assigned_worker"` // Empty when unassigned
	RetryCount     int        `json:"retry_count" db:"retry_count"`         // Times the task moved FAILED -> READY
	Dependencies   []string   `json:"dependencies" db:"-"`                  // Task IDs that must complete first
	FileTargets    []string   `json:"file_targets" db:"-"`                  // Paths this task will create/modify
	CreatedAt      time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at" db:"updated_at"`
}

// Clone returns a deep copy so snapshots never alias live slices.
func (t Task) Clone() Task {
	c := t
	c.Dependencies = append([]string(nil), t.Dependencies...)
	c.FileTargets = append([]string(nil), t.FileTargets...)
	return c
}

// TaskSpec is the input record produced by the spec-parsing collaborator.
// It carries everything needed to mint a Task; structural validation
// happens during graph construction.
type TaskSpec struct {
	ID           string   `json:"id"`
	Title        string   `json:"title"`
	Description  string   `json:"description"`
	Effort       Effort   `json:"effort"`
	Priority     int      `json:"priority"`
	FeatureID    string   `json:"feature_id"`
	Dependencies []string `json:"dependencies"`
	FileTargets  []string `json:"file_targets"`
}
