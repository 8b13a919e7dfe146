package models

// BatchTask carries enough descriptive data for an external executor to act
// on a task without further queries.
type BatchTask struct {
	ID          string   `json:"id"`
	Title       string   `json:"title"`
	Description string   `json:"description"`
	Priority    int      `json:"priority"`
	Level       int      `json:"level"`
	FileTargets []string `json:"file_targets"`
}

// Batch is an ordered set of tasks selected for concurrent execution.
// Every task has all dependencies completed and no two tasks share a file
// target.
type Batch struct {
	SessionID string      `json:"session_id"`
	Tasks     []BatchTask `json:"tasks"`
}

// Empty reports whether the batch carries no work. An empty batch means
// "wait", not "done": incomplete tasks may still be in flight elsewhere.
func (b Batch) Empty() bool {
	return len(b.Tasks) == 0
}

// IDs returns the task IDs in batch order.
func (b Batch) IDs() []string {
	ids := make([]string, len(b.Tasks))
	for i, t := range b.Tasks {
		ids[i] = t.ID
	}
	return ids
}
