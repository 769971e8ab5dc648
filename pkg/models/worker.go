package models

import "time"

// WorkerStatus represents the current state of a worker.
type WorkerStatus string

const (
	// WorkerStatusIdle indicates the worker is available for an assignment.
	WorkerStatusIdle WorkerStatus = "idle"
	// WorkerStatusWorking indicates the worker is executing its current task.
	WorkerStatusWorking WorkerStatus = "working"
)

// Valid returns true if the status is a known value.
func (s WorkerStatus) Valid() bool {
	return s == WorkerStatusIdle || s == WorkerStatusWorking
}

// Worker is a singleton-per-role executor. At most one live Worker
// exists per role, and a working Worker holds exactly one task.
type Worker struct {
	// ID is the unique identifier for this worker instance.
	ID string `json:"id"`
	// Role is the specialization this worker serves, e.g. "backend".
	Role string `json:"role"`
	// Status is the current state of the worker.
	Status WorkerStatus `json:"status"`
	// CurrentTaskID is the ID of the assignment in flight, if any.
	// For a batched assignment this is the ID of the first task.
	CurrentTaskID string `json:"current_task_id,omitempty"`
	// StartedAt is when the current assignment began.
	StartedAt *time.Time `json:"started_at,omitempty"`
}
