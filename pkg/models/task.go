package models

import (
	"fmt"
	"time"
)

// TaskState represents the current state of a task.
type TaskState string

const (
	// TaskStatePending indicates the task has not been handed to a worker.
	TaskStatePending TaskState = "pending"
	// TaskStateDispatched indicates the task is assigned to a worker that
	// has not started executing yet.
	TaskStateDispatched TaskState = "dispatched"
	// TaskStateInProgress indicates a worker is actively executing the task.
	TaskStateInProgress TaskState = "in_progress"
	// TaskStateCompleted indicates the task finished successfully.
	TaskStateCompleted TaskState = "completed"
	// TaskStateFailed indicates the task finished unsuccessfully.
	TaskStateFailed TaskState = "failed"
	// TaskStateBlocked indicates the task cannot proceed until a human or
	// tooling intervention clears the blocking condition.
	TaskStateBlocked TaskState = "blocked"
)

// Valid returns true if the state is a known value.
func (s TaskState) Valid() bool {
	switch s {
	case TaskStatePending, TaskStateDispatched, TaskStateInProgress,
		TaskStateCompleted, TaskStateFailed, TaskStateBlocked:
		return true
	default:
		return false
	}
}

// Terminal returns true for states a task can never leave.
func (s TaskState) Terminal() bool {
	return s == TaskStateCompleted || s == TaskStateFailed
}

// stateRank orders the forward path of the task state machine.
// BLOCKED sits outside the ordering and is handled explicitly.
var stateRank = map[TaskState]int{
	TaskStatePending:    0,
	TaskStateDispatched: 1,
	TaskStateInProgress: 2,
	TaskStateCompleted:  3,
	TaskStateFailed:     3,
}

// CanTransition reports whether moving from s to next is legal.
// The forward path is pending -> dispatched -> in_progress -> completed|failed.
// BLOCKED is reachable from any pre-completed state; the only move out of
// BLOCKED is back to pending once the blocking condition clears.
func (s TaskState) CanTransition(next TaskState) bool {
	if !s.Valid() || !next.Valid() || s == next {
		return false
	}
	if s.Terminal() {
		return false
	}
	if next == TaskStateBlocked {
		return true
	}
	if s == TaskStateBlocked {
		return next == TaskStatePending
	}
	// Failure is legal from any non-terminal state (halt, dispatch error).
	if next == TaskStateFailed {
		return true
	}
	return stateRank[next] > stateRank[s]
}

// Complexity classifies how much work a task represents. It governs
// batching eligibility: only trivial and simple tasks may be merged into
// a single worker assignment.
type Complexity string

const (
	ComplexityTrivial Complexity = "trivial"
	ComplexitySimple  Complexity = "simple"
	ComplexityMedium  Complexity = "medium"
	ComplexityComplex Complexity = "complex"
)

// Valid returns true if the complexity is a known value.
func (c Complexity) Valid() bool {
	switch c {
	case ComplexityTrivial, ComplexitySimple, ComplexityMedium, ComplexityComplex:
		return true
	default:
		return false
	}
}

// Batchable returns true if tasks of this complexity may be merged with
// other tasks into one assignment.
func (c Complexity) Batchable() bool {
	return c == ComplexityTrivial || c == ComplexitySimple
}

// BatchLimit returns the maximum number of tasks of this complexity that
// may share one assignment.
func (c Complexity) BatchLimit() int {
	switch c {
	case ComplexityTrivial:
		return 5
	case ComplexitySimple:
		return 3
	default:
		return 1
	}
}

// Task represents a unit of dispatchable work drawn from the plan.
type Task struct {
	// ID is the phase-scoped ordinal identifier, e.g. "1.2".
	ID string `json:"id"`
	// Phase is the number of the phase this task belongs to.
	Phase int `json:"phase"`
	// Number is the ordinal of the task within its phase.
	Number int `json:"number"`
	// Title is the one-line description of the task.
	Title string `json:"title"`
	// Description is the instruction text passed verbatim to a worker.
	Description string `json:"description,omitempty"`
	// Role is the worker specialization this task requires.
	Role string `json:"role"`
	// DependsOn lists task IDs that must be completed before dispatch.
	DependsOn []string `json:"depends_on,omitempty"`
	// Complexity governs batching eligibility.
	Complexity Complexity `json:"complexity"`
	// State is the current state of the task.
	State TaskState `json:"state"`
	// AssignedWorker is the ID of the worker holding this task, if any.
	AssignedWorker string `json:"assigned_worker,omitempty"`
	// ResultSummary is the structured summary reported on completion or failure.
	ResultSummary string `json:"result_summary,omitempty"`
	// TouchedFiles lists the workspace paths this task declares it will modify.
	TouchedFiles []string `json:"touched_files,omitempty"`
	// BlockedReason records why the task is blocked, if it is.
	BlockedReason string `json:"blocked_reason,omitempty"`
	// HandoffSummary carries condensed context when the task is reassigned
	// to a fresh worker instead of killing an oversized execution.
	HandoffSummary string `json:"handoff_summary,omitempty"`
	// DoneWhen is the completion criterion from the plan document.
	DoneWhen string `json:"done_when,omitempty"`
	// DispatchedAt is when the task was last handed to a worker.
	DispatchedAt *time.Time `json:"dispatched_at,omitempty"`
	// CompletedAt is when the task reached a terminal state.
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// BatchKey groups tasks that may be merged into one assignment:
// same role, same phase.
func (t *Task) BatchKey() string {
	return fmt.Sprintf("%s/phase%d", t.Role, t.Phase)
}

// Dispatchable reports whether the task itself is in a dispatchable
// state. Dependency satisfaction is the graph's concern, not the task's.
func (t *Task) Dispatchable() bool {
	return t.State == TaskStatePending
}
