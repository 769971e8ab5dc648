package models

// PhaseState represents the derived state of a phase. It is never set
// directly; it is a pure function of the phase's tasks.
type PhaseState string

const (
	PhaseNotStarted PhaseState = "not_started"
	PhaseInProgress PhaseState = "in_progress"
	PhaseCompleted  PhaseState = "completed"
)

// Phase is an ordered grouping of tasks from the plan document.
type Phase struct {
	// Number is the ordinal of the phase in the plan.
	Number int `json:"number"`
	// Title is the phase heading text.
	Title string `json:"title"`
	// TaskIDs lists the tasks belonging to this phase in plan order.
	TaskIDs []string `json:"task_ids"`
	// State is derived from the phase's tasks via DerivePhaseState and
	// recomputed on every task transition.
	State PhaseState `json:"state"`
}

// DerivePhaseState computes a phase's state from its tasks' states.
// A phase with no tasks is considered completed.
func DerivePhaseState(tasks []*Task) PhaseState {
	if len(tasks) == 0 {
		return PhaseCompleted
	}
	allDone := true
	anyTouched := false
	for _, t := range tasks {
		if t.State != TaskStateCompleted {
			allDone = false
		}
		if t.State != TaskStatePending {
			anyTouched = true
		}
	}
	switch {
	case allDone:
		return PhaseCompleted
	case anyTouched:
		return PhaseInProgress
	default:
		return PhaseNotStarted
	}
}
