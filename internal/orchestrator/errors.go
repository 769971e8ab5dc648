package orchestrator

import "errors"

var (
	// ErrInvalidTransition indicates an illegal state move. This is a
	// contract violation: a correct dispatcher never triggers it.
	ErrInvalidTransition = errors.New("invalid task state transition")

	// ErrDependencyUnmet indicates a task was offered for dispatch
	// before its dependencies completed.
	ErrDependencyUnmet = errors.New("task dependencies not met")

	// ErrUnknownTask indicates a task ID not present in the graph.
	ErrUnknownTask = errors.New("unknown task")
)
