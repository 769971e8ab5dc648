package state

import "github.com/devswarm/devswarm/pkg/models"

// Store defines the persistence operations the engine needs.
// This abstraction allows substituting an in-memory store in tests.
type Store interface {
	// SaveTask inserts or updates a task's progress record.
	SaveTask(t *models.Task) error
	// GetTask retrieves a task by ID. Returns (nil, nil) when absent.
	GetTask(id string) (*models.Task, error)
	// ListTasks returns all persisted tasks ordered by (phase, number).
	ListTasks() ([]models.Task, error)

	// SaveReservation records a file reservation.
	SaveReservation(r models.Reservation) error
	// DeleteReservationsForTask removes every reservation held by a task.
	DeleteReservationsForTask(taskID string) error
	// ListReservations returns all persisted reservations ordered by path.
	ListReservations() ([]models.Reservation, error)

	// SaveCheckpoint records a pipeline checkpoint, replacing any
	// existing checkpoint for the same stage.
	SaveCheckpoint(c models.Checkpoint) error
	// DeleteCheckpoints removes the checkpoints for the named stages.
	DeleteCheckpoints(stages []string) error
	// ListCheckpoints returns all persisted checkpoints.
	ListCheckpoints() ([]models.Checkpoint, error)
}

// Verify DB implements Store at compile time.
var _ Store = (*DB)(nil)
