package state

import (
	"fmt"

	"github.com/devswarm/devswarm/pkg/models"
)

// SaveReservation records a file reservation, replacing any existing
// record for the same path.
func (db *DB) SaveReservation(r models.Reservation) error {
	_, err := db.Exec(`
		INSERT INTO reservations (path, task_id, worker_id, reserved_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(path) DO UPDATE SET
			task_id = excluded.task_id,
			worker_id = excluded.worker_id,
			reserved_at = excluded.reserved_at
	`, r.Path, r.TaskID, r.WorkerID, formatTime(r.ReservedAt))
	if err != nil {
		return fmt.Errorf("save reservation %s: %w", r.Path, err)
	}
	return nil
}

// DeleteReservationsForTask removes every reservation held by a task.
func (db *DB) DeleteReservationsForTask(taskID string) error {
	_, err := db.Exec("DELETE FROM reservations WHERE task_id = ?", taskID)
	if err != nil {
		return fmt.Errorf("delete reservations for task %s: %w", taskID, err)
	}
	return nil
}

// ListReservations returns all persisted reservations ordered by path.
func (db *DB) ListReservations() ([]models.Reservation, error) {
	rows, err := db.Query(`
		SELECT path, task_id, worker_id, reserved_at
		FROM reservations ORDER BY path
	`)
	if err != nil {
		return nil, fmt.Errorf("list reservations: %w", err)
	}
	defer rows.Close()

	var reservations []models.Reservation
	for rows.Next() {
		var r models.Reservation
		var reservedAt string
		if err := rows.Scan(&r.Path, &r.TaskID, &r.WorkerID, &reservedAt); err != nil {
			return nil, fmt.Errorf("scan reservation: %w", err)
		}
		r.ReservedAt, _ = parseTime(reservedAt)
		reservations = append(reservations, r)
	}
	return reservations, rows.Err()
}
