package state

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/devswarm/devswarm/pkg/models"
)

// SaveTask inserts or updates a task's progress record.
func (db *DB) SaveTask(t *models.Task) error {
	dependsOn, _ := json.Marshal(t.DependsOn)
	touchedFiles, _ := json.Marshal(t.TouchedFiles)

	var dispatchedAt, completedAt *string
	if t.DispatchedAt != nil {
		s := formatTime(*t.DispatchedAt)
		dispatchedAt = &s
	}
	if t.CompletedAt != nil {
		s := formatTime(*t.CompletedAt)
		completedAt = &s
	}

	_, err := db.Exec(`
		INSERT INTO tasks (id, phase, number, title, description, role, depends_on,
			complexity, state, assigned_worker, result_summary, touched_files,
			blocked_reason, handoff_summary, done_when, dispatched_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			phase = excluded.phase,
			number = excluded.number,
			title = excluded.title,
			description = excluded.description,
			role = excluded.role,
			depends_on = excluded.depends_on,
			complexity = excluded.complexity,
			state = excluded.state,
			assigned_worker = excluded.assigned_worker,
			result_summary = excluded.result_summary,
			touched_files = excluded.touched_files,
			blocked_reason = excluded.blocked_reason,
			handoff_summary = excluded.handoff_summary,
			done_when = excluded.done_when,
			dispatched_at = excluded.dispatched_at,
			completed_at = excluded.completed_at
	`, t.ID, t.Phase, t.Number, t.Title, t.Description, t.Role, string(dependsOn),
		string(t.Complexity), string(t.State), t.AssignedWorker, t.ResultSummary,
		string(touchedFiles), t.BlockedReason, t.HandoffSummary, t.DoneWhen,
		dispatchedAt, completedAt)
	if err != nil {
		return fmt.Errorf("save task %s: %w", t.ID, err)
	}
	return nil
}

// GetTask retrieves a task by ID. Returns (nil, nil) when absent.
func (db *DB) GetTask(id string) (*models.Task, error) {
	row := db.QueryRow(`
		SELECT id, phase, number, title, description, role, depends_on, complexity,
			state, assigned_worker, result_summary, touched_files, blocked_reason,
			handoff_summary, done_when, dispatched_at, completed_at
		FROM tasks WHERE id = ?
	`, id)

	t, err := scanTask(row.Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}
	return t, nil
}

// ListTasks returns all persisted tasks ordered by (phase, number).
func (db *DB) ListTasks() ([]models.Task, error) {
	rows, err := db.Query(`
		SELECT id, phase, number, title, description, role, depends_on, complexity,
			state, assigned_worker, result_summary, touched_files, blocked_reason,
			handoff_summary, done_when, dispatched_at, completed_at
		FROM tasks ORDER BY phase, number
	`)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var tasks []models.Task
	for rows.Next() {
		t, err := scanTask(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		tasks = append(tasks, *t)
	}
	return tasks, rows.Err()
}

// scanTask reads one task row using the given scan function.
func scanTask(scan func(dest ...any) error) (*models.Task, error) {
	var t models.Task
	var description, dependsOn, assignedWorker, resultSummary sql.NullString
	var touchedFiles, blockedReason, handoffSummary, doneWhen sql.NullString
	var dispatchedAt, completedAt sql.NullString

	err := scan(&t.ID, &t.Phase, &t.Number, &t.Title, &description, &t.Role,
		&dependsOn, &t.Complexity, &t.State, &assignedWorker, &resultSummary,
		&touchedFiles, &blockedReason, &handoffSummary, &doneWhen,
		&dispatchedAt, &completedAt)
	if err != nil {
		return nil, err
	}

	t.Description = description.String
	t.AssignedWorker = assignedWorker.String
	t.ResultSummary = resultSummary.String
	t.BlockedReason = blockedReason.String
	t.HandoffSummary = handoffSummary.String
	t.DoneWhen = doneWhen.String
	if dependsOn.Valid {
		json.Unmarshal([]byte(dependsOn.String), &t.DependsOn)
	}
	if touchedFiles.Valid {
		json.Unmarshal([]byte(touchedFiles.String), &t.TouchedFiles)
	}
	t.DispatchedAt = parseNullableTime(dispatchedAt)
	t.CompletedAt = parseNullableTime(completedAt)
	return &t, nil
}
