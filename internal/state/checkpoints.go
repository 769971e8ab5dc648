package state

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/devswarm/devswarm/pkg/models"
)

// SaveCheckpoint records a pipeline checkpoint, replacing any existing
// checkpoint for the same stage.
func (db *DB) SaveCheckpoint(c models.Checkpoint) error {
	refs, _ := json.Marshal(c.ArtifactRefs)
	_, err := db.Exec(`
		INSERT INTO checkpoints (stage_name, artifact_refs, created_at)
		VALUES (?, ?, ?)
		ON CONFLICT(stage_name) DO UPDATE SET
			artifact_refs = excluded.artifact_refs,
			created_at = excluded.created_at
	`, c.StageName, string(refs), formatTime(c.CreatedAt))
	if err != nil {
		return fmt.Errorf("save checkpoint %s: %w", c.StageName, err)
	}
	return nil
}

// DeleteCheckpoints removes the checkpoints for the named stages.
func (db *DB) DeleteCheckpoints(stages []string) error {
	if len(stages) == 0 {
		return nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(stages)), ",")
	args := make([]any, len(stages))
	for i, s := range stages {
		args[i] = s
	}
	_, err := db.Exec("DELETE FROM checkpoints WHERE stage_name IN ("+placeholders+")", args...)
	if err != nil {
		return fmt.Errorf("delete checkpoints: %w", err)
	}
	return nil
}

// ListCheckpoints returns all persisted checkpoints.
func (db *DB) ListCheckpoints() ([]models.Checkpoint, error) {
	rows, err := db.Query(`
		SELECT stage_name, artifact_refs, created_at FROM checkpoints
	`)
	if err != nil {
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}
	defer rows.Close()

	var checkpoints []models.Checkpoint
	for rows.Next() {
		var c models.Checkpoint
		var refs sql.NullString
		var createdAt string
		if err := rows.Scan(&c.StageName, &refs, &createdAt); err != nil {
			return nil, fmt.Errorf("scan checkpoint: %w", err)
		}
		if refs.Valid {
			json.Unmarshal([]byte(refs.String), &c.ArtifactRefs)
		}
		c.CreatedAt, _ = parseTime(createdAt)
		checkpoints = append(checkpoints, c)
	}
	return checkpoints, rows.Err()
}
