package models

import "time"

// Checkpoint is a named snapshot point in the upstream planning
// pipeline. Checkpoints are ordered by the pipeline's fixed stage
// sequence and are independent of task or worker state.
type Checkpoint struct {
	// StageName identifies the pipeline stage this checkpoint captures.
	StageName string `json:"stage_name"`
	// ArtifactRefs lists the stored artifact paths for this stage.
	ArtifactRefs []string `json:"artifact_refs"`
	// CreatedAt is when the checkpoint was written.
	CreatedAt time.Time `json:"created_at"`
}

// Reservation is an exclusive claim on a workspace path held by the
// task currently allowed to modify it.
type Reservation struct {
	// Path is the reserved workspace path, normalized with forward slashes.
	Path string `json:"path"`
	// TaskID is the task holding the reservation.
	TaskID string `json:"task_id"`
	// WorkerID is the worker executing the owning task.
	WorkerID string `json:"worker_id"`
	// ReservedAt is when the claim was recorded.
	ReservedAt time.Time `json:"reserved_at"`
}
