package main

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/devswarm/devswarm/internal/checkpoint"
	"github.com/devswarm/devswarm/internal/state"
)

var checkpointCmd = &cobra.Command{
	Use:   "checkpoint <stage> [artifact...]",
	Short: "Record a pipeline stage checkpoint",
	Long: fmt.Sprintf(`Checkpoint snapshots the given artifact files under the project's
checkpoint directory and records the stage in the state database.
Re-checkpointing a stage replaces its previous snapshot.

Stages, in order: %s`, strings.Join(checkpoint.Stages, ", ")),
	Args: cobra.MinimumNArgs(1),
	RunE: runCheckpoint,
}

func runCheckpoint(cmd *cobra.Command, args []string) error {
	mgr, db, err := openCheckpointManager()
	if err != nil {
		return err
	}
	defer db.Close()

	cp, err := mgr.Checkpoint(args[0], args[1:])
	if err != nil {
		return err
	}
	color.Green("checkpointed stage %s (%d artifacts)", cp.StageName, len(cp.ArtifactRefs))
	return nil
}

func openCheckpointManager() (*checkpoint.Manager, *state.DB, error) {
	absRoot, err := filepath.Abs(projectRoot)
	if err != nil {
		return nil, nil, fmt.Errorf("resolve project root: %w", err)
	}
	db, err := state.OpenProject(absRoot)
	if err != nil {
		return nil, nil, fmt.Errorf("open state database: %w", err)
	}
	if err := db.Migrate(); err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("migrate state database: %w", err)
	}
	mgr := checkpoint.NewManager(db, filepath.Join(absRoot, ".devswarm", "checkpoints"))
	return mgr, db, nil
}
