package main

import (
	"os"

	"github.com/spf13/cobra"
)

var projectRoot string

var rootCmd = &cobra.Command{
	Use:   "devswarm",
	Short: "Multi-agent task orchestration engine",
	Long: `Devswarm turns a markdown development plan into dispatched work for
a swarm of agent workers.

It parses the plan into a dependency graph, dispatches ready tasks to
one worker per role, batches trivial work, keeps concurrent workers
from touching the same files, and persists progress so a run can be
resumed after a restart.

Core capabilities:
- Parses phases and tasks with dependency, role and complexity tags
- Dispatches deterministically, batching trivial tasks per role
- Reserves files before dispatch so workers never collide
- Hands off oversized worker contexts to fresh workers
- Checkpoints the upstream planning pipeline for selective resume`,
}

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&projectRoot, "project", ".", "Project root directory")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(dispatchCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(haltCmd)
	rootCmd.AddCommand(checkpointCmd)
	rootCmd.AddCommand(resumeCmd)
	rootCmd.AddCommand(versionCmd)
}
