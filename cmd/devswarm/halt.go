package main

import (
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/devswarm/devswarm/internal/state"
	"github.com/devswarm/devswarm/pkg/models"
)

var haltCmd = &cobra.Command{
	Use:   "halt <worker-id>",
	Short: "Halt a worker and fail its in-flight tasks",
	Long: `Halt marks every non-terminal task assigned to the given worker as
failed and releases the worker's file reservations. The tasks stay in
the plan and can be re-run after their state is reset.

This operates on the persisted state, so it also cleans up after a
worker whose process already died.`,
	Args: cobra.ExactArgs(1),
	RunE: runHalt,
}

func runHalt(cmd *cobra.Command, args []string) error {
	workerID := args[0]

	dbPath := state.ProjectDBPath(projectRoot)
	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		return fmt.Errorf("no active session in %s", projectRoot)
	}
	db, err := state.Open(dbPath)
	if err != nil {
		return fmt.Errorf("open state database: %w", err)
	}
	defer db.Close()
	if err := db.Migrate(); err != nil {
		return fmt.Errorf("migrate state database: %w", err)
	}

	tasks, err := db.ListTasks()
	if err != nil {
		return err
	}

	halted := 0
	for i := range tasks {
		t := &tasks[i]
		if t.AssignedWorker != workerID || t.State.Terminal() {
			continue
		}
		if t.State != models.TaskStateDispatched && t.State != models.TaskStateInProgress {
			continue
		}
		t.State = models.TaskStateFailed
		t.ResultSummary = "halted"
		if err := db.SaveTask(t); err != nil {
			return fmt.Errorf("persist halt of %s: %w", t.ID, err)
		}
		if err := db.DeleteReservationsForTask(t.ID); err != nil {
			return fmt.Errorf("release reservations of %s: %w", t.ID, err)
		}
		color.Red("halted %s: %s", t.ID, t.Title)
		halted++
	}

	if halted == 0 {
		fmt.Printf("worker %s has no in-flight tasks\n", workerID)
		return nil
	}
	fmt.Printf("halted %d task(s) for worker %s\n", halted, workerID)
	return nil
}
