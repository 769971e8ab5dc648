package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/devswarm/devswarm/internal/orchestrator"
	"github.com/devswarm/devswarm/pkg/models"
)

var dispatchCapacity int

var dispatchCmd = &cobra.Command{
	Use:   "dispatch",
	Short: "Run a single dispatch cycle",
	Long: `Dispatch runs one cycle: it hands every ready task it can to worker
agents, waits for those executions to finish (completions backfill
freed capacity within the cycle), and reports what happened.

Use this for step-at-a-time control; 'run' drives the loop for you.`,
	RunE: runDispatch,
}

func init() {
	dispatchCmd.Flags().IntVar(&dispatchCapacity, "capacity", 0, "Worker slots for this cycle (default: workers.max_parallel)")
}

func runDispatch(cmd *cobra.Command, args []string) error {
	e, err := openEngine(projectRoot)
	if err != nil {
		return err
	}
	defer e.Close()

	if err := e.recover(); err != nil {
		return fmt.Errorf("recover in-flight tasks: %w", err)
	}

	capacity := dispatchCapacity
	if capacity <= 0 {
		capacity = e.cfg.Workers.MaxParallel
	}

	go printEvents(e.orc.Events())

	outcome, err := e.disp.DispatchNext(cmd.Context(), capacity)
	if err != nil {
		return fmt.Errorf("dispatch: %w", err)
	}

	switch outcome.Status {
	case orchestrator.OutcomeAllDone:
		color.Green("all tasks done")
		return nil
	case orchestrator.OutcomeStuck:
		color.Red("stuck: pending tasks remain but none are dispatchable")
		printStuckTasks(e.orc)
		return fmt.Errorf("dispatch stuck")
	case orchestrator.OutcomeNoCapacity:
		color.Yellow("no free worker slots")
		return nil
	}

	fmt.Printf("dispatched %d task(s)", len(outcome.DispatchedTasks))
	if outcome.Batches > 0 {
		fmt.Printf(" (%d batched)", outcome.Batches)
	}
	fmt.Println()
	if len(outcome.DeferredTasks) > 0 {
		color.Yellow("deferred for file conflicts: %s", strings.Join(outcome.DeferredTasks, ", "))
	}

	// Wait for this cycle's executions (and their backfills) to drain.
	for {
		busy := false
		for _, w := range e.coord.Workers() {
			if w.Status == models.WorkerStatusWorking {
				busy = true
				break
			}
		}
		if !busy {
			break
		}
		select {
		case <-cmd.Context().Done():
			e.coord.Halt()
			return nil
		case <-time.After(200 * time.Millisecond):
		}
	}
	return nil
}
