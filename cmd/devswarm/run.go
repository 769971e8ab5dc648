package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/devswarm/devswarm/internal/orchestrator"
	"github.com/devswarm/devswarm/internal/plan"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the dispatch loop until the plan is done",
	Long: `Run drives the plan to completion: it dispatches every ready task to
worker agents, backfills freed capacity as completions arrive, and
keeps going until everything is terminal or nothing can proceed.

Progress survives restarts: completed work is never re-dispatched, and
tasks that were in flight when a previous run died are re-queued.
Interrupt with Ctrl-C to halt all workers cleanly.`,
	RunE: runRun,
}

func runRun(cmd *cobra.Command, args []string) error {
	e, err := openEngine(projectRoot)
	if err != nil {
		return err
	}
	defer e.Close()

	if err := e.recover(); err != nil {
		return fmt.Errorf("recover in-flight tasks: %w", err)
	}

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	go printEvents(e.orc.Events())

	if e.cfg.Plan.Watch {
		watcher, err := plan.NewWatcher(e.planPath(),
			func(res *plan.Result) {
				for _, m := range res.Malformed {
					fmt.Fprintf(os.Stderr, "warning: skipping malformed %s\n", m)
				}
				if err := e.orc.Initialize(res); err != nil {
					fmt.Fprintf(os.Stderr, "warning: plan re-parse not applied: %v\n", err)
				}
			},
			func(err error) {
				fmt.Fprintf(os.Stderr, "warning: plan watch: %v\n", err)
			})
		if err != nil {
			fmt.Fprintf(os.Stderr, "warning: plan watching disabled: %v\n", err)
		} else {
			defer watcher.Close()
		}
	}

	interrupts := make(chan os.Signal, 1)
	signal.Notify(interrupts, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(interrupts)
	go func() {
		<-interrupts
		color.Yellow("interrupted: halting workers...")
		e.coord.Halt()
		cancel()
	}()

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		outcome, err := e.disp.DispatchNext(ctx, e.cfg.Workers.MaxParallel)
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
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func printStuckTasks(orc *orchestrator.Orchestrator) {
	for _, t := range orc.Tasks() {
		if t.State.Terminal() {
			continue
		}
		reason := "dependencies unmet"
		if t.BlockedReason != "" {
			reason = t.BlockedReason
		}
		fmt.Printf("  %s: %s [%s] %s\n", t.ID, t.Title, t.State, reason)
	}
}

func printEvents(events <-chan orchestrator.Event) {
	for ev := range events {
		switch ev.Type {
		case orchestrator.EventTaskDispatched:
			color.Cyan("-> %s dispatched to %s", ev.TaskID, ev.WorkerID)
		case orchestrator.EventTaskStarted:
			fmt.Printf("   %s started\n", ev.TaskID)
		case orchestrator.EventTaskCompleted:
			color.Green("ok %s completed", ev.TaskID)
		case orchestrator.EventTaskFailed:
			color.Red("!! %s failed: %s", ev.TaskID, ev.Message)
		case orchestrator.EventTaskBlocked:
			color.Yellow("-- %s blocked: %s", ev.TaskID, ev.Message)
		case orchestrator.EventTaskRequeued:
			color.Yellow("<- %s returned to queue", ev.TaskID)
		case orchestrator.EventPhaseCompleted:
			color.Green("== phase %d complete", ev.Phase)
		}
	}
}
