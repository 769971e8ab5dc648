package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/devswarm/devswarm/internal/ownership"
	"github.com/devswarm/devswarm/internal/worker"
	"github.com/devswarm/devswarm/pkg/models"
)

// OutcomeStatus classifies the result of a dispatch cycle.
type OutcomeStatus string

const (
	// OutcomeDispatched means at least one assignment went out.
	OutcomeDispatched OutcomeStatus = "dispatched"
	// OutcomeNoCapacity means every slot was already occupied.
	OutcomeNoCapacity OutcomeStatus = "no_capacity"
	// OutcomeWaiting means nothing new was dispatchable but work is
	// still in flight; completions will unlock more.
	OutcomeWaiting OutcomeStatus = "waiting"
	// OutcomeAllDone means every task is terminal.
	OutcomeAllDone OutcomeStatus = "all_done"
	// OutcomeStuck means pending tasks remain but nothing is in flight
	// and nothing can be dispatched: the run needs intervention.
	OutcomeStuck OutcomeStatus = "stuck"
)

// Outcome reports what a dispatch cycle did.
type Outcome struct {
	Status OutcomeStatus
	// DispatchedTasks lists task IDs handed out this cycle.
	DispatchedTasks []string
	// DeferredTasks lists task IDs skipped this cycle for file conflicts.
	DeferredTasks []string
	// Batches counts composite assignments among the dispatches.
	Batches int
}

// Dispatcher turns dispatch requests into concrete worker assignments.
// It is a deterministic policy: batching, conflict deferral and
// ordering never involve any reasoning step.
type Dispatcher struct {
	orc     *Orchestrator
	coord   *worker.Coordinator
	tracker *ownership.Tracker

	batching   bool
	deferLimit int

	mu sync.Mutex
	// deferCount tracks how many cycles each task was skipped for a
	// file conflict. Tasks over deferLimit jump the queue next cycle
	// so conflicts cannot starve them forever.
	deferCount map[string]int
}

// DispatcherConfig for a Dispatcher.
type DispatcherConfig struct {
	Orchestrator *Orchestrator
	Coordinator  *worker.Coordinator
	Tracker      *ownership.Tracker
	// Batching enables merging trivial/simple tasks that share a
	// batch key into one assignment.
	Batching bool
	// DeferLimit is how many conflict deferrals a task absorbs before
	// it is prioritized. Defaults to 3.
	DeferLimit int
}

// NewDispatcher creates a Dispatcher.
func NewDispatcher(cfg DispatcherConfig) *Dispatcher {
	if cfg.DeferLimit <= 0 {
		cfg.DeferLimit = 3
	}
	return &Dispatcher{
		orc:        cfg.Orchestrator,
		coord:      cfg.Coordinator,
		tracker:    cfg.Tracker,
		batching:   cfg.Batching,
		deferLimit: cfg.DeferLimit,
		deferCount: make(map[string]int),
	}
}

// unit is one dispatchable assignment: a single task, or a batch of
// trivial/simple tasks sharing a batch key.
type unit struct {
	tasks []*models.Task
}

func (u *unit) leader() *models.Task { return u.tasks[0] }

func (u *unit) taskIDs() []string {
	ids := make([]string, len(u.tasks))
	for i, t := range u.tasks {
		ids[i] = t.ID
	}
	return ids
}

func (u *unit) files() []string {
	var files []string
	for _, t := range u.tasks {
		files = append(files, t.TouchedFiles...)
	}
	return files
}

// DispatchNext runs one dispatch cycle against the given capacity:
// free slots = capacity minus workers currently working. Conflicting
// units are deferred, never fatal; the cycle dispatches whatever else
// it can.
func (d *Dispatcher) DispatchNext(ctx context.Context, capacity int) (*Outcome, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	working := 0
	for _, w := range d.coord.Workers() {
		if w.Status == models.WorkerStatusWorking {
			working++
		}
	}
	free := capacity - working
	if free <= 0 {
		return &Outcome{Status: OutcomeNoCapacity}, nil
	}

	// Consider every ready task, not just free-slot many: deferral
	// aging has to see starved candidates beyond the window, and
	// batching may fold several candidates into one slot.
	candidates := d.orc.Dispatchable(-1)
	units := d.buildUnits(candidates)
	outcome := &Outcome{}

	for _, u := range units {
		if free <= 0 {
			break
		}
		role := u.leader().Role
		if d.coord.Busy(role) {
			continue
		}

		if conflicts := d.tracker.CheckConflicts(u.files()); len(conflicts) > 0 {
			for _, t := range u.tasks {
				d.deferCount[t.ID]++
				outcome.DeferredTasks = append(outcome.DeferredTasks, t.ID)
			}
			d.orc.logger.Log("dispatch: deferred %v, files held by %v", u.taskIDs(), conflicts)
			continue
		}

		if err := d.dispatchUnit(ctx, u); err != nil {
			return nil, err
		}
		for _, t := range u.tasks {
			delete(d.deferCount, t.ID)
			outcome.DispatchedTasks = append(outcome.DispatchedTasks, t.ID)
		}
		if len(u.tasks) > 1 {
			outcome.Batches++
		}
		free--
	}

	d.classify(outcome, working)
	return outcome, nil
}

// buildUnits groups candidates into assignments in deterministic
// order, then moves units deferred past the limit to the front so
// repeated conflicts cannot starve them.
func (d *Dispatcher) buildUnits(candidates []*models.Task) []*unit {
	var units []*unit
	if d.batching {
		consumed := make(map[string]bool, len(candidates))
		for i, t := range candidates {
			if consumed[t.ID] {
				continue
			}
			u := &unit{tasks: []*models.Task{t}}
			consumed[t.ID] = true
			if t.Complexity.Batchable() {
				for _, peer := range candidates[i+1:] {
					if len(u.tasks) >= t.Complexity.BatchLimit() {
						break
					}
					if consumed[peer.ID] || peer.Complexity != t.Complexity || peer.BatchKey() != t.BatchKey() {
						continue
					}
					// Peers touching a file the unit already claims
					// cannot share its reservations; they form their
					// own unit and run after this one releases.
					if ownership.Overlaps(peer.TouchedFiles, u.files()) {
						continue
					}
					u.tasks = append(u.tasks, peer)
					consumed[peer.ID] = true
				}
			}
			units = append(units, u)
		}
	} else {
		for _, t := range candidates {
			units = append(units, &unit{tasks: []*models.Task{t}})
		}
	}

	var aged, fresh []*unit
	for _, u := range units {
		if d.deferCount[u.leader().ID] >= d.deferLimit {
			aged = append(aged, u)
		} else {
			fresh = append(fresh, u)
		}
	}
	return append(aged, fresh...)
}

// dispatchUnit reserves files, records the dispatch transitions and
// hands the assignment to the coordinator, unwinding on failure.
func (d *Dispatcher) dispatchUnit(ctx context.Context, u *unit) error {
	w := d.coord.WorkerFor(u.leader().Role)
	for _, t := range u.tasks {
		if err := d.tracker.Reserve(t.TouchedFiles, t.ID, w.ID); err != nil {
			d.releaseUnit(u)
			var conflict *ownership.ConflictError
			if errors.As(err, &conflict) {
				// CheckConflicts said these paths were free; another
				// holder appearing here is a dispatcher bug.
				return fmt.Errorf("reservation conflict after conflict check for %s: %w", t.ID, err)
			}
			return err
		}
	}

	for _, t := range u.tasks {
		if err := d.orc.Transition(t.ID, models.TaskStateDispatched, TransitionDetail{WorkerID: w.ID}); err != nil {
			d.releaseUnit(u)
			return err
		}
	}

	assignment := worker.Assignment{
		ID:           u.leader().ID,
		Role:         u.leader().Role,
		TaskIDs:      u.taskIDs(),
		Instructions: renderInstructions(u),
		Files:        u.files(),
		Handoff:      u.leader().HandoffSummary,
	}
	if err := d.coord.Submit(ctx, assignment); err != nil {
		for _, t := range u.tasks {
			if rqErr := d.orc.Requeue(t.ID, t.HandoffSummary); rqErr != nil {
				d.orc.logger.Log("WARNING: could not requeue %s after submit failure: %v", t.ID, rqErr)
			}
		}
		d.releaseUnit(u)
		return fmt.Errorf("submit %s: %w", assignment.ID, err)
	}
	return nil
}

func (d *Dispatcher) releaseUnit(u *unit) {
	for _, t := range u.tasks {
		if err := d.tracker.Release(t.ID); err != nil {
			d.orc.logger.Log("WARNING: release %s: %v", t.ID, err)
		}
	}
}

// renderInstructions builds the worker-facing instruction text for a
// unit. Batched tasks are concatenated into one composite brief.
func renderInstructions(u *unit) string {
	var b strings.Builder
	for i, t := range u.tasks {
		if i > 0 {
			b.WriteString("\n\n")
		}
		fmt.Fprintf(&b, "Task %s: %s\n", t.ID, t.Title)
		if t.Description != "" {
			b.WriteString(t.Description)
			b.WriteByte('\n')
		}
		if t.DoneWhen != "" {
			fmt.Fprintf(&b, "Done when: %s\n", t.DoneWhen)
		}
	}
	return b.String()
}

// classify decides the cycle's status when nothing was dispatched,
// distinguishing "done" from "stuck" from "still waiting on workers".
func (d *Dispatcher) classify(outcome *Outcome, working int) {
	if len(outcome.DispatchedTasks) > 0 {
		outcome.Status = OutcomeDispatched
		return
	}
	if d.orc.Done() {
		outcome.Status = OutcomeAllDone
		d.orc.emitter.Emit(Event{Type: EventAllDone})
		return
	}
	if working > 0 || len(outcome.DeferredTasks) > 0 {
		outcome.Status = OutcomeWaiting
		return
	}
	outcome.Status = OutcomeStuck
	d.orc.emitter.Emit(Event{Type: EventStuck, Message: "pending tasks exist but none are dispatchable"})
}

// HandleStart is wired as the coordinator's OnStart hook: it moves the
// unit's tasks from dispatched to in progress once execution begins.
func (d *Dispatcher) HandleStart(workerID string, assignment worker.Assignment) {
	for _, id := range assignment.TaskIDs {
		if err := d.orc.Transition(id, models.TaskStateInProgress, TransitionDetail{WorkerID: workerID}); err != nil {
			d.orc.logger.Log("WARNING: start transition for %s: %v", id, err)
		}
	}
}

// HandleResult is wired as the coordinator's OnResult hook. It applies
// the outcome to every task in the unit, releases reservations, and
// backfills the freed slot with another dispatch cycle.
func (d *Dispatcher) HandleResult(workerID string, assignment worker.Assignment, result *worker.Result, err error) {
	switch {
	case err != nil:
		reason := fmt.Sprintf("execution failed: %v", err)
		if errors.Is(err, context.Canceled) {
			reason = "halted"
		}
		for _, id := range assignment.TaskIDs {
			if trErr := d.orc.Transition(id, models.TaskStateFailed, TransitionDetail{WorkerID: workerID, Summary: reason}); trErr != nil {
				d.orc.logger.Log("WARNING: fail transition for %s: %v", id, trErr)
			}
		}
	case result.Status == worker.ResultHandoff:
		for _, id := range assignment.TaskIDs {
			if rqErr := d.orc.Requeue(id, result.Summary); rqErr != nil {
				d.orc.logger.Log("WARNING: handoff requeue for %s: %v", id, rqErr)
			}
		}
	case result.Status == worker.ResultFailed:
		for _, id := range assignment.TaskIDs {
			if trErr := d.orc.Transition(id, models.TaskStateFailed, TransitionDetail{WorkerID: workerID, Summary: result.Summary}); trErr != nil {
				d.orc.logger.Log("WARNING: fail transition for %s: %v", id, trErr)
			}
		}
	default:
		// Batch completion is atomic: every task id in the unit
		// completes together.
		for _, id := range assignment.TaskIDs {
			if trErr := d.orc.Transition(id, models.TaskStateCompleted, TransitionDetail{WorkerID: workerID, Summary: result.Summary}); trErr != nil {
				d.orc.logger.Log("WARNING: complete transition for %s: %v", id, trErr)
			}
		}
	}

	for _, id := range assignment.TaskIDs {
		if relErr := d.tracker.Release(id); relErr != nil {
			d.orc.logger.Log("WARNING: release %s: %v", id, relErr)
		}
	}

	if d.coord.Halted() {
		return
	}
	if _, dnErr := d.DispatchNext(context.Background(), 1); dnErr != nil {
		d.orc.logger.Log("WARNING: backfill dispatch: %v", dnErr)
	}
}

// OnTaskCompleted applies an externally reported completion to one
// task: release its reservations, record the terminal transition, then
// backfill the freed capacity.
func (d *Dispatcher) OnTaskCompleted(ctx context.Context, taskID string, success bool, summary string) error {
	next := models.TaskStateCompleted
	if !success {
		next = models.TaskStateFailed
	}
	if err := d.orc.Transition(taskID, next, TransitionDetail{Summary: summary}); err != nil {
		return err
	}
	if err := d.tracker.Release(taskID); err != nil {
		return err
	}
	_, err := d.DispatchNext(ctx, 1)
	return err
}
