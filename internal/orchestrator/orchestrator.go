package orchestrator

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/devswarm/devswarm/internal/graph"
	"github.com/devswarm/devswarm/internal/plan"
	"github.com/devswarm/devswarm/internal/state"
	"github.com/devswarm/devswarm/pkg/models"
	"github.com/devswarm/devswarm/pkg/retry"
)

// Orchestrator owns canonical task and phase state. All mutations go
// through it under one mutex: deciding what runs next is serialized,
// only the executions themselves are parallel.
type Orchestrator struct {
	mu     sync.Mutex
	graph  *graph.DependencyGraph
	phases map[int]*models.Phase
	store  state.Store

	emitter  *EventEmitter
	viewPath string
	logger   *DebugLogger
	now      func() time.Time
}

// Config for an Orchestrator.
type Config struct {
	// Store persists task state. Nil disables persistence (tests).
	Store state.Store
	// ViewPath is where the task-queue view is written. Empty disables
	// view generation.
	ViewPath string
	// Logger receives debug output. Nil means no logging.
	Logger *DebugLogger
	// EventBuffer sizes the event channel; defaults to 100.
	EventBuffer int
}

// TransitionDetail carries optional context for a state transition.
type TransitionDetail struct {
	// WorkerID is the worker involved, for dispatch and progress moves.
	WorkerID string
	// Summary is the structured result summary on completion or failure.
	Summary string
}

// New creates an Orchestrator. Call Initialize before use.
func New(cfg Config) *Orchestrator {
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = 100
	}
	return &Orchestrator{
		graph:    graph.New(),
		phases:   make(map[int]*models.Phase),
		store:    cfg.Store,
		emitter:  NewEventEmitter(cfg.EventBuffer),
		viewPath: cfg.ViewPath,
		logger:   cfg.Logger,
		now:      time.Now,
	}
}

// Events returns the orchestrator's event stream.
func (o *Orchestrator) Events() <-chan Event {
	return o.emitter.Events()
}

// Initialize builds the task graph from a parsed plan and overlays any
// persisted progress by task ID. The plan text is the structural source
// of truth; the store is the progress source of truth, so a task that
// disappeared from the plan is dropped and a task already completed is
// not reintroduced as pending.
func (o *Orchestrator) Initialize(parsed *plan.Result) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	tasks := make([]*models.Task, len(parsed.Tasks))
	for i, t := range parsed.Tasks {
		copied := *t
		tasks[i] = &copied
	}

	if o.store != nil {
		persisted, err := o.store.ListTasks()
		if err != nil {
			return fmt.Errorf("load persisted tasks: %w", err)
		}
		byID := make(map[string]models.Task, len(persisted))
		for _, p := range persisted {
			byID[p.ID] = p
		}
		for _, t := range tasks {
			p, ok := byID[t.ID]
			if !ok || !p.State.Valid() {
				continue
			}
			t.State = p.State
			t.AssignedWorker = p.AssignedWorker
			t.ResultSummary = p.ResultSummary
			t.BlockedReason = p.BlockedReason
			t.HandoffSummary = p.HandoffSummary
			t.TouchedFiles = overlayFiles(t.TouchedFiles, p.TouchedFiles)
			t.DispatchedAt = p.DispatchedAt
			t.CompletedAt = p.CompletedAt
		}
	}

	if err := o.graph.Build(tasks); err != nil {
		return fmt.Errorf("build task graph: %w", err)
	}

	o.phases = make(map[int]*models.Phase, len(parsed.Phases))
	for _, p := range parsed.Phases {
		copied := *p
		copied.State = models.DerivePhaseState(o.phaseTasksLocked(&copied))
		o.phases[p.Number] = &copied
	}

	o.logger.Log("initialized: %d tasks, %d phases", len(tasks), len(o.phases))
	o.writeViewLocked(true)
	return nil
}

// overlayFiles prefers the plan's file list, falling back to what a
// running worker reported before the restart.
func overlayFiles(planned, persisted []string) []string {
	if len(planned) > 0 {
		return planned
	}
	return persisted
}

// Recover resets tasks that were in flight when the previous process
// died back to pending so they are re-dispatched. Call after
// Initialize, before the first dispatch cycle.
func (o *Orchestrator) Recover() error {
	o.mu.Lock()
	defer o.mu.Unlock()

	for _, t := range o.graph.Tasks() {
		if t.State != models.TaskStateDispatched && t.State != models.TaskStateInProgress {
			continue
		}
		o.logger.Log("recovery: task %s was %s, resetting to pending", t.ID, t.State)
		t.State = models.TaskStatePending
		t.AssignedWorker = ""
		t.DispatchedAt = nil
		o.persistLocked(t)
	}
	o.recomputePhasesLocked()
	o.writeViewLocked(false)
	return nil
}

// Dispatchable returns up to max tasks whose dependencies are all
// completed, ordered by (phase, task number) for determinism. Tasks
// already dispatched or in progress are never returned.
func (o *Orchestrator) Dispatchable(max int) []*models.Task {
	o.mu.Lock()
	defer o.mu.Unlock()

	ready := o.graph.Ready()
	if max >= 0 && len(ready) > max {
		ready = ready[:max]
	}
	out := make([]*models.Task, len(ready))
	for i, t := range ready {
		copied := *t
		out[i] = &copied
	}
	return out
}

// Transition moves a task to a new state after validating the move
// against the state machine. Illegal moves fail with
// ErrInvalidTransition and change nothing.
func (o *Orchestrator) Transition(taskID string, next models.TaskState, detail TransitionDetail) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.transitionLocked(taskID, next, detail)
}

func (o *Orchestrator) transitionLocked(taskID string, next models.TaskState, detail TransitionDetail) error {
	t := o.graph.Task(taskID)
	if t == nil {
		return fmt.Errorf("%w: %s", ErrUnknownTask, taskID)
	}
	if !t.State.CanTransition(next) {
		return fmt.Errorf("%w: task %s cannot move %s -> %s", ErrInvalidTransition, taskID, t.State, next)
	}
	if next == models.TaskStateDispatched && !o.graph.DependenciesMet(taskID) {
		return fmt.Errorf("%w: task %s", ErrDependencyUnmet, taskID)
	}

	prev := t.State
	t.State = next
	switch next {
	case models.TaskStateDispatched:
		t.AssignedWorker = detail.WorkerID
		now := o.now()
		t.DispatchedAt = &now
	case models.TaskStateInProgress:
		if detail.WorkerID != "" {
			t.AssignedWorker = detail.WorkerID
		}
	case models.TaskStateCompleted, models.TaskStateFailed:
		t.ResultSummary = detail.Summary
		now := o.now()
		t.CompletedAt = &now
	}

	o.logger.Log("transition: %s %s -> %s (worker=%s)", taskID, prev, next, t.AssignedWorker)
	o.persistLocked(t)
	o.recomputePhasesLocked()
	o.writeViewLocked(false)
	o.emitTransitionLocked(t, next)
	return nil
}

func (o *Orchestrator) emitTransitionLocked(t *models.Task, next models.TaskState) {
	var typ EventType
	switch next {
	case models.TaskStateDispatched:
		typ = EventTaskDispatched
	case models.TaskStateInProgress:
		typ = EventTaskStarted
	case models.TaskStateCompleted:
		typ = EventTaskCompleted
	case models.TaskStateFailed:
		typ = EventTaskFailed
	case models.TaskStateBlocked:
		typ = EventTaskBlocked
	case models.TaskStatePending:
		typ = EventTaskRequeued
	}
	o.emitter.Emit(Event{
		Type:     typ,
		TaskID:   t.ID,
		WorkerID: t.AssignedWorker,
		Phase:    t.Phase,
		Message:  t.ResultSummary,
	})

	if phase, ok := o.phases[t.Phase]; ok && phase.State == models.PhaseCompleted && next.Terminal() {
		o.emitter.Emit(Event{Type: EventPhaseCompleted, Phase: t.Phase})
	}
}

// MarkBlocked moves a task to blocked with a human-readable reason.
func (o *Orchestrator) MarkBlocked(taskID, reason string) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	t := o.graph.Task(taskID)
	if t == nil {
		return fmt.Errorf("%w: %s", ErrUnknownTask, taskID)
	}
	if !t.State.CanTransition(models.TaskStateBlocked) {
		return fmt.Errorf("%w: task %s cannot move %s -> %s", ErrInvalidTransition, taskID, t.State, models.TaskStateBlocked)
	}

	t.State = models.TaskStateBlocked
	t.BlockedReason = reason
	o.logger.Log("blocked: %s (%s)", taskID, reason)
	o.persistLocked(t)
	o.recomputePhasesLocked()
	o.writeViewLocked(false)
	o.emitter.Emit(Event{Type: EventTaskBlocked, TaskID: taskID, Phase: t.Phase, Message: reason})
	return nil
}

// Unblock returns a blocked task to pending.
func (o *Orchestrator) Unblock(taskID string) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	t := o.graph.Task(taskID)
	if t == nil {
		return fmt.Errorf("%w: %s", ErrUnknownTask, taskID)
	}
	if t.State != models.TaskStateBlocked {
		return fmt.Errorf("%w: task %s is %s, not blocked", ErrInvalidTransition, taskID, t.State)
	}

	t.State = models.TaskStatePending
	t.BlockedReason = ""
	o.logger.Log("unblocked: %s", taskID)
	o.persistLocked(t)
	o.recomputePhasesLocked()
	o.writeViewLocked(false)
	o.emitter.Emit(Event{Type: EventTaskRequeued, TaskID: taskID, Phase: t.Phase})
	return nil
}

// Requeue returns an in-flight task to pending carrying a handoff
// summary, so the next dispatch hands a fresh worker the summary
// instead of the full history. This is the one sanctioned backward
// move besides unblocking.
func (o *Orchestrator) Requeue(taskID, handoffSummary string) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	t := o.graph.Task(taskID)
	if t == nil {
		return fmt.Errorf("%w: %s", ErrUnknownTask, taskID)
	}
	if t.State != models.TaskStateDispatched && t.State != models.TaskStateInProgress {
		return fmt.Errorf("%w: task %s is %s, not in flight", ErrInvalidTransition, taskID, t.State)
	}

	t.State = models.TaskStatePending
	t.AssignedWorker = ""
	t.DispatchedAt = nil
	t.HandoffSummary = handoffSummary
	o.logger.Log("requeued with handoff: %s", taskID)
	o.persistLocked(t)
	o.recomputePhasesLocked()
	o.writeViewLocked(false)
	o.emitter.Emit(Event{Type: EventTaskRequeued, TaskID: taskID, Phase: t.Phase, Message: handoffSummary})
	return nil
}

// Task returns a copy of the task with the given ID, or nil.
func (o *Orchestrator) Task(taskID string) *models.Task {
	o.mu.Lock()
	defer o.mu.Unlock()

	t := o.graph.Task(taskID)
	if t == nil {
		return nil
	}
	copied := *t
	return &copied
}

// Tasks returns copies of all tasks ordered by (phase, task number).
func (o *Orchestrator) Tasks() []*models.Task {
	o.mu.Lock()
	defer o.mu.Unlock()

	tasks := o.graph.Tasks()
	out := make([]*models.Task, len(tasks))
	for i, t := range tasks {
		copied := *t
		out[i] = &copied
	}
	return out
}

// Phases returns copies of all phases with derived states, in order.
func (o *Orchestrator) Phases() []models.Phase {
	o.mu.Lock()
	defer o.mu.Unlock()

	out := make([]models.Phase, 0, len(o.phases))
	for _, p := range o.phases {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Number < out[j].Number })
	return out
}

// Done reports whether every task in the graph is terminal.
func (o *Orchestrator) Done() bool {
	o.mu.Lock()
	defer o.mu.Unlock()

	for _, t := range o.graph.Tasks() {
		if !t.State.Terminal() {
			return false
		}
	}
	return true
}

// phaseTasksLocked returns the tasks belonging to a phase.
func (o *Orchestrator) phaseTasksLocked(p *models.Phase) []*models.Task {
	tasks := make([]*models.Task, 0, len(p.TaskIDs))
	for _, id := range p.TaskIDs {
		if t := o.graph.Task(id); t != nil {
			tasks = append(tasks, t)
		}
	}
	return tasks
}

func (o *Orchestrator) recomputePhasesLocked() {
	for _, p := range o.phases {
		p.State = models.DerivePhaseState(o.phaseTasksLocked(p))
	}
}

// persistLocked writes a task to the store with backoff. On final
// failure the in-memory state stays authoritative for this process and
// the error is logged as a degraded-durability warning, not raised.
func (o *Orchestrator) persistLocked(t *models.Task) {
	if o.store == nil {
		return
	}

	copied := *t
	err := retry.Do(context.Background(), retry.Config{
		MaxAttempts: 3,
		BaseDelay:   50 * time.Millisecond,
		OnRetry: func(attempt int, err error) {
			o.logger.Log("persist task %s: attempt %d failed: %v", copied.ID, attempt, err)
		},
	}, func() error {
		return o.store.SaveTask(&copied)
	})
	if err != nil {
		o.logger.Log("WARNING: durability degraded: task %s not persisted: %v", copied.ID, err)
	}
}
