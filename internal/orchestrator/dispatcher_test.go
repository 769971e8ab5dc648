package orchestrator

import (
	"context"
	"path/filepath"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/devswarm/devswarm/internal/ownership"
	"github.com/devswarm/devswarm/internal/state"
	"github.com/devswarm/devswarm/internal/worker"
	"github.com/devswarm/devswarm/pkg/models"
)

// scriptedExecutor completes every assignment successfully, optionally
// blocking until released, and records what it was given.
type scriptedExecutor struct {
	mu          sync.Mutex
	assignments []worker.Assignment
	block       chan struct{}
	started     chan string
}

func newScriptedExecutor() *scriptedExecutor {
	return &scriptedExecutor{started: make(chan string, 16)}
}

func (s *scriptedExecutor) Execute(ctx context.Context, a worker.Assignment) (*worker.Result, error) {
	s.mu.Lock()
	s.assignments = append(s.assignments, a)
	s.mu.Unlock()

	select {
	case s.started <- a.ID:
	default:
	}

	if s.block != nil {
		select {
		case <-s.block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return &worker.Result{Status: worker.ResultCompleted, Summary: "done " + a.ID}, nil
}

func (s *scriptedExecutor) recorded() []worker.Assignment {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]worker.Assignment(nil), s.assignments...)
}

type harness struct {
	orc     *Orchestrator
	tracker *ownership.Tracker
	coord   *worker.Coordinator
	disp    *Dispatcher
	exec    *scriptedExecutor
}

func newHarness(t *testing.T, tasks ...*models.Task) *harness {
	t.Helper()

	db, err := state.Open(filepath.Join(t.TempDir(), "state.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := db.Migrate(); err != nil {
		t.Fatalf("Migrate: %v", err)
	}

	h := &harness{
		orc:     New(Config{Store: db}),
		tracker: ownership.NewTracker(db),
		exec:    newScriptedExecutor(),
	}
	if err := h.orc.Initialize(makePlan(tasks...)); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	// The coordinator's hooks fire only after Submit, by which time
	// h.disp is set.
	h.coord = worker.NewCoordinator(worker.Config{
		Executor:    h.exec,
		MaxParallel: 3,
		OnStart:     func(id string, a worker.Assignment) { h.disp.HandleStart(id, a) },
		OnResult: func(id string, a worker.Assignment, r *worker.Result, err error) {
			h.disp.HandleResult(id, a, r, err)
		},
	})
	h.disp = NewDispatcher(DispatcherConfig{
		Orchestrator: h.orc,
		Coordinator:  h.coord,
		Tracker:      h.tracker,
		Batching:     true,
	})
	return h
}

func (h *harness) waitDone(t *testing.T) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if h.orc.Done() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("tasks never finished: %v", h.orc.Tasks())
}

func TestDependencyGatedDispatch(t *testing.T) {
	h := newHarness(t,
		makeTask("1.1", 1, 1),
		makeTask("1.2", 1, 2, "1.1"),
	)

	outcome, err := h.disp.DispatchNext(context.Background(), 2)
	if err != nil {
		t.Fatalf("DispatchNext: %v", err)
	}
	if !reflect.DeepEqual(outcome.DispatchedTasks, []string{"1.1"}) {
		t.Errorf("dispatched = %v, want [1.1] only", outcome.DispatchedTasks)
	}

	// Completion of 1.1 backfills and pulls in 1.2.
	h.waitDone(t)
	for _, id := range []string{"1.1", "1.2"} {
		if got := h.orc.Task(id).State; got != models.TaskStateCompleted {
			t.Errorf("task %s state = %q", id, got)
		}
	}
}

func TestTrivialTasksBatchIntoOneAssignment(t *testing.T) {
	a := makeTask("2.1", 2, 1)
	a.Complexity = models.ComplexityTrivial
	b := makeTask("2.2", 2, 2)
	b.Complexity = models.ComplexityTrivial
	h := newHarness(t, a, b)

	outcome, err := h.disp.DispatchNext(context.Background(), 2)
	if err != nil {
		t.Fatalf("DispatchNext: %v", err)
	}
	if outcome.Batches != 1 {
		t.Errorf("batches = %d, want 1", outcome.Batches)
	}
	if !reflect.DeepEqual(outcome.DispatchedTasks, []string{"2.1", "2.2"}) {
		t.Errorf("dispatched = %v", outcome.DispatchedTasks)
	}

	h.waitDone(t)

	recorded := h.exec.recorded()
	if len(recorded) != 1 {
		t.Fatalf("executor received %d assignments, want 1 batched", len(recorded))
	}
	if !reflect.DeepEqual(recorded[0].TaskIDs, []string{"2.1", "2.2"}) {
		t.Errorf("batch task ids = %v", recorded[0].TaskIDs)
	}
	for _, id := range []string{"2.1", "2.2"} {
		if got := h.orc.Task(id).State; got != models.TaskStateCompleted {
			t.Errorf("task %s state = %q, batch completion must cover it", id, got)
		}
	}
}

func TestBatchExcludesPeersSharingFiles(t *testing.T) {
	a := makeTask("6.1", 6, 1)
	a.Complexity = models.ComplexityTrivial
	a.TouchedFiles = []string{"src/app.py"}
	b := makeTask("6.2", 6, 2)
	b.Complexity = models.ComplexityTrivial
	b.TouchedFiles = []string{"src/app.py"}
	h := newHarness(t, a, b)

	// Same batch key, but both touch src/app.py: they must not land
	// in one unit, and the cycle must not fail.
	outcome, err := h.disp.DispatchNext(context.Background(), 2)
	if err != nil {
		t.Fatalf("DispatchNext: %v", err)
	}
	if outcome.Batches != 0 {
		t.Errorf("batches = %d, overlapping tasks must not batch", outcome.Batches)
	}
	if !reflect.DeepEqual(outcome.DispatchedTasks, []string{"6.1"}) {
		t.Errorf("dispatched = %v, want [6.1] with 6.2 held back", outcome.DispatchedTasks)
	}

	// 6.1's completion releases the file; backfill picks up 6.2.
	h.waitDone(t)
	recorded := h.exec.recorded()
	if len(recorded) != 2 {
		t.Fatalf("executor received %d assignments, want 2 serialized", len(recorded))
	}
	for _, id := range []string{"6.1", "6.2"} {
		if got := h.orc.Task(id).State; got != models.TaskStateCompleted {
			t.Errorf("task %s state = %q", id, got)
		}
	}
}

func TestFileConflictDefersNotFails(t *testing.T) {
	a := makeTask("3.1", 3, 1)
	a.TouchedFiles = []string{"src/app.py"}
	b := makeTask("3.2", 3, 2)
	b.Role = "qa"
	b.TouchedFiles = []string{"src/app.py"}
	h := newHarness(t, a, b)
	h.exec.block = make(chan struct{})

	outcome, err := h.disp.DispatchNext(context.Background(), 2)
	if err != nil {
		t.Fatalf("DispatchNext: %v", err)
	}
	if !reflect.DeepEqual(outcome.DispatchedTasks, []string{"3.1"}) {
		t.Errorf("dispatched = %v, want [3.1]", outcome.DispatchedTasks)
	}
	if !reflect.DeepEqual(outcome.DeferredTasks, []string{"3.2"}) {
		t.Errorf("deferred = %v, want [3.2]", outcome.DeferredTasks)
	}
	if got := h.orc.Task("3.2").State; got != models.TaskStatePending {
		t.Errorf("deferred task state = %q, want pending", got)
	}

	// Releasing 3.1 frees the file; backfill picks up 3.2.
	close(h.exec.block)
	h.waitDone(t)

	if ids := h.tracker.CheckConflicts([]string{"src/app.py"}); len(ids) != 0 {
		t.Errorf("file still reserved by %v", ids)
	}
}

func TestHaltWorkerMidTask(t *testing.T) {
	a := makeTask("1.1", 1, 1)
	a.TouchedFiles = []string{"core/engine.go"}
	h := newHarness(t, a)
	h.exec.block = make(chan struct{}) // never released

	if _, err := h.disp.DispatchNext(context.Background(), 1); err != nil {
		t.Fatalf("DispatchNext: %v", err)
	}
	<-h.exec.started

	workerID := h.orc.Task("1.1").AssignedWorker
	h.coord.HaltWorker(workerID)

	// All three guarantees hold immediately after HaltWorker returns.
	got := h.orc.Task("1.1")
	if got.State != models.TaskStateFailed || got.ResultSummary != "halted" {
		t.Errorf("task = %+v, want failed/halted", got)
	}
	if len(h.tracker.Reservations()) != 0 {
		t.Errorf("reservations not released: %v", h.tracker.Reservations())
	}
	if h.coord.Busy("backend") {
		t.Error("worker still busy after halt")
	}
}

func TestDeferredTaskAgesToFront(t *testing.T) {
	a := makeTask("4.1", 4, 1)
	a.Role = "qa"
	a.TouchedFiles = []string{"web/app.js"}
	b := makeTask("4.2", 4, 2)
	b.Role = "qa"
	b.TouchedFiles = []string{"web/app.js"}
	h := newHarness(t, a, b)
	h.exec.block = make(chan struct{})

	// 4.2 has been starved past the limit; it must dispatch before the
	// younger 4.1 even though default order favors 4.1.
	h.disp.mu.Lock()
	h.disp.deferCount["4.2"] = h.disp.deferLimit
	h.disp.mu.Unlock()

	outcome, err := h.disp.DispatchNext(context.Background(), 1)
	if err != nil {
		t.Fatalf("DispatchNext: %v", err)
	}
	if !reflect.DeepEqual(outcome.DispatchedTasks, []string{"4.2"}) {
		t.Errorf("dispatched = %v, want aged [4.2] first", outcome.DispatchedTasks)
	}
	close(h.exec.block)
	h.waitDone(t)
}

func TestOutcomeDistinguishesDoneFromStuck(t *testing.T) {
	h := newHarness(t,
		makeTask("1.1", 1, 1),
		makeTask("1.2", 1, 2, "1.1"),
	)

	// Fail 1.1: its dependent can never become dispatchable.
	if err := h.orc.Transition("1.1", models.TaskStateFailed, TransitionDetail{Summary: "broken"}); err != nil {
		t.Fatalf("fail 1.1: %v", err)
	}

	outcome, err := h.disp.DispatchNext(context.Background(), 2)
	if err != nil {
		t.Fatalf("DispatchNext: %v", err)
	}
	if outcome.Status != OutcomeStuck {
		t.Errorf("status = %q, want %q", outcome.Status, OutcomeStuck)
	}

	// Completing everything flips the report to all done.
	h2 := newHarness(t, makeTask("1.1", 1, 1))
	if _, err := h2.disp.DispatchNext(context.Background(), 1); err != nil {
		t.Fatalf("DispatchNext: %v", err)
	}
	h2.waitDone(t)
	outcome, err = h2.disp.DispatchNext(context.Background(), 1)
	if err != nil {
		t.Fatalf("DispatchNext: %v", err)
	}
	if outcome.Status != OutcomeAllDone {
		t.Errorf("status = %q, want %q", outcome.Status, OutcomeAllDone)
	}
}

func TestNoCapacityOutcome(t *testing.T) {
	h := newHarness(t, makeTask("1.1", 1, 1), makeTask("1.2", 1, 2))
	h.exec.block = make(chan struct{})

	if _, err := h.disp.DispatchNext(context.Background(), 1); err != nil {
		t.Fatalf("DispatchNext: %v", err)
	}
	<-h.exec.started

	outcome, err := h.disp.DispatchNext(context.Background(), 1)
	if err != nil {
		t.Fatalf("DispatchNext: %v", err)
	}
	if outcome.Status != OutcomeNoCapacity {
		t.Errorf("status = %q, want %q", outcome.Status, OutcomeNoCapacity)
	}

	close(h.exec.block)
	h.waitDone(t)
}

func TestMediumTasksNeverBatch(t *testing.T) {
	a := makeTask("5.1", 5, 1)
	b := makeTask("5.2", 5, 2)
	h := newHarness(t, a, b)
	h.exec.block = make(chan struct{})

	outcome, err := h.disp.DispatchNext(context.Background(), 2)
	if err != nil {
		t.Fatalf("DispatchNext: %v", err)
	}
	if outcome.Batches != 0 {
		t.Errorf("batches = %d, medium tasks must not batch", outcome.Batches)
	}
	// Same role: the second unit waits for the singleton worker.
	if !reflect.DeepEqual(outcome.DispatchedTasks, []string{"5.1"}) {
		t.Errorf("dispatched = %v", outcome.DispatchedTasks)
	}

	close(h.exec.block)
	h.waitDone(t)
}
