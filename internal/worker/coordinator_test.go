package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/devswarm/devswarm/pkg/models"
)

// fakeExecutor returns canned results and can block until released to
// simulate long-running agents.
type fakeExecutor struct {
	mu      sync.Mutex
	results map[string]*Result
	block   chan struct{}
	started chan string
	running int32
	peak    int32
}

func newFakeExecutor() *fakeExecutor {
	return &fakeExecutor{
		results: make(map[string]*Result),
		started: make(chan string, 16),
	}
}

func (f *fakeExecutor) Execute(ctx context.Context, a Assignment) (*Result, error) {
	n := atomic.AddInt32(&f.running, 1)
	defer atomic.AddInt32(&f.running, -1)
	for {
		peak := atomic.LoadInt32(&f.peak)
		if n <= peak || atomic.CompareAndSwapInt32(&f.peak, peak, n) {
			break
		}
	}

	select {
	case f.started <- a.ID:
	default:
	}

	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if r, ok := f.results[a.ID]; ok {
		return r, nil
	}
	return &Result{Status: ResultCompleted, Summary: "done"}, nil
}

type capturedOutcome struct {
	workerID   string
	assignment Assignment
	result     *Result
	err        error
}

func collectOutcomes() (ResultHandler, chan capturedOutcome) {
	ch := make(chan capturedOutcome, 16)
	return func(workerID string, a Assignment, r *Result, err error) {
		ch <- capturedOutcome{workerID, a, r, err}
	}, ch
}

func waitOutcome(t *testing.T, ch chan capturedOutcome) capturedOutcome {
	t.Helper()
	select {
	case o := <-ch:
		return o
	case <-time.After(5 * time.Second):
		t.Fatal("no outcome delivered")
		return capturedOutcome{}
	}
}

func TestWorkerPerRoleIsSingleton(t *testing.T) {
	c := NewCoordinator(Config{Executor: newFakeExecutor()})

	w1 := c.WorkerFor("backend")
	w2 := c.WorkerFor("backend")
	if w1.ID != w2.ID {
		t.Errorf("two workers for one role: %s, %s", w1.ID, w2.ID)
	}
	if w3 := c.WorkerFor("frontend"); w3.ID == w1.ID {
		t.Error("distinct roles shared a worker")
	}
}

func TestSubmitRejectsBusyWorker(t *testing.T) {
	exec := newFakeExecutor()
	exec.block = make(chan struct{})
	handler, outcomes := collectOutcomes()
	c := NewCoordinator(Config{Executor: exec, OnResult: handler})

	first := Assignment{ID: "a1", Role: "backend", TaskIDs: []string{"1.1"}}
	if err := c.Submit(context.Background(), first); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	<-exec.started

	err := c.Submit(context.Background(), Assignment{ID: "a2", Role: "backend", TaskIDs: []string{"1.2"}})
	if !errors.Is(err, ErrWorkerBusy) {
		t.Errorf("second Submit = %v, want ErrWorkerBusy", err)
	}
	if w := snapshotWorker(t, c, "backend"); w.CurrentTaskID != "1.1" || w.StartedAt == nil {
		t.Errorf("working worker = %+v, want task 1.1 with a start time", w)
	}

	close(exec.block)
	o := waitOutcome(t, outcomes)
	if o.err != nil || o.result.Status != ResultCompleted {
		t.Errorf("outcome = %+v", o)
	}
	if c.Busy("backend") {
		t.Error("worker still busy after completion")
	}
	if w := snapshotWorker(t, c, "backend"); w.CurrentTaskID != "" || w.StartedAt != nil {
		t.Errorf("idle worker = %+v, want cleared assignment fields", w)
	}
}

func snapshotWorker(t *testing.T, c *Coordinator, role string) models.Worker {
	t.Helper()
	for _, w := range c.Workers() {
		if w.Role == role {
			return w
		}
	}
	t.Fatalf("no worker for role %q", role)
	return models.Worker{}
}

func TestParallelismBound(t *testing.T) {
	exec := newFakeExecutor()
	exec.block = make(chan struct{})
	handler, outcomes := collectOutcomes()
	c := NewCoordinator(Config{Executor: exec, MaxParallel: 2, OnResult: handler})

	roles := []string{"backend", "frontend", "qa", "devops"}
	for i, role := range roles {
		a := Assignment{ID: role, Role: role, TaskIDs: []string{string(rune('1'+i)) + ".1"}}
		if err := c.Submit(context.Background(), a); err != nil {
			t.Fatalf("Submit %s: %v", role, err)
		}
	}

	// Let the semaphore settle, then release everyone.
	time.Sleep(100 * time.Millisecond)
	close(exec.block)
	for range roles {
		waitOutcome(t, outcomes)
	}

	if peak := atomic.LoadInt32(&exec.peak); peak > 2 {
		t.Errorf("peak concurrent executions = %d, want <= 2", peak)
	}
}

func TestHandoffThreshold(t *testing.T) {
	exec := newFakeExecutor()
	exec.results["a1"] = &Result{Status: ResultCompleted, Summary: "partial work", ContextTokens: 90000}
	handler, outcomes := collectOutcomes()
	c := NewCoordinator(Config{Executor: exec, HandoffTokens: 80000, OnResult: handler})

	if err := c.Submit(context.Background(), Assignment{ID: "a1", Role: "backend", TaskIDs: []string{"1.1"}}); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	o := waitOutcome(t, outcomes)
	if o.err != nil {
		t.Fatalf("outcome err = %v", o.err)
	}
	if o.result.Status != ResultHandoff {
		t.Errorf("status = %q, want %q above handoff threshold", o.result.Status, ResultHandoff)
	}
	if o.result.Summary != "partial work" {
		t.Errorf("handoff summary = %q", o.result.Summary)
	}
}

func TestHaltCancelsInFlight(t *testing.T) {
	exec := newFakeExecutor()
	exec.block = make(chan struct{}) // never closed; only Halt can unblock
	handler, outcomes := collectOutcomes()
	c := NewCoordinator(Config{Executor: exec, OnResult: handler})

	if err := c.Submit(context.Background(), Assignment{ID: "a1", Role: "backend", TaskIDs: []string{"1.1"}}); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	<-exec.started

	c.Halt()

	o := waitOutcome(t, outcomes)
	if !errors.Is(o.err, context.Canceled) {
		t.Errorf("outcome err = %v, want context.Canceled", o.err)
	}

	if err := c.Submit(context.Background(), Assignment{ID: "a2", Role: "qa", TaskIDs: []string{"2.1"}}); !errors.Is(err, ErrHalted) {
		t.Errorf("Submit after Halt = %v, want ErrHalted", err)
	}

	for _, w := range c.Workers() {
		if w.Status != models.WorkerStatusIdle {
			t.Errorf("worker %s status = %q after Halt", w.ID, w.Status)
		}
	}
}
