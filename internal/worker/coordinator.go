package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/devswarm/devswarm/pkg/models"
)

// ErrWorkerBusy is returned when the role's worker already has an
// assignment in flight.
var ErrWorkerBusy = errors.New("worker is busy")

// ErrHalted is returned for assignments submitted after Halt.
var ErrHalted = errors.New("coordinator halted")

// StartHandler is notified when an assignment actually begins
// executing, i.e. after it has cleared the concurrency semaphore.
type StartHandler func(workerID string, assignment Assignment)

// ResultHandler receives the outcome of an assignment. When err is
// non-nil the execution itself failed (crash, cancellation) and result
// is nil.
type ResultHandler func(workerID string, assignment Assignment, result *Result, err error)

// Coordinator owns the worker registry. There is exactly one worker
// per role, and at most maxParallel assignments executing at once
// across all roles.
type Coordinator struct {
	executor      Executor
	sem           *semaphore.Weighted
	handoffTokens int
	onStart       StartHandler
	onResult      ResultHandler

	mu      sync.Mutex
	workers map[string]*models.Worker // keyed by role
	cancels map[string]context.CancelFunc
	done    map[string]chan struct{} // closed when the worker's execution unwinds
	halted  bool
	wg      sync.WaitGroup
}

// Config for a Coordinator.
type Config struct {
	Executor Executor
	// MaxParallel bounds concurrent executions across all workers.
	MaxParallel int64
	// HandoffTokens is the context-size threshold above which a
	// completed-with-handoff result requeues the work for a fresh
	// worker. Zero disables the threshold check.
	HandoffTokens int
	OnStart       StartHandler
	OnResult      ResultHandler
}

// NewCoordinator creates a coordinator.
func NewCoordinator(cfg Config) *Coordinator {
	if cfg.MaxParallel <= 0 {
		cfg.MaxParallel = 3
	}
	return &Coordinator{
		executor:      cfg.Executor,
		sem:           semaphore.NewWeighted(cfg.MaxParallel),
		handoffTokens: cfg.HandoffTokens,
		onStart:       cfg.OnStart,
		onResult:      cfg.OnResult,
		workers:       make(map[string]*models.Worker),
		cancels:       make(map[string]context.CancelFunc),
		done:          make(map[string]chan struct{}),
	}
}

// WorkerFor returns the singleton worker for a role, creating it idle
// on first use.
func (c *Coordinator) WorkerFor(role string) *models.Worker {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.workerForLocked(role)
}

func (c *Coordinator) workerForLocked(role string) *models.Worker {
	if w, ok := c.workers[role]; ok {
		return w
	}
	w := &models.Worker{
		ID:     fmt.Sprintf("%s-%s", role, uuid.New().String()[:8]),
		Role:   role,
		Status: models.WorkerStatusIdle,
	}
	c.workers[role] = w
	return w
}

// Workers returns a snapshot of all known workers.
func (c *Coordinator) Workers() []models.Worker {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]models.Worker, 0, len(c.workers))
	for _, w := range c.workers {
		out = append(out, *w)
	}
	return out
}

// Busy reports whether the role's worker has an assignment in flight.
func (c *Coordinator) Busy(role string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	w, ok := c.workers[role]
	return ok && w.Status == models.WorkerStatusWorking
}

// Submit starts an assignment on the role's worker. It returns
// ErrWorkerBusy if that worker is already occupied; execution then
// proceeds asynchronously and the outcome is delivered to OnResult.
func (c *Coordinator) Submit(ctx context.Context, assignment Assignment) error {
	c.mu.Lock()
	if c.halted {
		c.mu.Unlock()
		return ErrHalted
	}
	w := c.workerForLocked(assignment.Role)
	if w.Status == models.WorkerStatusWorking {
		c.mu.Unlock()
		return ErrWorkerBusy
	}

	w.Status = models.WorkerStatusWorking
	w.CurrentTaskID = assignment.TaskIDs[0]
	now := time.Now()
	w.StartedAt = &now
	assignment.WorkerID = w.ID

	execCtx, cancel := context.WithCancel(ctx)
	c.cancels[w.ID] = cancel
	c.done[w.ID] = make(chan struct{})
	c.wg.Add(1)
	c.mu.Unlock()

	go c.run(execCtx, w.ID, assignment)
	return nil
}

func (c *Coordinator) run(ctx context.Context, workerID string, assignment Assignment) {
	defer c.wg.Done()

	var result *Result
	err := c.sem.Acquire(ctx, 1)
	if err == nil {
		if c.onStart != nil {
			c.onStart(workerID, assignment)
		}
		result, err = c.executor.Execute(ctx, assignment)
		c.sem.Release(1)
	}

	if result != nil && c.handoffTokens > 0 &&
		result.Status == ResultCompleted && result.ContextTokens >= c.handoffTokens {
		// The worker finished but burned most of its context; treat
		// the summary as a handoff so the next dispatch starts fresh.
		result.Status = ResultHandoff
	}

	c.mu.Lock()
	if w, ok := c.workers[assignment.Role]; ok && w.ID == workerID {
		w.Status = models.WorkerStatusIdle
		w.CurrentTaskID = ""
		w.StartedAt = nil
	}
	if cancel, ok := c.cancels[workerID]; ok {
		delete(c.cancels, workerID)
		cancel()
	}
	doneCh := c.done[workerID]
	delete(c.done, workerID)
	c.mu.Unlock()

	if c.onResult != nil {
		c.onResult(workerID, assignment, result, err)
	}
	if doneCh != nil {
		close(doneCh)
	}
}

// HaltWorker cancels one worker's in-flight execution and waits for it
// to unwind. By the time it returns the outcome has been delivered to
// OnResult as a context.Canceled failure and the worker is idle.
// Halting an idle or unknown worker is a no-op.
func (c *Coordinator) HaltWorker(workerID string) {
	c.mu.Lock()
	cancel, ok := c.cancels[workerID]
	doneCh := c.done[workerID]
	c.mu.Unlock()

	if !ok {
		return
	}
	cancel()
	if doneCh != nil {
		<-doneCh
	}
}

// Halt cancels every in-flight assignment and rejects new ones. It
// returns once all executions have unwound, so every outcome has been
// delivered to OnResult by the time Halt returns; cancelled
// assignments surface there as context.Canceled errors.
func (c *Coordinator) Halt() {
	c.mu.Lock()
	if c.halted {
		c.mu.Unlock()
		c.wg.Wait()
		return
	}
	c.halted = true
	cancels := make([]context.CancelFunc, 0, len(c.cancels))
	for _, cancel := range c.cancels {
		cancels = append(cancels, cancel)
	}
	c.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
	c.wg.Wait()
}

// Halted reports whether Halt has been called.
func (c *Coordinator) Halted() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.halted
}
