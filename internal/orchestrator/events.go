package orchestrator

import (
	"log"
	"sync/atomic"
	"time"
)

// EventType represents the type of orchestrator event.
type EventType string

const (
	// EventTaskDispatched indicates a task was handed to a worker.
	EventTaskDispatched EventType = "task_dispatched"
	// EventTaskStarted indicates a worker began executing a task.
	EventTaskStarted EventType = "task_started"
	// EventTaskCompleted indicates a task completed successfully.
	EventTaskCompleted EventType = "task_completed"
	// EventTaskFailed indicates a task failed.
	EventTaskFailed EventType = "task_failed"
	// EventTaskBlocked indicates a task was blocked pending intervention.
	EventTaskBlocked EventType = "task_blocked"
	// EventTaskRequeued indicates a task returned to pending, usually
	// carrying a handoff summary for the next worker.
	EventTaskRequeued EventType = "task_requeued"
	// EventPhaseCompleted indicates every task in a phase reached a
	// terminal state.
	EventPhaseCompleted EventType = "phase_completed"
	// EventAllDone indicates no work remains anywhere in the graph.
	EventAllDone EventType = "all_done"
	// EventStuck indicates pending tasks exist but none can ever
	// become dispatchable without intervention.
	EventStuck EventType = "stuck"
)

// Event is emitted by the orchestrator on every significant transition.
// Subscribers (CLI progress output, dashboards) consume these; the
// engine itself never depends on anyone listening.
type Event struct {
	Type      EventType
	TaskID    string
	WorkerID  string
	Phase     int
	Message   string
	Err       error
	Timestamp time.Time
}

// EventEmitter provides a thread-safe, non-blocking event fanout.
type EventEmitter struct {
	events       chan Event
	droppedCount atomic.Uint64
}

// NewEventEmitter creates an EventEmitter with the given buffer size.
func NewEventEmitter(bufferSize int) *EventEmitter {
	return &EventEmitter{
		events: make(chan Event, bufferSize),
	}
}

// Emit sends an event. If the channel is full it waits briefly for the
// receiver to drain, then drops the event rather than stall the
// control thread.
func (e *EventEmitter) Emit(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	select {
	case e.events <- event:
		return
	default:
	}

	select {
	case e.events <- event:
	case <-time.After(100 * time.Millisecond):
		count := e.droppedCount.Add(1)
		if count%10 == 1 {
			log.Printf("[orchestrator] WARNING: event channel full, dropped event (total dropped: %d): type=%s", count, event.Type)
		}
	}
}

// DroppedCount returns the total number of events that have been dropped.
func (e *EventEmitter) DroppedCount() uint64 {
	return e.droppedCount.Load()
}

// Events returns a read-only channel of events for subscribers.
func (e *EventEmitter) Events() <-chan Event {
	return e.events
}

// Close closes the events channel.
func (e *EventEmitter) Close() {
	close(e.events)
}
