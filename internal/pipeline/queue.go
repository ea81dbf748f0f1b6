package pipeline

import (
	"sync"

	"prospector/internal/logging"
)

// EventQueue decouples the run loop from the consumer. The writer
// never blocks: events land in a bounded pending list and a pump
// goroutine delivers them in order. When the consumer falls behind and
// the list is full, intermediate progress events coalesce (the last
// per stage survives); started, skipped, reused, linked,
// company_complete, error, and complete frames are never dropped.
type EventQueue struct {
	mu      sync.Mutex
	pending []Event
	bound   int
	closed  bool
	wake    chan struct{}
	out     chan Event
	done    chan struct{}
}

// NewEventQueue creates a queue with the given coalescing bound and
// starts its pump.
func NewEventQueue(bound int) *EventQueue {
	if bound <= 0 {
		bound = 256
	}
	q := &EventQueue{
		bound: bound,
		wake:  make(chan struct{}, 1),
		out:   make(chan Event),
		done:  make(chan struct{}),
	}
	go q.pump()
	return q
}

// Events is the ordered consumer side. The channel closes after the
// terminal frame has been delivered.
func (q *EventQueue) Events() <-chan Event {
	return q.out
}

// Emit enqueues ev without blocking. Events emitted after a terminal
// frame are discarded.
func (q *EventQueue) Emit(ev Event) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	if len(q.pending) >= q.bound && !ev.critical() {
		if q.coalesceLocked(ev) {
			q.mu.Unlock()
			q.signal()
			return
		}
		// No coalescing slot: drop the oldest progress frame instead.
		if !q.dropOldestProgressLocked() {
			logging.EngineWarn("progress queue saturated with critical events, dropping progress frame")
			q.mu.Unlock()
			return
		}
	}
	q.pending = append(q.pending, ev)
	if ev.terminal() {
		q.closed = true
	}
	q.mu.Unlock()
	q.signal()
}

// coalesceLocked replaces the newest pending progress frame for the
// same stage with ev. Reports whether a replacement happened.
func (q *EventQueue) coalesceLocked(ev Event) bool {
	for i := len(q.pending) - 1; i >= 0; i-- {
		if q.pending[i].Type == EventProgress && q.pending[i].stage == ev.stage {
			q.pending[i] = ev
			return true
		}
	}
	return false
}

func (q *EventQueue) dropOldestProgressLocked() bool {
	for i := range q.pending {
		if q.pending[i].Type == EventProgress {
			q.pending = append(q.pending[:i], q.pending[i+1:]...)
			return true
		}
	}
	return false
}

func (q *EventQueue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// pump delivers pending events to the out channel in order, then
// closes it once the terminal frame is out.
func (q *EventQueue) pump() {
	defer close(q.done)
	for {
		q.mu.Lock()
		if len(q.pending) == 0 {
			if q.closed {
				q.mu.Unlock()
				close(q.out)
				return
			}
			q.mu.Unlock()
			<-q.wake
			continue
		}
		ev := q.pending[0]
		q.pending = q.pending[1:]
		q.mu.Unlock()

		q.out <- ev
	}
}

// Wait blocks until the pump has drained and closed the out channel.
func (q *EventQueue) Wait() {
	<-q.done
}
