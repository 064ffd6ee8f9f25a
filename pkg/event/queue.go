package event

import (
	"context"
	"errors"
	"sync"
)

// ErrQueueClosed is returned by Pop once the queue is closed and drained.
var ErrQueueClosed = errors.New("event queue closed")

// Queue is an unbounded FIFO of events.
// One producer and any number of consumers may use it concurrently;
// each event is delivered to exactly one consumer.
type Queue struct {
	mu     sync.Mutex
	items  []Event
	closed bool

	// ready holds a token while items are pending or the queue is closed.
	ready chan struct{}
}

// NewQueue creates an empty queue.
func NewQueue() *Queue {
	return &Queue{ready: make(chan struct{}, 1)}
}

// Push appends an event. It reports false if the queue is closed.
func (q *Queue) Push(ev Event) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}
	q.items = append(q.items, ev)
	q.signal()
	return true
}

// Pop removes and returns the oldest event, blocking until one is
// available, the queue is closed and drained, or ctx is done.
func (q *Queue) Pop(ctx context.Context) (Event, error) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			ev := q.take()
			q.mu.Unlock()
			return ev, nil
		}
		if q.closed {
			q.signal()
			q.mu.Unlock()
			return Event{}, ErrQueueClosed
		}
		q.mu.Unlock()

		select {
		case <-q.ready:
		case <-ctx.Done():
			return Event{}, ctx.Err()
		}
	}
}

// TryPop returns the oldest event without blocking.
func (q *Queue) TryPop() (Event, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) == 0 {
		return Event{}, false
	}
	return q.take(), true
}

// Len returns the number of queued events.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Close stops accepting events. Queued events can still be popped.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}
	q.closed = true
	q.signal()
}

// Closed reports whether Close was called.
func (q *Queue) Closed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}

// take pops the head; q.mu must be held and items non-empty.
func (q *Queue) take() Event {
	ev := q.items[0]
	q.items[0] = Event{}
	q.items = q.items[1:]
	if len(q.items) > 0 {
		q.signal()
	}
	return ev
}

// signal leaves at most one wake-up token; q.mu must be held.
func (q *Queue) signal() {
	select {
	case q.ready <- struct{}{}:
	default:
	}
}
