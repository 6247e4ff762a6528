package stage

import (
	"sync"
	"time"

	"github.com/roach88/seqcommit/internal/window"
)

// completion is a worker's report for one attempt.
type completion[T any] struct {
	seq     int64
	owner   string
	attempt int
	result  Result[T]
	err     error
	elapsed time.Duration
}

// eventQueue is a thread-safe FIFO of completions.
//
// Workers enqueue from their goroutines; the coordinator drains with
// TryDequeue and parks on Wait. The signal channel has a buffer of one, so
// any number of enqueues between two waits coalesce into one wakeup.
type eventQueue[T any] struct {
	mu     sync.Mutex
	events []completion[T]
	closed bool
	signal chan struct{}
}

func newEventQueue[T any]() *eventQueue[T] {
	return &eventQueue[T]{
		events: make([]completion[T], 0, 64),
		signal: make(chan struct{}, 1),
	}
}

// Enqueue adds a completion. Returns false if the queue is closed.
func (q *eventQueue[T]) Enqueue(c completion[T]) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}
	q.events = append(q.events, c)

	select {
	case q.signal <- struct{}{}:
	default:
	}
	return true
}

// TryDequeue removes the front completion without blocking.
func (q *eventQueue[T]) TryDequeue() (completion[T], bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.events) == 0 {
		return completion[T]{}, false
	}
	c := q.events[0]

	// Clear the slot so the payload can be collected.
	q.events[0] = completion[T]{}
	if len(q.events) == 1 {
		q.events = q.events[:0]
	} else {
		q.events = q.events[1:]
	}
	return c, true
}

// Wait returns a channel that receives when completions may be available.
func (q *eventQueue[T]) Wait() <-chan struct{} {
	return q.signal
}

// Len returns the number of queued completions.
func (q *eventQueue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.events)
}

// Close rejects further enqueues and wakes any waiter.
func (q *eventQueue[T]) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}
	q.closed = true
	close(q.signal)
}

// queued is a dispatched seq waiting for a worker slot.
type queued struct {
	entry     window.Entry
	notBefore time.Time
}
