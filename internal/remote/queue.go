package remote

import "sync"

// ChangeQueue is a thread-safe unbounded FIFO of changes. Hub uses one per
// subscriber; consumers of a feed can use one to hand changes to a single
// worker goroutine.
//
// Unbounded so that Publish never blocks or drops: a slow subscriber only
// grows its own backlog.
//
// The signal channel (buffered, size 1) lets the consumer wait with select;
// multiple enqueues coalesce into one wakeup.
type ChangeQueue struct {
	mu      sync.Mutex
	changes []Change
	closed  bool
	signal  chan struct{}
}

// NewChangeQueue creates an empty queue.
func NewChangeQueue() *ChangeQueue {
	return &ChangeQueue{
		changes: make([]Change, 0, 16),
		signal:  make(chan struct{}, 1),
	}
}

// Enqueue appends c. Returns false if the queue is closed.
func (q *ChangeQueue) Enqueue(c Change) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}
	q.changes = append(q.changes, c)

	select {
	case q.signal <- struct{}{}:
	default:
	}
	return true
}

// TryDequeue removes the front change without blocking.
func (q *ChangeQueue) TryDequeue() (Change, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.changes) == 0 {
		return Change{}, false
	}
	c := q.changes[0]
	q.changes[0] = Change{} // release row maps for GC
	if len(q.changes) == 1 {
		q.changes = q.changes[:0]
	} else {
		q.changes = q.changes[1:]
	}
	return c, true
}

// Wait returns a channel that signals when changes may be available.
// It is closed once the queue is closed.
func (q *ChangeQueue) Wait() <-chan struct{} {
	return q.signal
}

// Len returns the backlog length.
func (q *ChangeQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.changes)
}

// Close stops further enqueues and wakes the consumer.
func (q *ChangeQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	close(q.signal)
}
