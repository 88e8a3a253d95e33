package worker

import (
	"sync"
	"time"
)

// workItem is one queued unit of execution: a frozen batch snapshot plus the
// identifiers minted for it at submission time.
type workItem struct {
	batch      Batch
	handle     LogitsHandle
	refs       []Token
	enqueuedAt time.Time
}

// workQueue is a thread-safe FIFO queue between the submission path and the
// consumer goroutine.
//
// The queue is unbounded: enqueue never blocks, which is what keeps
// SubmitAsync wait-free relative to compute latency. Depth is effectively
// bounded by the placeholder namespace anyway, since a producer that runs
// far ahead of the consumer is violating the non-aliasing headroom.
//
// FIFO draining order is the ordering guarantee the whole pipeline depends
// on: a batch that references an earlier batch's placeholders is dequeued
// only after that batch's tokens are in the resolution table.
//
// The queue uses a channel for signaling to enable context-aware waiting
// in the Run loop.
type workQueue struct {
	mu     sync.Mutex
	items  []workItem
	closed bool
	signal chan struct{} // Signals item availability (buffered, size 1)
}

// newWorkQueue creates an empty work queue.
func newWorkQueue() *workQueue {
	return &workQueue{
		items:  make([]workItem, 0, 64), // Pre-allocate for typical pipeline depth
		signal: make(chan struct{}, 1),
	}
}

// Enqueue adds an item to the back of the queue.
// Thread-safe: may be called from any goroutine.
// Returns false if the queue is closed.
func (q *workQueue) Enqueue(it workItem) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}

	q.items = append(q.items, it)

	// Signal availability (non-blocking - buffer of 1 coalesces multiple signals)
	select {
	case q.signal <- struct{}{}:
	default:
	}

	return true
}

// TryDequeue attempts to dequeue without blocking.
// Returns (workItem{}, false) if the queue is empty.
// Remaining items stay dequeueable after Close so the consumer can drain.
func (q *workQueue) TryDequeue() (workItem, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) == 0 {
		return workItem{}, false
	}

	it := q.items[0]

	// Nil out the slot so the batch's token slice can be collected; the
	// underlying array retains references until reallocated otherwise.
	q.items[0] = workItem{}

	if len(q.items) == 1 {
		// Last element - reset to empty slice with original capacity
		q.items = q.items[:0]
	} else {
		q.items = q.items[1:]
	}

	return it, true
}

// Wait returns a channel that signals when items may be available.
// Use with select for context-aware waiting:
//
//	select {
//	case <-ctx.Done():
//	    return ctx.Err()
//	case _, open := <-q.Wait():
//	    // Try TryDequeue; !open means the queue was closed
//	}
//
// The channel is closed when the queue is closed, so a closed queue always
// selects immediately. A received token may be stale: enqueue signals
// coalesce into the buffer of 1, and TryDequeue never consumes them, so
// receivers must re-check the queue rather than infer emptiness or closure
// from the receive alone.
func (q *workQueue) Wait() <-chan struct{} {
	return q.signal
}

// Len returns the current queue depth.
func (q *workQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Close marks the queue as accepting no further items and wakes any blocked
// waiter by closing the signal channel. Already-queued items remain
// dequeueable.
func (q *workQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return // Already closed
	}

	q.closed = true
	close(q.signal) // Wakes all waiters
}
