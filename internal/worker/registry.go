package worker

import "sync"

// completionEntry is the one-shot rendezvous for a single batch: a closed
// channel announces that the result fields are populated and safe to read.
//
// Single-producer (the consumer goroutine calls signal once), single-consumer
// (one awaitAndTake per batch id). The payload fields are written strictly
// before done is closed and read strictly after it is observed closed.
type completionEntry struct {
	done   chan struct{}
	tokens []Token
	err    error
}

// completionRegistry maps live batch ids to their completion entries.
//
// The map itself is mutex-protected because entries are inserted from the
// submission context and removed from whichever context picks the result up,
// even though each individual entry has single-writer/single-reader
// semantics.
type completionRegistry struct {
	mu      sync.Mutex
	entries map[BatchID]*completionEntry
}

func newCompletionRegistry() *completionRegistry {
	return &completionRegistry{
		entries: make(map[BatchID]*completionEntry),
	}
}

// register creates a fresh completion entry for bid.
// Returns DUPLICATE_BATCH_ID if an entry for bid is still live.
func (r *completionRegistry) register(bid BatchID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.entries[bid]; exists {
		return NewDuplicateBatchIDError(bid)
	}
	r.entries[bid] = &completionEntry{done: make(chan struct{})}
	return nil
}

// drop removes an entry that was registered but never enqueued (submission
// failed after registration). No waiter can exist yet.
func (r *completionRegistry) drop(bid BatchID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, bid)
}

// signal stores the result for bid and wakes its waiter.
// Returns UNKNOWN_BATCH_ID if bid has no live entry. Must be called at most
// once per registered entry.
func (r *completionRegistry) signal(bid BatchID, tokens []Token, err error) error {
	r.mu.Lock()
	entry, exists := r.entries[bid]
	r.mu.Unlock()

	if !exists {
		return NewUnknownBatchIDError(bid)
	}

	entry.tokens = tokens
	entry.err = err
	close(entry.done)
	return nil
}

// awaitAndTake blocks until signal has been called for bid, then atomically
// removes the entry and returns its result.
//
// Returns UNKNOWN_BATCH_ID if bid was never registered or its entry was
// already consumed, including the case where a second caller raced this one
// to the pickup.
func (r *completionRegistry) awaitAndTake(bid BatchID) ([]Token, error) {
	r.mu.Lock()
	entry, exists := r.entries[bid]
	r.mu.Unlock()

	if !exists {
		return nil, NewUnknownBatchIDError(bid)
	}

	<-entry.done

	r.mu.Lock()
	current, live := r.entries[bid]
	if !live || current != entry {
		r.mu.Unlock()
		return nil, NewUnknownBatchIDError(bid)
	}
	delete(r.entries, bid)
	r.mu.Unlock()

	return entry.tokens, entry.err
}

// len returns the number of live entries. Used by tests.
func (r *completionRegistry) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}
