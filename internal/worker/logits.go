package worker

import (
	"sync"

	"github.com/google/uuid"
)

// LogitsHandle is the opaque key under which a batch's auxiliary forward
// output is published. Handles are minted at submission time and are
// distinct from batch ids.
type LogitsHandle string

// HandleGenerator mints logits handles for batches that request auxiliary
// output. Implemented by UUIDv7Generator (production) and FixedGenerator
// (tests).
type HandleGenerator interface {
	Generate() LogitsHandle
}

// UUIDv7Generator generates time-sortable UUIDv7 logits handles.
//
// UUIDv7 embeds a timestamp in the most significant bits, making handles
// sortable by mint time, which is helpful when correlating logits pickups
// with trace output.
//
// Thread-safety: UUIDv7Generator is stateless and safe for concurrent use.
type UUIDv7Generator struct{}

// Generate creates a new UUIDv7 handle.
// Panics if UUID generation fails (should never happen in practice).
func (g UUIDv7Generator) Generate() LogitsHandle {
	return LogitsHandle(uuid.Must(uuid.NewV7()).String())
}

// FixedGenerator returns predetermined handles for testing.
//
// This enables deterministic test execution and golden trace comparison.
//
// Thread-safety: FixedGenerator is safe for concurrent use via internal mutex.
type FixedGenerator struct {
	mu      sync.Mutex
	handles []LogitsHandle
	idx     int
}

// NewFixedGenerator creates a generator that returns handles in order.
//
// Panics when all handles are consumed. This is a fail-fast approach to
// catch test misconfiguration (more logits batches submitted than expected).
func NewFixedGenerator(handles ...LogitsHandle) *FixedGenerator {
	return &FixedGenerator{handles: handles}
}

// Generate returns the next predetermined handle.
func (g *FixedGenerator) Generate() LogitsHandle {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.idx >= len(g.handles) {
		panic("FixedGenerator: all handles exhausted")
	}
	h := g.handles[g.idx]
	g.idx++
	return h
}

// logitsStore is the handle-to-output side table for auxiliary pickups.
//
// Entries are published by the consumer goroutine and consumed exactly once
// by ResolveLogits; the map is mutex-protected for that cross-context
// handoff. There is no wait primitive here: callers must establish via
// ResolveTokens (or other ordering) that publication has happened.
type logitsStore struct {
	mu      sync.Mutex
	outputs map[LogitsHandle]*Logits
}

func newLogitsStore() *logitsStore {
	return &logitsStore{outputs: make(map[LogitsHandle]*Logits)}
}

// put publishes the output for handle.
func (s *logitsStore) put(handle LogitsHandle, logits *Logits) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.outputs[handle] = logits
}

// take removes and returns the output for handle.
// Returns UNKNOWN_LOGITS_HANDLE if nothing is published under handle,
// either because the batch did not request logits, publication has not
// happened yet, or the entry was already consumed.
func (s *logitsStore) take(handle LogitsHandle) (*Logits, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	logits, exists := s.outputs[handle]
	if !exists {
		return nil, NewUnknownLogitsHandleError(handle)
	}
	delete(s.outputs, handle)
	return logits, nil
}
