package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Resolution-table and reference-namespace sizing relative to maxInFlight.
// The namespace wraps at maxInFlight*3 while the table holds maxInFlight*5
// slots; the headroom tolerates an allocation straddling the wrap point plus
// the worst-case window of unresolved references (see package comment).
const (
	refLimitFactor      = 3
	tableCapacityFactor = 5
)

// BatchTrace is the per-batch execution record handed to a Tracer after a
// batch is signalled complete.
type BatchTrace struct {
	BatchID    BatchID
	Size       int
	QueueDepth int // depth observed after dequeuing this batch
	EnqueuedAt time.Time
	StartedAt  time.Time
	FinishedAt time.Time
	Status     string // "ok" or "error"
	Error      string // empty when Status is "ok"
}

// Tracer records per-batch execution traces. Implemented by trace.Store;
// a nil Tracer disables tracing entirely.
//
// RecordBatch is called from the consumer goroutine after the completion
// signal, so a slow tracer delays the next batch but never a waiter.
type Tracer interface {
	RecordBatch(ctx context.Context, bt BatchTrace) error
}

// Worker is the overlapped execution scheduler for one inference worker
// instance.
//
// Thread-safety model:
//   - SubmitAsync: safe from any goroutine (submission serialized internally)
//   - Run: must be called from exactly one goroutine
//   - ResolveTokens / ResolveLogits: safe from any goroutine, one pickup
//     per batch id / handle
type Worker struct {
	backend     Backend
	queue       *workQueue
	table       *resolutionTable
	refs        *refAllocator
	completions *completionRegistry
	logits      *logitsStore
	handleGen   HandleGenerator
	tracer      Tracer
	maxInFlight int

	// submitMu serializes the submission path: the allocator counter has a
	// single logical writer, and Go offers no by-construction guarantee
	// that callers submit from one goroutine only.
	submitMu sync.Mutex

	stopped atomic.Bool
}

// Option configures a Worker.
type Option func(*Worker)

// WithHandleGenerator overrides the logits handle generator.
// Tests use NewFixedGenerator for deterministic handles.
func WithHandleGenerator(g HandleGenerator) Option {
	return func(w *Worker) {
		w.handleGen = g
	}
}

// WithTracer attaches a per-batch execution tracer.
func WithTracer(t Tracer) Option {
	return func(w *Worker) {
		w.tracer = t
	}
}

// New creates a Worker bound to the given compute backend.
//
// maxInFlight fixes the placeholder namespace (maxInFlight*3) and the
// resolution table capacity (maxInFlight*5); it must be >= 1.
func New(backend Backend, maxInFlight int, opts ...Option) *Worker {
	if maxInFlight < 1 {
		panic("worker: maxInFlight must be >= 1")
	}

	w := &Worker{
		backend:     backend,
		queue:       newWorkQueue(),
		table:       newResolutionTable(maxInFlight * tableCapacityFactor),
		refs:        newRefAllocator(maxInFlight * refLimitFactor),
		completions: newCompletionRegistry(),
		logits:      newLogitsStore(),
		handleGen:   UUIDv7Generator{},
		maxInFlight: maxInFlight,
	}

	for _, opt := range opts {
		opt(w)
	}

	return w
}

// SubmitAsync accepts a batch for asynchronous execution and returns
// immediately with the batch's logits handle (empty unless ReturnLogits is
// set) and the placeholder references standing in for its sampled tokens.
//
// The batch is snapshotted before enqueue; the caller may keep mutating its
// own copy. The returned references are valid inputs to later batches from
// the moment this call returns, even though their values do not exist yet.
//
// Errors: INVALID_BATCH for a malformed batch, DUPLICATE_BATCH_ID while the
// id's previous entry is unconsumed, WORKER_STOPPED after the consumer loop
// has terminated.
func (w *Worker) SubmitAsync(batch Batch) (LogitsHandle, []Token, error) {
	if batch.ID == "" {
		return "", nil, NewInvalidBatchError(batch.ID, "batch id must not be empty")
	}
	if batch.Size < 1 {
		return "", nil, NewInvalidBatchError(batch.ID, "batch size must be >= 1")
	}
	if batch.Size > w.maxInFlight {
		// The 5:3 table headroom is computed for runs of at most
		// maxInFlight references; a larger run could outgrow the table.
		return "", nil, NewInvalidBatchError(batch.ID,
			fmt.Sprintf("batch size %d exceeds maxInFlight %d", batch.Size, w.maxInFlight))
	}

	w.submitMu.Lock()
	defer w.submitMu.Unlock()

	if w.stopped.Load() {
		return "", nil, NewWorkerStoppedError(batch.ID, nil)
	}

	if err := w.completions.register(batch.ID); err != nil {
		return "", nil, err
	}

	refs := w.refs.allocate(batch.Size)

	var handle LogitsHandle
	if batch.ReturnLogits {
		handle = w.handleGen.Generate()
	}

	it := workItem{
		batch:      batch.Clone(),
		handle:     handle,
		refs:       refs,
		enqueuedAt: time.Now(),
	}
	if !w.queue.Enqueue(it) {
		// Queue closed between the stopped check and here.
		w.completions.drop(batch.ID)
		return "", nil, NewWorkerStoppedError(batch.ID, nil)
	}

	slog.Debug("batch submitted",
		"batch_id", batch.ID,
		"size", batch.Size,
		"return_logits", batch.ReturnLogits,
		"queue_depth", w.queue.Len(),
	)

	return handle, refs, nil
}

// ResolveTokens blocks until the batch's results are published, then removes
// the completion entry and returns the sampled tokens.
//
// This is the one blocking call exposed to callers. A second call for the
// same id fails with UNKNOWN_BATCH_ID: the entry is consumed at first pickup.
// A compute failure surfaces here as COMPUTE_FAILED; batches drained after a
// fatal failure or cancellation surface as WORKER_STOPPED.
func (w *Worker) ResolveTokens(bid BatchID) ([]Token, error) {
	return w.completions.awaitAndTake(bid)
}

// ResolveLogits removes and returns the auxiliary output published under
// handle. Callers must only call this after establishing, via ResolveTokens
// or other ordering, that the batch has completed; there is no wait
// primitive for logits-only consumers, and an early call fails with
// UNKNOWN_LOGITS_HANDLE.
func (w *Worker) ResolveLogits(handle LogitsHandle) (*Logits, error) {
	return w.logits.take(handle)
}

// QueueLen returns the current number of pending batches.
// Useful for monitoring and testing.
func (w *Worker) QueueLen() int {
	return w.queue.Len()
}

// Stop gracefully shuts down the worker: no further submissions are
// accepted, already-accepted batches are still processed, and Run returns
// once the queue is drained.
func (w *Worker) Stop() {
	w.stopped.Store(true)
	w.queue.Close()
}

// Run starts the consumer loop and blocks until the context is cancelled,
// Stop has been called and the queue is drained, or a compute failure
// terminates the loop.
//
// Must be called from exactly ONE goroutine: all backend calls and all
// resolution-table writes happen here, which is what pins the worker to a
// single ordered execution stream.
//
// On a compute failure the triggering batch's waiter receives
// COMPUTE_FAILED, every still-queued batch's waiter receives WORKER_STOPPED,
// and the failure is returned to whoever owns the worker. The loop is never
// restarted per batch: backend state is assumed unrecoverable after a
// mid-batch failure.
func (w *Worker) Run(ctx context.Context) error {
	slog.Info("worker starting",
		"max_in_flight", w.maxInFlight,
		"ref_limit", w.maxInFlight*refLimitFactor,
		"table_capacity", w.maxInFlight*tableCapacityFactor,
	)

	for {
		// Try non-blocking dequeue first
		it, ok := w.queue.TryDequeue()
		if ok {
			if err := w.process(ctx, it); err != nil {
				slog.Error("worker stopping: fatal batch failure",
					"batch_id", it.batch.ID,
					"error", err,
				)
				w.shutdown(err)
				return err
			}
			continue
		}

		// No batch ready - wait for signal or context cancellation
		select {
		case <-ctx.Done():
			slog.Info("worker stopping: context cancelled")
			w.shutdown(ctx.Err())
			return ctx.Err()

		case _, open := <-w.queue.Wait():
			// A received token means items may be available - loop back to
			// TryDequeue. The token can be stale: enqueues coalesce into the
			// buffered signal, so a drain via TryDequeue may leave one behind.
			// Only a CLOSED channel with a drained queue ends the loop; a
			// stale token on an open queue must not.
			if !open && w.queue.Len() == 0 {
				slog.Info("worker stopping: queue closed")
				return nil
			}
		}
	}
}

// process executes one dequeued batch through the five pipeline steps.
// A non-nil return is fatal to the consumer loop; the triggering batch's
// waiter has already been signalled with the error by the time it returns.
func (w *Worker) process(ctx context.Context, it workItem) error {
	started := time.Now()

	// 1. Substitute placeholders. FIFO ordering guarantees every referenced
	// slot was written while processing an earlier batch.
	for i, tok := range it.batch.InputTokens {
		if !tok.IsPlaceholder() {
			continue
		}
		value, err := w.table.read(tok)
		if err != nil {
			// Scheduling-order bug: fail the batch and the loop.
			w.signalOrLog(it.batch.ID, nil, err)
			w.record(ctx, it, started, err)
			return err
		}
		it.batch.InputTokens[i] = value
	}

	// 2. Forward pass + sampling. The only step expected to dominate latency.
	logits, next, err := w.backend.ForwardAndSample(ctx, it.batch)
	if err != nil {
		cerr := NewComputeError(it.batch.ID, err)
		w.signalOrLog(it.batch.ID, nil, cerr)
		w.record(ctx, it, started, cerr)
		return cerr
	}
	if len(next) != it.batch.Size {
		cerr := &SchedulerError{
			Code:    ErrCodeComputeFailed,
			Message: fmt.Sprintf("backend returned %d tokens for batch size %d", len(next), it.batch.Size),
			BatchID: it.batch.ID,
		}
		w.signalOrLog(it.batch.ID, nil, cerr)
		w.record(ctx, it, started, cerr)
		return cerr
	}

	// 3. Publish auxiliary output before the completion signal.
	if it.batch.ReturnLogits {
		w.logits.put(it.handle, logits)
	}

	// 4. Publish resolved tokens. Must precede step 5: a waiter woken by the
	// signal may immediately mint a downstream batch referencing these slots.
	for i, ref := range it.refs {
		w.table.write(ref, next[i])
	}

	// 5. Signal completion.
	w.signalOrLog(it.batch.ID, next, nil)

	w.record(ctx, it, started, nil)

	slog.Debug("batch completed",
		"batch_id", it.batch.ID,
		"size", it.batch.Size,
		"queue_depth", w.queue.Len(),
		"compute_ms", time.Since(started).Milliseconds(),
	)

	return nil
}

// signalOrLog signals a completion entry, logging instead of failing when
// the entry is missing (a caller consumed or never registered it - contract
// violation, but not one worth killing the loop over).
func (w *Worker) signalOrLog(bid BatchID, tokens []Token, result error) {
	if err := w.completions.signal(bid, tokens, result); err != nil {
		slog.Error("completion signal failed",
			"batch_id", bid,
			"error", err,
		)
	}
}

// record hands a finished batch to the tracer, if one is attached.
func (w *Worker) record(ctx context.Context, it workItem, started time.Time, result error) {
	if w.tracer == nil {
		return
	}

	bt := BatchTrace{
		BatchID:    it.batch.ID,
		Size:       it.batch.Size,
		QueueDepth: w.queue.Len(),
		EnqueuedAt: it.enqueuedAt,
		StartedAt:  started,
		FinishedAt: time.Now(),
		Status:     "ok",
	}
	if result != nil {
		bt.Status = "error"
		bt.Error = result.Error()
	}

	if err := w.tracer.RecordBatch(ctx, bt); err != nil {
		slog.Error("trace record failed", "batch_id", it.batch.ID, "error", err)
	}
}

// shutdown rejects future submissions and resolves every still-queued
// batch's waiter with WORKER_STOPPED so nobody blocks forever.
func (w *Worker) shutdown(cause error) {
	w.stopped.Store(true)
	w.queue.Close()

	for {
		it, ok := w.queue.TryDequeue()
		if !ok {
			return
		}
		w.signalOrLog(it.batch.ID, nil, NewWorkerStoppedError(it.batch.ID, cause))
	}
}
