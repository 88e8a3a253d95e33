package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// sumBackend is a deterministic scripted backend: every sampled token is the
// sum of the (already substituted) input tokens plus the sequence index plus
// one. It records the inputs it was called with, which is how tests observe
// placeholder substitution.
type sumBackend struct {
	mu     sync.Mutex
	inputs [][]Token

	// gate, when non-nil, blocks every forward call until the channel is
	// closed. Used to prove the submission path never waits on compute.
	gate chan struct{}

	// failOn makes the forward call fail for a specific batch id.
	failOn BatchID
}

func (b *sumBackend) ForwardAndSample(ctx context.Context, batch Batch) (*Logits, []Token, error) {
	if b.gate != nil {
		select {
		case <-b.gate:
		case <-ctx.Done():
			return nil, nil, ctx.Err()
		}
	}

	in := make([]Token, len(batch.InputTokens))
	copy(in, batch.InputTokens)
	b.mu.Lock()
	b.inputs = append(b.inputs, in)
	b.mu.Unlock()

	if batch.ID == b.failOn {
		return nil, nil, errors.New("accelerator context lost")
	}

	var sum Token
	for _, tok := range batch.InputTokens {
		sum += tok
	}
	next := make([]Token, batch.Size)
	for i := range next {
		next[i] = sum + Token(i) + 1
	}

	var logits *Logits
	if batch.ReturnLogits {
		logits = &Logits{
			Rows: batch.Size,
			Cols: 4,
			Data: make([]float32, batch.Size*4),
		}
	}
	return logits, next, nil
}

func (b *sumBackend) calls() [][]Token {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([][]Token, len(b.inputs))
	copy(out, b.inputs)
	return out
}

// startWorker runs the consumer loop in a goroutine and returns a stop
// function that drains the queue and reports Run's return value.
func startWorker(t *testing.T, w *Worker) func() error {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		errCh <- w.Run(ctx)
	}()

	return func() error {
		w.Stop()
		select {
		case err := <-errCh:
			cancel()
			return err
		case <-time.After(5 * time.Second):
			cancel()
			t.Fatal("worker did not stop in time")
			return nil
		}
	}
}

func TestWorker_SubmitReturnsPlaceholders(t *testing.T) {
	backend := &sumBackend{}
	w := New(backend, 4)
	stop := startWorker(t, w)
	defer stop()

	handle, refs, err := w.SubmitAsync(Batch{ID: "batch-a", InputTokens: []Token{5, 7}, Size: 2})
	require.NoError(t, err)
	assert.Empty(t, handle, "no logits requested, no handle minted")
	assert.Equal(t, []Token{-1, -2}, refs)

	tokens, err := w.ResolveTokens("batch-a")
	require.NoError(t, err)
	assert.Equal(t, []Token{13, 14}, tokens)
}

func TestWorker_PlaceholderTransparency(t *testing.T) {
	backend := &sumBackend{}
	w := New(backend, 4)
	stop := startWorker(t, w)
	defer stop()

	// Batch A produces tokens the not-yet-resolved refs [-1,-2] stand for.
	_, refsA, err := w.SubmitAsync(Batch{ID: "batch-a", InputTokens: []Token{5, 7}, Size: 2})
	require.NoError(t, err)
	require.Equal(t, []Token{-1, -2}, refsA)

	// Batch B consumes A's first output before A has computed.
	_, _, err = w.SubmitAsync(Batch{ID: "batch-b", InputTokens: []Token{refsA[0]}, Size: 1})
	require.NoError(t, err)

	tokensA, err := w.ResolveTokens("batch-a")
	require.NoError(t, err)
	require.Equal(t, []Token{13, 14}, tokensA)

	tokensB, err := w.ResolveTokens("batch-b")
	require.NoError(t, err)
	assert.Equal(t, []Token{14}, tokensB)

	// The backend must have seen the literal token, not the reference.
	calls := backend.calls()
	require.Len(t, calls, 2)
	assert.Equal(t, []Token{5, 7}, calls[0])
	assert.Equal(t, []Token{13}, calls[1], "ref -1 substituted with batch A's first token")
}

func TestWorker_OrderPreservation(t *testing.T) {
	backend := &sumBackend{}
	w := New(backend, 4)
	stop := startWorker(t, w)
	defer stop()

	ids := []BatchID{"b-1", "b-2", "b-3", "b-4", "b-5"}
	for i, id := range ids {
		_, _, err := w.SubmitAsync(Batch{ID: id, InputTokens: []Token{Token(10 * (i + 1))}, Size: 1})
		require.NoError(t, err)
	}

	for i, id := range ids {
		tokens, err := w.ResolveTokens(id)
		require.NoError(t, err)
		assert.Equal(t, []Token{Token(10*(i+1) + 1)}, tokens)
	}

	calls := backend.calls()
	require.Len(t, calls, len(ids))
	for i := range ids {
		assert.Equal(t, []Token{Token(10 * (i + 1))}, calls[i], "FIFO processing order")
	}
}

func TestWorker_SubmitNeverBlocksOnCompute(t *testing.T) {
	backend := &sumBackend{gate: make(chan struct{})}
	w := New(backend, 4)
	stop := startWorker(t, w)
	defer stop()

	// With the backend gated, every submission must still return immediately.
	for _, id := range []BatchID{"b-1", "b-2", "b-3"} {
		_, _, err := w.SubmitAsync(Batch{ID: id, InputTokens: []Token{1}, Size: 1})
		require.NoError(t, err)
	}

	close(backend.gate)

	for _, id := range []BatchID{"b-1", "b-2", "b-3"} {
		_, err := w.ResolveTokens(id)
		require.NoError(t, err)
	}
}

// Two enqueues while the consumer is busy coalesce into one buffered signal
// token; after TryDequeue drains both batches the leftover token goes stale.
// The loop must treat a stale token on an open queue as a wakeup, not as
// shutdown: a later batch still has to be processed.
func TestWorker_RunSurvivesStaleQueueSignal(t *testing.T) {
	backend := &sumBackend{gate: make(chan struct{})}
	w := New(backend, 4)
	stop := startWorker(t, w)
	defer stop()

	_, _, err := w.SubmitAsync(Batch{ID: "b-1", InputTokens: []Token{1}, Size: 1})
	require.NoError(t, err)
	_, _, err = w.SubmitAsync(Batch{ID: "b-2", InputTokens: []Token{2}, Size: 1})
	require.NoError(t, err)

	close(backend.gate)
	_, err = w.ResolveTokens("b-1")
	require.NoError(t, err)
	_, err = w.ResolveTokens("b-2")
	require.NoError(t, err)

	// Let the consumer drain the queue and park in its select, where any
	// leftover signal token is waiting for it.
	time.Sleep(50 * time.Millisecond)

	_, _, err = w.SubmitAsync(Batch{ID: "b-3", InputTokens: []Token{3}, Size: 1})
	require.NoError(t, err)

	resolved := make(chan error, 1)
	go func() {
		_, err := w.ResolveTokens("b-3")
		resolved <- err
	}()
	select {
	case err := <-resolved:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("consumer loop stopped on a stale signal; batch b-3 never resolved")
	}
}

func TestWorker_SnapshotIsolatesCallerMutation(t *testing.T) {
	backend := &sumBackend{gate: make(chan struct{})}
	w := New(backend, 4)
	stop := startWorker(t, w)
	defer stop()

	input := []Token{5}
	_, _, err := w.SubmitAsync(Batch{ID: "batch-a", InputTokens: input, Size: 1})
	require.NoError(t, err)

	// Caller mutates its working copy after submission.
	input[0] = 100
	close(backend.gate)

	tokens, err := w.ResolveTokens("batch-a")
	require.NoError(t, err)
	assert.Equal(t, []Token{6}, tokens, "worker processed the snapshot, not the mutated slice")
}

func TestWorker_SingleConsumption(t *testing.T) {
	backend := &sumBackend{}
	w := New(backend, 4)
	stop := startWorker(t, w)
	defer stop()

	_, _, err := w.SubmitAsync(Batch{ID: "batch-a", InputTokens: []Token{1}, Size: 1})
	require.NoError(t, err)

	_, err = w.ResolveTokens("batch-a")
	require.NoError(t, err)

	_, err = w.ResolveTokens("batch-a")
	require.Error(t, err)
	assert.True(t, IsUnknownBatchID(err))
}

func TestWorker_DuplicateBatchIDRejected(t *testing.T) {
	backend := &sumBackend{gate: make(chan struct{})}
	w := New(backend, 4)
	stop := startWorker(t, w)
	defer stop()

	_, _, err := w.SubmitAsync(Batch{ID: "batch-a", InputTokens: []Token{1}, Size: 1})
	require.NoError(t, err)

	// Entry still live: reuse is a contract violation.
	_, _, err = w.SubmitAsync(Batch{ID: "batch-a", InputTokens: []Token{2}, Size: 1})
	require.Error(t, err)
	assert.True(t, IsDuplicateBatchID(err))

	close(backend.gate)
	_, err = w.ResolveTokens("batch-a")
	require.NoError(t, err)

	// Consumed: the id is free again.
	_, _, err = w.SubmitAsync(Batch{ID: "batch-a", InputTokens: []Token{3}, Size: 1})
	assert.NoError(t, err)
	_, err = w.ResolveTokens("batch-a")
	require.NoError(t, err)
}

func TestWorker_InvalidBatch(t *testing.T) {
	w := New(&sumBackend{}, 4)

	_, _, err := w.SubmitAsync(Batch{ID: "", InputTokens: []Token{1}, Size: 1})
	require.Error(t, err)
	var se *SchedulerError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, ErrCodeInvalidBatch, se.Code)

	_, _, err = w.SubmitAsync(Batch{ID: "batch-a", Size: 0})
	require.ErrorAs(t, err, &se)
	assert.Equal(t, ErrCodeInvalidBatch, se.Code)

	// A run longer than maxInFlight could outgrow the resolution table.
	_, _, err = w.SubmitAsync(Batch{ID: "batch-a", InputTokens: []Token{1, 2, 3, 4, 5}, Size: 5})
	require.ErrorAs(t, err, &se)
	assert.Equal(t, ErrCodeInvalidBatch, se.Code)
}

func TestWorker_LogitsIsolation(t *testing.T) {
	backend := &sumBackend{}
	w := New(backend, 4, WithHandleGenerator(NewFixedGenerator("logits-a")))
	stop := startWorker(t, w)
	defer stop()

	// Batch without the flag never creates a logits entry.
	handle, _, err := w.SubmitAsync(Batch{ID: "plain", InputTokens: []Token{1}, Size: 1})
	require.NoError(t, err)
	assert.Empty(t, handle)

	_, err = w.ResolveTokens("plain")
	require.NoError(t, err)

	_, err = w.ResolveLogits(handle)
	require.Error(t, err)
	assert.True(t, IsUnknownLogitsHandle(err))

	// Batch with the flag publishes exactly one pickup.
	handle, _, err = w.SubmitAsync(Batch{ID: "with-logits", InputTokens: []Token{2}, Size: 1, ReturnLogits: true})
	require.NoError(t, err)
	require.Equal(t, LogitsHandle("logits-a"), handle)

	_, err = w.ResolveTokens("with-logits")
	require.NoError(t, err)

	logits, err := w.ResolveLogits(handle)
	require.NoError(t, err)
	require.NotNil(t, logits)
	assert.Equal(t, 1, logits.Rows)
	assert.Equal(t, 4, logits.Cols)

	_, err = w.ResolveLogits(handle)
	require.Error(t, err)
	assert.True(t, IsUnknownLogitsHandle(err), "logits are consumed at first pickup")
}

func TestWorker_FaultPropagation(t *testing.T) {
	backend := &sumBackend{failOn: "batch-x"}
	w := New(backend, 4)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errCh := make(chan error, 1)
	go func() {
		errCh <- w.Run(ctx)
	}()

	_, _, err := w.SubmitAsync(Batch{ID: "batch-x", InputTokens: []Token{1}, Size: 1})
	require.NoError(t, err)
	_, _, err = w.SubmitAsync(Batch{ID: "batch-y", InputTokens: []Token{2}, Size: 1})
	require.NoError(t, err)

	// The triggering batch's waiter gets the compute failure.
	_, err = w.ResolveTokens("batch-x")
	require.Error(t, err)
	assert.True(t, IsComputeFailed(err))

	// The stranded batch's waiter is resolved rather than leaked.
	_, err = w.ResolveTokens("batch-y")
	require.Error(t, err)
	assert.True(t, IsWorkerStopped(err))

	// The loop terminates with the compute failure.
	select {
	case runErr := <-errCh:
		assert.True(t, IsComputeFailed(runErr))
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after compute failure")
	}

	// Submissions after a fatal compute error are rejected.
	_, _, err = w.SubmitAsync(Batch{ID: "batch-z", InputTokens: []Token{3}, Size: 1})
	require.Error(t, err)
	assert.True(t, IsWorkerStopped(err))
}

func TestWorker_StopDrainsAcceptedBatches(t *testing.T) {
	backend := &sumBackend{}
	w := New(backend, 4)

	_, _, err := w.SubmitAsync(Batch{ID: "batch-a", InputTokens: []Token{1}, Size: 1})
	require.NoError(t, err)
	_, _, err = w.SubmitAsync(Batch{ID: "batch-b", InputTokens: []Token{2}, Size: 1})
	require.NoError(t, err)

	w.Stop()

	// Run drains already-accepted batches, then exits cleanly.
	require.NoError(t, w.Run(context.Background()))

	tokens, err := w.ResolveTokens("batch-a")
	require.NoError(t, err)
	assert.Equal(t, []Token{2}, tokens)

	tokens, err = w.ResolveTokens("batch-b")
	require.NoError(t, err)
	assert.Equal(t, []Token{3}, tokens)

	_, _, err = w.SubmitAsync(Batch{ID: "batch-c", InputTokens: []Token{3}, Size: 1})
	require.Error(t, err)
	assert.True(t, IsWorkerStopped(err))
}

func TestWorker_ContextCancellation(t *testing.T) {
	w := New(&sumBackend{}, 4)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		errCh <- w.Run(ctx)
	}()

	cancel()

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancellation")
	}

	_, _, err := w.SubmitAsync(Batch{ID: "late", InputTokens: []Token{1}, Size: 1})
	assert.True(t, IsWorkerStopped(err))
}

// Three batches of bs=4 through a maxInFlight=4 worker: limit=12,
// capacity=20. All three are accepted without blocking and resolve in
// submission order with no cross-contamination.
func TestWorker_EndToEnd_PipelineDepth(t *testing.T) {
	backend := &sumBackend{}
	w := New(backend, 4)
	stop := startWorker(t, w)
	defer stop()

	_, refs1, err := w.SubmitAsync(Batch{ID: "gen-1", InputTokens: []Token{1, 2, 3, 4}, Size: 4})
	require.NoError(t, err)
	require.Equal(t, []Token{-1, -2, -3, -4}, refs1)

	_, refs2, err := w.SubmitAsync(Batch{ID: "gen-2", InputTokens: refs1, Size: 4})
	require.NoError(t, err)
	require.Equal(t, []Token{-5, -6, -7, -8}, refs2)

	_, refs3, err := w.SubmitAsync(Batch{ID: "gen-3", InputTokens: refs2, Size: 4})
	require.NoError(t, err)
	require.Equal(t, []Token{-9, -10, -11, -12}, refs3)

	tokens1, err := w.ResolveTokens("gen-1")
	require.NoError(t, err)
	assert.Equal(t, []Token{11, 12, 13, 14}, tokens1)

	tokens2, err := w.ResolveTokens("gen-2")
	require.NoError(t, err)
	assert.Equal(t, []Token{51, 52, 53, 54}, tokens2)

	tokens3, err := w.ResolveTokens("gen-3")
	require.NoError(t, err)
	assert.Equal(t, []Token{211, 212, 213, 214}, tokens3)
}

// Chained single-sequence decode across more rounds than the reference
// namespace holds: the counter wraps twice, slots are overwritten, and
// values still propagate correctly because the consumer keeps pace.
func TestWorker_NonAliasingAcrossWrap(t *testing.T) {
	backend := &sumBackend{}
	w := New(backend, 4) // limit=12, capacity=20
	stop := startWorker(t, w)
	defer stop()

	const rounds = 30

	prev := Token(3) // literal seed
	for i := 0; i < rounds; i++ {
		id := BatchID(fmt.Sprintf("round-%02d", i))
		_, refs, err := w.SubmitAsync(Batch{ID: id, InputTokens: []Token{prev}, Size: 1})
		require.NoError(t, err)
		require.Len(t, refs, 1)

		tokens, err := w.ResolveTokens(id)
		require.NoError(t, err)
		require.Len(t, tokens, 1)
		assert.Equal(t, Token(4+i), tokens[0], "round %d", i)

		prev = refs[0] // next round consumes this round's placeholder
	}
}

func TestWorker_QueueLen(t *testing.T) {
	backend := &sumBackend{gate: make(chan struct{})}
	w := New(backend, 4)
	stop := startWorker(t, w)
	defer stop()

	_, _, err := w.SubmitAsync(Batch{ID: "a", InputTokens: []Token{1}, Size: 1})
	require.NoError(t, err)
	_, _, err = w.SubmitAsync(Batch{ID: "b", InputTokens: []Token{2}, Size: 1})
	require.NoError(t, err)

	// The first batch may already be dequeued and gated inside the backend,
	// so depth is at least one but never more than two.
	assert.LessOrEqual(t, w.QueueLen(), 2)
	assert.GreaterOrEqual(t, w.QueueLen(), 1)

	close(backend.gate)
	_, err = w.ResolveTokens("a")
	require.NoError(t, err)
	_, err = w.ResolveTokens("b")
	require.NoError(t, err)
}
