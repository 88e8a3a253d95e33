// Package mock provides a deterministic in-process compute backend.
//
// It stands in for a real model runner in the CLI demo loop and in
// integration tests: sampling is a pure function of the (substituted)
// input tokens, so a given submission schedule always produces the same
// token stream. An optional fixed latency simulates compute time.
package mock

import (
	"context"
	"time"

	"github.com/tidescale/inferd/internal/worker"
)

// Backend is a deterministic worker.Backend implementation.
type Backend struct {
	vocabSize worker.Token
	latency   time.Duration
}

// New creates a mock backend over a vocabulary of vocabSize tokens.
// latency, when non-zero, is slept on every forward call.
func New(vocabSize int, latency time.Duration) *Backend {
	if vocabSize < 1 {
		panic("mock: vocabSize must be >= 1")
	}
	return &Backend{
		vocabSize: worker.Token(vocabSize),
		latency:   latency,
	}
}

// ForwardAndSample samples batch.Size tokens deterministically: token i is
// (sum of inputs + i + 1) modulo the vocabulary size. When the batch
// requests logits, a one-hot Rows x VocabSize matrix is synthesized with
// the sampled token's column set.
func (b *Backend) ForwardAndSample(ctx context.Context, batch worker.Batch) (*worker.Logits, []worker.Token, error) {
	if b.latency > 0 {
		select {
		case <-time.After(b.latency):
		case <-ctx.Done():
			return nil, nil, ctx.Err()
		}
	}

	var sum worker.Token
	for _, tok := range batch.InputTokens {
		sum += tok
	}

	next := make([]worker.Token, batch.Size)
	for i := range next {
		next[i] = (sum + worker.Token(i) + 1) % b.vocabSize
	}

	var logits *worker.Logits
	if batch.ReturnLogits {
		logits = &worker.Logits{
			Rows: batch.Size,
			Cols: int(b.vocabSize),
			Data: make([]float32, batch.Size*int(b.vocabSize)),
		}
		for i, tok := range next {
			logits.Data[i*int(b.vocabSize)+int(tok)] = 1.0
		}
	}

	return logits, next, nil
}
