package worker

import "context"

// Backend performs the forward pass and sampling for one batch.
//
// The worker invokes ForwardAndSample only from its single consumer
// goroutine, which is how a fixed device stream is modelled here: all
// backend calls for one worker instance are strictly serialized and
// ordered. Implementations never see two concurrent calls.
//
// Contract:
//   - batch.InputTokens contains no placeholder references (the worker
//     substitutes them before calling)
//   - the returned token slice has exactly batch.Size entries
//   - logits may be nil unless batch.ReturnLogits is set
//   - an error is fatal to the worker: a mid-batch failure is assumed to
//     leave the backend's internal state unrecoverable
type Backend interface {
	ForwardAndSample(ctx context.Context, batch Batch) (*Logits, []Token, error)
}
