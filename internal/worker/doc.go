// Package worker implements the overlapped execution scheduler of an
// inference worker.
//
// The scheduler lets the submission path hand work to a compute backend
// without ever waiting for it: SubmitAsync returns immediately with
// placeholder references for the tokens the batch will eventually produce,
// and a single dedicated consumer goroutine performs the actual forward
// pass and resolves those placeholders later.
//
// ARCHITECTURE:
//
// Single-Consumer Loop:
// All backend calls and all resolution-table writes happen in one goroutine
// (Worker.Run). This ensures:
// - Batches are processed strictly in submission order
// - A batch referencing an earlier batch's placeholders always finds them
//   resolved by the time it is dequeued
// - No locking is needed on the table's hot path
//
// Pipeline per dequeued batch:
// 1. Substitute placeholders: negative input tokens are replaced by reading
//    the resolution table
// 2. Invoke Backend.ForwardAndSample (the only slow step)
// 3. Publish logits under the batch's handle (only if requested)
// 4. Publish sampled tokens into the resolution table
// 5. Signal the batch's completion entry
//
// Steps 4 and 5 must occur in this order: the completion signal is the
// externally visible "safe to depend on these tokens" event. A waiter woken
// by step 5 may immediately submit a downstream batch that references the
// tokens written in step 4.
//
// CRITICAL PATTERNS:
//
// Bounded reference namespace:
// Placeholders are negative integers whose magnitudes come from a counter
// that wraps at maxInFlight*3, while the table holds maxInFlight*5 slots.
// The 5:3 headroom guarantees the active window of unresolved references
// never wraps onto slots still holding values another in-flight batch
// depends on, provided the consumer keeps pace.
//
// One-shot rendezvous per batch id:
// Each submitted batch registers a single-use completion entry. The entry
// is signalled exactly once by the consumer and deleted at first pickup;
// a second pickup for the same id is a usage error, as is reusing a batch
// id while its entry is still live.
package worker
