package worker

// Token is a single vocabulary token id. Negative values are placeholder
// references: the magnitude is an index into the resolution table and stands
// for a token a previously submitted batch has not yet produced.
type Token int32

// IsPlaceholder reports whether the token is a forward reference rather
// than a literal vocabulary id.
func (t Token) IsPlaceholder() bool {
	return t < 0
}

// BatchID identifies a batch. It must be unique among in-flight batches;
// reusing an id while its completion entry is still live is a caller
// contract violation and is rejected with DUPLICATE_BATCH_ID.
type BatchID string

// Batch is one unit of submitted work: an ordered token sequence covering
// Size independent sequences, processed by the backend in a single call.
//
// Ownership: the submitter builds a Batch and passes it to SubmitAsync,
// which snapshots it (deep copy of InputTokens). The submitter may keep
// mutating its own copy afterwards; the consumer goroutine exclusively owns
// the snapshot until the batch completes.
type Batch struct {
	// ID is the caller-assigned batch identifier.
	ID BatchID

	// InputTokens is the flattened input sequence. Entries may be
	// placeholder references minted by an earlier SubmitAsync call.
	InputTokens []Token

	// Size is the number of independent sequences in the batch (bs).
	// The backend returns exactly Size sampled tokens.
	Size int

	// ReturnLogits requests that the forward pass output be retained
	// for pickup via ResolveLogits.
	ReturnLogits bool
}

// Clone returns a copy of the batch with its own InputTokens backing array.
// SubmitAsync clones every batch so later caller mutations cannot race the
// consumer goroutine.
func (b Batch) Clone() Batch {
	tokens := make([]Token, len(b.InputTokens))
	copy(tokens, b.InputTokens)
	b.InputTokens = tokens
	return b
}

// Logits is the auxiliary forward-pass output for one batch: a dense
// Rows x Cols matrix in row-major order, one row per sequence.
type Logits struct {
	Data []float32
	Rows int
	Cols int
}
