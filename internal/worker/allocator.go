package worker

// refAllocator mints forward-reference identifiers from a bounded, wrapping
// namespace.
//
// Each allocation hands out bs consecutive negative references with
// magnitudes counter+1 .. counter+bs, then advances the counter by bs modulo
// limit. The magnitudes themselves are deliberately NOT reduced modulo limit:
// an allocation that straddles the wrap point keeps its run contiguous (up to
// limit+bs-1), and the table is sized with headroom to hold it. Only the
// counter wraps.
//
// Wrap-around is normal operation, not a fault. Non-aliasing of live
// references is a liveness property of the consumer keeping pace, not
// something the allocator enforces.
//
// Not safe for concurrent use; the Worker serializes calls under its
// submission mutex.
type refAllocator struct {
	counter int
	limit   int
}

// newRefAllocator creates an allocator whose counter wraps at limit.
func newRefAllocator(limit int) *refAllocator {
	return &refAllocator{limit: limit}
}

// allocate returns bs consecutive placeholder references and advances the
// counter. bs must be >= 1; the Worker validates before calling.
func (a *refAllocator) allocate(bs int) []Token {
	refs := make([]Token, bs)
	for i := range refs {
		refs[i] = -Token(a.counter + 1 + i)
	}
	a.counter = (a.counter + bs) % a.limit
	return refs
}
