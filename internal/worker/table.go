package worker

// resolutionTable is the fixed-capacity indirection table mapping a
// placeholder reference to its resolved token.
//
// Slots are addressed by reference magnitude and simply overwritten as the
// allocator wraps; there is no growth and no eviction. Safety of overwrite
// rests on the 5:3 capacity-to-limit headroom documented in the package
// comment.
//
// Only the consumer goroutine reads or writes the table, so no locking is
// required. The written bitmap exists purely to catch scheduling-order bugs:
// a read of a never-written slot cannot happen when batches are processed in
// submission order, and surfaces as UNRESOLVED_REFERENCE if it ever does.
type resolutionTable struct {
	slots   []Token
	written []bool
}

// newResolutionTable creates a table with the given slot capacity.
func newResolutionTable(capacity int) *resolutionTable {
	return &resolutionTable{
		slots:   make([]Token, capacity),
		written: make([]bool, capacity),
	}
}

// write stores value at the slot addressed by ref's magnitude.
func (t *resolutionTable) write(ref, value Token) {
	idx := int(-ref)
	t.slots[idx] = value
	t.written[idx] = true
}

// read returns the last value written at ref's magnitude.
// Returns UNRESOLVED_REFERENCE if the slot was never written or the
// reference is out of range.
func (t *resolutionTable) read(ref Token) (Token, error) {
	idx := int(-ref)
	if idx <= 0 || idx >= len(t.slots) || !t.written[idx] {
		return 0, NewUnresolvedReferenceError(ref)
	}
	return t.slots[idx], nil
}
