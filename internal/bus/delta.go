package bus

// DefaultMaxRetained is the default bound on retained deltas per node.
const DefaultMaxRetained = 100

// Delta is a single versioned change record. Versions are assigned per
// node, start at 1, and increase by one per publish.
type Delta struct {
	// Version is the monotonically increasing change number.
	Version uint64

	// Payload is the value published at this version.
	Payload any
}

// deltaBuffer is a bounded, versioned history of changes for one node.
// It lets a lagging consumer catch up without a full snapshot, as long
// as its last seen version is still inside the retained window.
type deltaBuffer struct {
	deltas      []Delta
	maxRetained int

	// oldestVersion is the version of the oldest retained delta, or one
	// past the last evicted delta when the buffer is empty.
	oldestVersion uint64

	// lastVersion is the most recently assigned version, 0 before the
	// first append.
	lastVersion uint64
}

// newDeltaBuffer creates an empty buffer retaining at most maxRetained
// deltas. Non-positive values fall back to DefaultMaxRetained.
func newDeltaBuffer(maxRetained int) *deltaBuffer {
	if maxRetained <= 0 {
		maxRetained = DefaultMaxRetained
	}
	return &deltaBuffer{
		maxRetained:   maxRetained,
		oldestVersion: 1,
	}
}

// append records a new payload, assigns it the next version, and evicts
// from the front once the retained window is full.
func (b *deltaBuffer) append(payload any) Delta {
	b.lastVersion++
	d := Delta{Version: b.lastVersion, Payload: payload}
	b.deltas = append(b.deltas, d)

	if excess := len(b.deltas) - b.maxRetained; excess > 0 {
		b.deltas = append(b.deltas[:0], b.deltas[excess:]...)
	}
	b.oldestVersion = b.deltas[0].Version

	return d
}

// since returns all retained deltas with a version greater than v.
// It returns ErrResyncRequired when v predates the retained window,
// meaning the missing history has been evicted and the caller must
// fetch a full snapshot instead.
func (b *deltaBuffer) since(v uint64) ([]Delta, error) {
	if v+1 < b.oldestVersion {
		return nil, ErrResyncRequired
	}
	if v >= b.lastVersion {
		return nil, nil
	}

	// First retained delta with version > v.
	start := int(v + 1 - b.oldestVersion)
	out := make([]Delta, len(b.deltas)-start)
	copy(out, b.deltas[start:])
	return out, nil
}

// latest returns the most recent retained delta.
func (b *deltaBuffer) latest() (Delta, bool) {
	if len(b.deltas) == 0 {
		return Delta{}, false
	}
	return b.deltas[len(b.deltas)-1], true
}
