package bus

import (
	"sync"

	"github.com/dshills/pathbus/internal/bus/path"
)

// SyncState is a consumer-side view of how current a subscription is.
type SyncState int

const (
	// StateUnsubscribed means no subscription is held.
	StateUnsubscribed SyncState = iota

	// StateSubscribing means the subscription is live but no value has
	// arrived yet.
	StateSubscribing

	// StateSynced means the consumer has the latest published value.
	StateSynced

	// StateStale means the underlying transport signaled a gap; the
	// local view may be behind.
	StateStale

	// StateResyncing means a resync is in progress and a full snapshot
	// is needed to complete it.
	StateResyncing
)

// String returns a human-readable state name.
func (s SyncState) String() string {
	switch s {
	case StateUnsubscribed:
		return "unsubscribed"
	case StateSubscribing:
		return "subscribing"
	case StateSynced:
		return "synced"
	case StateStale:
		return "stale"
	case StateResyncing:
		return "resyncing"
	default:
		return "unknown"
	}
}

// Tracker follows one concrete path on behalf of a consumer, tracking
// the last seen delta version and driving the resync protocol when the
// transport reports a gap.
//
// The bus itself never generates staleness; the transport (or whoever
// owns the connection) calls MarkStale on disconnect, and the consumer
// drives Resync / ResolveResync afterward.
type Tracker struct {
	mu sync.Mutex

	bus      *Bus
	path     path.Path
	onChange OnChange

	state       SyncState
	lastVersion uint64
	dispose     Disposer
}

// NewTracker creates a tracker for p. The consumer callback receives
// initial snapshots, live publishes, and replayed deltas alike.
func NewTracker(b *Bus, p path.Path, onChange OnChange) *Tracker {
	return &Tracker{
		bus:      b,
		path:     p,
		onChange: onChange,
		state:    StateUnsubscribed,
	}
}

// Start subscribes. If the path already has a cached value the tracker
// is synced before Start returns; otherwise it stays in the
// subscribing state until the first publish arrives.
func (t *Tracker) Start() error {
	t.mu.Lock()
	if t.state != StateUnsubscribed {
		t.mu.Unlock()
		return nil
	}
	t.state = StateSubscribing
	t.mu.Unlock()

	dispose, err := t.bus.Subscribe(t.path, t.handle)
	if err != nil {
		t.mu.Lock()
		t.state = StateUnsubscribed
		t.mu.Unlock()
		return err
	}

	t.mu.Lock()
	t.dispose = dispose
	t.mu.Unlock()
	return nil
}

// handle is the bus callback. Deliveries observed while stale are
// ignored; the consumer resolves staleness explicitly through Resync
// so replay and live notifications cannot interleave out of order.
func (t *Tracker) handle(next, prev any, p path.Path) {
	version := t.bus.Version(p)

	t.mu.Lock()
	switch t.state {
	case StateStale, StateResyncing:
		t.mu.Unlock()
		return
	case StateUnsubscribed:
		t.mu.Unlock()
		return
	default:
	}
	t.state = StateSynced
	if version > t.lastVersion {
		t.lastVersion = version
	}
	t.mu.Unlock()

	t.onChange(next, prev, p)
}

// State returns the current sync state.
func (t *Tracker) State() SyncState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// LastVersion returns the last delta version the consumer has seen.
func (t *Tracker) LastVersion() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastVersion
}

// MarkStale records that the underlying transport signaled a
// disconnect or gap. It is a no-op unless the tracker is synced or
// still subscribing.
func (t *Tracker) MarkStale() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state == StateSynced || t.state == StateSubscribing {
		t.state = StateStale
	}
}

// Resync catches the consumer up from its last seen version. Replayed
// deltas are delivered through the consumer callback in order and the
// tracker returns to synced.
//
// When the needed history has been evicted, Resync returns
// ErrResyncRequired and leaves the tracker resyncing: the consumer
// must fetch a full snapshot out-of-band and complete with
// ResolveResync.
func (t *Tracker) Resync() error {
	t.mu.Lock()
	if t.state != StateStale {
		t.mu.Unlock()
		return ErrNotStale
	}
	t.state = StateResyncing
	since := t.lastVersion
	t.mu.Unlock()

	deltas, err := t.bus.DeltasSince(t.path, since)
	if err != nil {
		// ErrResyncRequired: stay resyncing until ResolveResync.
		return err
	}

	t.mu.Lock()
	var prev any
	hasPrev := false
	if len(deltas) > 0 {
		t.lastVersion = deltas[len(deltas)-1].Version
	}
	t.state = StateSynced
	t.mu.Unlock()

	for _, d := range deltas {
		if hasPrev {
			t.onChange(d.Payload, prev, t.path)
		} else {
			t.onChange(d.Payload, nil, t.path)
			hasPrev = true
		}
		prev = d.Payload
	}
	return nil
}

// ResolveResync completes an evicted-history resync with a full
// snapshot fetched by the consumer. The snapshot is delivered through
// the callback with next == prev, the same shape as an initial
// snapshot on subscribe.
func (t *Tracker) ResolveResync(snapshot any) error {
	t.mu.Lock()
	if t.state != StateResyncing {
		t.mu.Unlock()
		return ErrNotResyncing
	}
	t.lastVersion = t.bus.Version(t.path)
	t.state = StateSynced
	t.mu.Unlock()

	t.onChange(snapshot, snapshot, t.path)
	return nil
}

// Stop disposes the subscription and returns the tracker to the
// unsubscribed state. Safe to call twice.
func (t *Tracker) Stop() {
	t.mu.Lock()
	dispose := t.dispose
	t.dispose = nil
	t.state = StateUnsubscribed
	t.mu.Unlock()

	if dispose != nil {
		dispose()
	}
}
