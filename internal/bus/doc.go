// Package bus provides a hierarchical, path-addressed publish/subscribe
// runtime with lazy provider activation and bounded delta history.
//
// # Architecture
//
// The bus is built from four pieces:
//
//	              ┌─────────────────────────────────────────┐
//	              │                  Bus                     │
//	              │  Subscribe / Publish / RegisterProvider  │
//	              └─────────────────────────────────────────┘
//	                                 │
//	        ┌────────────────────────┼────────────────────────┐
//	        ▼                        ▼                        ▼
//	┌───────────────┐      ┌─────────────────┐      ┌─────────────────┐
//	│   Node tree    │      │ Provider        │      │  Delta buffer   │
//	│  per-path      │      │ lifecycle       │      │  bounded,       │
//	│  value + subs  │      │ refcounted      │      │  versioned      │
//	│  + providers   │      │ activate/       │      │  history per    │
//	│                │      │ deactivate      │      │  node           │
//	└───────────────┘      └─────────────────┘      └─────────────────┘
//
// # Subscribing
//
// A consumer subscribes to a concrete path and receives the cached
// value synchronously, then every subsequent publish:
//
//	dispose, err := b.Subscribe(path.New("idea", "abc"), func(next, prev any, p path.Path) {
//	    // next == prev on the initial snapshot delivery
//	})
//	defer dispose()
//
// # Providers
//
// A provider attached at a node is activated once per distinct concrete
// path subscribed beneath it, when that path's refcount transitions
// from zero, and deactivated when it returns to zero. A root-level
// provider can hold one shared transport while activating each leaf
// resource over it independently.
//
//	b.RegisterProvider(path.New("idea"), prov)
//	d1, _ := b.Subscribe(path.New("idea", "abc"), cb) // Activate for idea/abc
//	d2, _ := b.Subscribe(path.New("idea", "abc"), cb) // no further Activate
//	d1()                                              // still active
//	d2()                                              // Deactivate for idea/abc
//
// # Resync
//
// Every publish appends a versioned delta to the node's bounded
// history. A consumer that fell behind replays with DeltasSince; when
// its last seen version predates the retained window it receives
// ErrResyncRequired and must fetch a full snapshot instead. The
// Tracker type wraps this protocol into a small state machine
// (subscribing, synced, stale, resyncing).
//
// # Concurrency
//
// One mutex serializes all tree and refcount mutation, keeping each
// refcount transition and its paired lifecycle call atomic and totally
// ordered. User callbacks always run with the lock released: providers
// may publish synchronously from Activate and callbacks may subscribe
// without deadlocking. Publishes issued from inside a callback are
// queued and delivered after the current notification round.
package bus
