package bus

import (
	"github.com/dshills/pathbus/internal/bus/path"
)

// OnChange is a subscriber's change callback. It receives the new and
// previous payloads and the published path. The initial synchronous
// delivery on subscribe reports next == prev, signaling "this is the
// current snapshot, not a change". prev is nil when the node had no
// previous value.
type OnChange func(next, prev any, p path.Path)

// Disposer unwinds a single Subscribe call: it removes the callback
// and reverses the provider refcounts that call took. Disposers are
// idempotent; calling one twice is a guarded no-op.
type Disposer func()

// subscriber is one registered callback on a node.
type subscriber struct {
	id string
	fn OnChange
}
