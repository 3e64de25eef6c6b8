package bus

import (
	"context"

	"github.com/dshills/pathbus/internal/bus/path"
)

// ProviderContext carries the activation context handed to a provider.
type ProviderContext struct {
	// Context is cancelled when the activation is torn down. A provider
	// whose Activate starts long-running work should watch it and stop
	// that work when it fires.
	Context context.Context

	// Path is the concrete subscribed path this activation is scoped
	// to, not the path the provider is attached at.
	Path path.Path

	// Bus is the owning bus. Providers push updates back through
	// Bus.Publish, typically out-of-band from a goroutine.
	Bus *Bus
}

// Provider supplies and maintains values for paths beneath its
// attachment node. A provider is pure capability: it holds no
// subscriber state, and all refcount bookkeeping lives in the bus.
//
// For a fixed (provider, concrete path) pair the bus guarantees that
// successful Activate calls and Deactivate calls strictly alternate,
// starting with Activate: the pair is activated when the path's
// refcount transitions 0 to 1 and deactivated when it returns to 0.
// An Activate that returns an error gets no matching Deactivate; the
// bus retries it on the next subscription event while the path is
// still referenced.
type Provider interface {
	// Activate starts supplying the value for pctx.Path. Returning an
	// error fails the Subscribe call that triggered the activation.
	Activate(pctx ProviderContext) error

	// Deactivate stops supplying the value for pctx.Path.
	Deactivate(pctx ProviderContext)
}

// ProviderFunc adapts an activate function to the Provider interface
// with a no-op Deactivate. Useful for providers whose work is entirely
// driven by the activation context's cancellation.
type ProviderFunc func(pctx ProviderContext) error

// Activate calls the function.
func (f ProviderFunc) Activate(pctx ProviderContext) error {
	return f(pctx)
}

// Deactivate is a no-op.
func (f ProviderFunc) Deactivate(ProviderContext) {}

// activationState tracks where an activation record is in its
// lifecycle. Transitions are decided under the bus lock; the provider
// callback for a transition runs with the lock released.
type activationState int

const (
	// activationIdle means the provider is not active for this path.
	activationIdle activationState = iota

	// activationActivating means Activate is in flight.
	activationActivating

	// activationActive means Activate completed successfully.
	activationActive

	// activationDeactivating means Deactivate is in flight.
	activationDeactivating
)

// activation is the refcount record for one (provider, concrete path)
// pair, owned by the node the provider is attached at.
type activation struct {
	host       *node
	provider   Provider
	providerID uint64
	key        string // canonical concrete path

	// count is the number of live subscriptions keeping this
	// activation alive. Guarded by the bus mutex; never negative.
	count int

	// state is guarded by the bus mutex.
	state activationState

	// ctx and cancel belong to the current activation; cancel fires on
	// deactivation so a provider with in-flight asynchronous work can
	// stop it.
	ctx    context.Context
	cancel context.CancelFunc
}
