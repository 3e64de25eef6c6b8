package bus

import (
	"context"
	"errors"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/dshills/pathbus/internal/bus/path"
)

// Bus is a hierarchical, path-addressed data bus. Consumers subscribe
// to concrete paths and observe published values; providers attached
// to the tree are lazily activated by the first subscription to a
// concrete path beneath them and deactivated by the last disposal.
//
// All tree and refcount mutation is serialized behind one mutex.
// Subscriber callbacks and provider activate/deactivate calls always
// run with the lock released, so callbacks may safely call back into
// the bus (a provider's Activate may Publish synchronously, a
// subscriber callback may Subscribe).
type Bus struct {
	mu   sync.Mutex
	root *node

	closed bool
	config busConfig

	// providerSeq hands out record-matching identities for registered
	// providers. Guarded by mu.
	providerSeq uint64

	// Publish rounds are queued and drained in order by a single
	// caller at a time. A Publish issued from inside a callback lands
	// on the queue and is delivered after the current round completes,
	// preserving one total order of notification rounds.
	rounds     []notifyRound
	delivering bool

	// baseCtx is the parent of every activation context; cancelled on
	// Close.
	baseCtx    context.Context
	baseCancel context.CancelFunc

	// Stats
	published           atomic.Uint64
	delivered           atomic.Uint64
	callbackPanics      atomic.Uint64
	callbackErrors      atomic.Uint64
	activations         atomic.Uint64
	deactivations       atomic.Uint64
	activationErrors    atomic.Uint64
	activeSubscriptions atomic.Int64
}

// notifyRound is one publish's worth of notifications: the subscriber
// snapshot taken under the lock, in registration order.
type notifyRound struct {
	subs []*subscriber
	next any
	prev any
	path path.Path
}

// New creates a bus with the given options.
func New(opts ...Option) *Bus {
	config := defaultBusConfig()
	for _, opt := range opts {
		opt(&config)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Bus{
		root:       newNode(path.New(), nil),
		config:     config,
		baseCtx:    ctx,
		baseCancel: cancel,
	}
}

// Subscribe registers onChange for the given concrete path.
//
// The current cached value, if any, is delivered synchronously before
// Subscribe returns, with next == prev marking it as a snapshot. The
// ancestor chain is then walked leaf to root, activating every
// attached provider whose refcount for this exact path transitions
// from zero.
//
// If an activation fails the whole subscription is unwound and the
// error is returned wrapped in *ActivationError, so a later subscriber
// retries activation cleanly.
func (b *Bus) Subscribe(p path.Path, onChange OnChange) (Disposer, error) {
	if onChange == nil {
		return nil, ErrNilCallback
	}
	if !p.IsValid() {
		return nil, ErrInvalidPath
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrBusClosed
	}

	n, chain := b.root.lookup(p, true)
	sub := &subscriber{id: uuid.NewString(), fn: onChange}
	n.subscribers = append(n.subscribers, sub)

	initial, hasInitial := n.value, n.hasValue

	// Refcount pass, leaf to root. The record key is the canonical
	// string of the subscribed path, not the ancestor's own path: a
	// provider attached near the root gets one refcount per distinct
	// concrete path beneath it.
	key := p.Canonical()
	var recs []*activation
	for i := len(chain) - 1; i >= 0; i-- {
		host := chain[i]
		for _, ap := range host.providers {
			rec := host.record(ap, key)
			rec.count++
			recs = append(recs, rec)
		}
	}

	b.activeSubscriptions.Add(1)
	b.mu.Unlock()

	b.config.logger.Debug("subscribed", "path", p.String(), "subscriber", sub.id)

	if hasInitial {
		b.invoke(sub, initial, initial, p)
	}

	for _, rec := range recs {
		if err := b.settle(rec, p); err != nil {
			b.config.logger.Error("activation failed, unwinding subscription",
				"path", p.String(), "error", err)
			b.unsubscribe(p, sub)
			return nil, &ActivationError{Path: p, Err: err}
		}
	}

	var disposed atomic.Bool
	disposer := func() {
		// Double dispose is a guarded no-op rather than a refcount
		// corruption.
		if !disposed.CompareAndSwap(false, true) {
			return
		}
		b.unsubscribe(p, sub)
	}
	return disposer, nil
}

// unsubscribe removes sub and reverses one refcount on every record
// keyed by the subscribed path along the ancestor chain. Providers
// whose count reaches zero are deactivated.
func (b *Bus) unsubscribe(p path.Path, sub *subscriber) {
	b.mu.Lock()
	n, chain := b.root.lookup(p, false)
	if n == nil {
		b.mu.Unlock()
		return
	}
	if !n.removeSubscriber(sub) {
		b.mu.Unlock()
		return
	}

	// Decrement every record for this concrete path, leaf to root.
	// This finds providers registered after the subscription was
	// taken, too: late registration seeds its records from the live
	// subscriber counts, so each live subscription owns one reference
	// on every record keyed by its path.
	key := p.Canonical()
	var recs []*activation
	for i := len(chain) - 1; i >= 0; i-- {
		for _, rec := range chain[i].active[key] {
			if rec.count > 0 {
				rec.count--
				recs = append(recs, rec)
			}
		}
	}

	b.activeSubscriptions.Add(-1)
	b.mu.Unlock()

	b.config.logger.Debug("unsubscribed", "path", p.String(), "subscriber", sub.id)

	for _, rec := range recs {
		if err := b.settle(rec, p); err != nil {
			b.config.logger.Error("reactivation during dispose failed",
				"path", p.String(), "error", err)
		}
	}

	b.mu.Lock()
	b.pruneLocked(n)
	b.mu.Unlock()
}

// settle drives an activation record toward a stable state: activated
// while referenced, deactivated and dropped once the count is zero.
// Transitions are claimed under the lock; the provider callback for a
// claimed transition runs with the lock released. If another call is
// mid-transition, settle returns and that call's own loop observes the
// new count when it finishes.
//
// Returns the activation error when this call performed a failing
// Activate, which is exactly the case where the caller is the
// subscriber whose refcount transition triggered activation. A failed
// attempt leaves the record idle and still referenced, so the very
// next settle pass retries: the failing subscriber's own unwind
// reactivates for any survivors that subscribed while Activate was in
// flight, and a later subscriber's refcount pass retries too. Each
// settle invocation makes at most one Activate attempt, so a broken
// provider is retried per subscription event, never in a loop.
func (b *Bus) settle(rec *activation, p path.Path) error {
	for {
		b.mu.Lock()
		switch {
		case rec.state == activationIdle && rec.count > 0:
			rec.state = activationActivating
			ctx, cancel := context.WithCancel(b.baseCtx)
			rec.ctx, rec.cancel = ctx, cancel
			b.mu.Unlock()

			err := rec.provider.Activate(ProviderContext{Context: ctx, Path: p, Bus: b})

			b.mu.Lock()
			if err != nil {
				rec.state = activationIdle
				rec.ctx, rec.cancel = nil, nil
				if n, _ := b.root.lookup(p, false); n != nil {
					n.activationErr = err
				}
				b.activationErrors.Add(1)
				b.mu.Unlock()
				cancel()
				return err
			}
			rec.state = activationActive
			if n, _ := b.root.lookup(p, false); n != nil {
				n.activationErr = nil
			}
			b.activations.Add(1)
			b.mu.Unlock()
			// Re-check: the count may have dropped while activating.

		case rec.state == activationActive && rec.count == 0:
			rec.state = activationDeactivating
			ctx, cancel := rec.ctx, rec.cancel
			rec.ctx, rec.cancel = nil, nil
			b.mu.Unlock()

			if cancel != nil {
				cancel()
			}
			if ctx == nil {
				ctx = context.Background()
			}
			rec.provider.Deactivate(ProviderContext{Context: ctx, Path: p, Bus: b})

			b.mu.Lock()
			rec.state = activationIdle
			b.deactivations.Add(1)
			b.mu.Unlock()
			// Re-check: a new subscriber may have arrived meanwhile.

		case rec.state == activationIdle && rec.count == 0:
			rec.host.dropRecord(rec)
			b.pruneLocked(rec.host)
			b.mu.Unlock()
			return nil

		default:
			// Stable (active and referenced), or another call owns the
			// in-flight transition and will observe our count change.
			b.mu.Unlock()
			return nil
		}
	}
}

// Publish updates the cached value at p, appends to its delta history,
// and notifies subscribers in registration order. Notification rounds
// are totally ordered: a Publish issued from inside a callback is
// queued and delivered after the current round completes.
func (b *Bus) Publish(p path.Path, value any) error {
	if !p.IsValid() {
		return ErrInvalidPath
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrBusClosed
	}

	n, _ := b.root.lookup(p, true)
	var prev any
	if n.hasValue {
		prev = n.value
	}
	n.value, n.hasValue = value, true
	if n.deltas == nil {
		n.deltas = newDeltaBuffer(b.config.maxRetained)
	}
	n.deltas.append(value)

	round := notifyRound{next: value, prev: prev, path: p}
	if len(n.subscribers) > 0 {
		round.subs = make([]*subscriber, len(n.subscribers))
		copy(round.subs, n.subscribers)
	}
	b.rounds = append(b.rounds, round)
	b.published.Add(1)

	if b.delivering {
		// A drain is already running (possibly this goroutine, if the
		// publish came from inside a callback); it delivers this round
		// next.
		b.mu.Unlock()
		return nil
	}
	b.delivering = true
	for len(b.rounds) > 0 {
		r := b.rounds[0]
		b.rounds = b.rounds[1:]
		b.mu.Unlock()
		for _, sub := range r.subs {
			b.invoke(sub, r.next, r.prev, r.path)
		}
		b.mu.Lock()
	}
	b.delivering = false
	b.mu.Unlock()

	return nil
}

// invoke runs one subscriber callback with panic isolation: a panic in
// one callback must not prevent delivery to the others.
func (b *Bus) invoke(sub *subscriber, next, prev any, p path.Path) {
	defer func() {
		if r := recover(); r != nil {
			stack := debug.Stack()
			b.callbackPanics.Add(1)
			b.config.logger.Error("subscriber callback panicked",
				"path", p.String(), "subscriber", sub.id, "panic", r)
			if h := b.config.panicHandler; h != nil {
				func() {
					defer func() { _ = recover() }()
					h(p, r, stack)
				}()
			}
		}
	}()

	sub.fn(next, prev, p)
	b.delivered.Add(1)
}

// RegisterProvider attaches prov at the node for p. Registration after
// subscribers already exist on matching paths retrofits activation:
// every concrete descendant path with live subscribers gets a refcount
// record seeded with its subscriber count and a single Activate call.
func (b *Bus) RegisterProvider(p path.Path, prov Provider) error {
	if prov == nil {
		return ErrNilProvider
	}
	if !p.IsValid() {
		return ErrInvalidPath
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrBusClosed
	}

	n, _ := b.root.lookup(p, true)
	b.providerSeq++
	ap := attachedProvider{id: b.providerSeq, prov: prov}
	n.providers = append(n.providers, ap)

	type retrofit struct {
		rec  *activation
		path path.Path
	}
	var retrofits []retrofit
	n.walk(func(d *node) {
		if len(d.subscribers) == 0 {
			return
		}
		rec := n.record(ap, d.path.Canonical())
		rec.count += len(d.subscribers)
		retrofits = append(retrofits, retrofit{rec: rec, path: d.path})
	})
	b.mu.Unlock()

	b.config.logger.Info("provider registered", "path", p.String(),
		"retrofitted", len(retrofits))

	var errs []error
	for _, r := range retrofits {
		if err := b.settle(r.rec, r.path); err != nil {
			errs = append(errs, &ActivationError{Path: r.path, Err: err})
		}
	}
	return errors.Join(errs...)
}

// SubscriberCount returns the number of callbacks registered at
// exactly p. Diagnostics and testing only.
func (b *Bus) SubscriberCount(p path.Path) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	n, _ := b.root.lookup(p, false)
	if n == nil {
		return 0
	}
	return len(n.subscribers)
}

// Value returns the cached value at p, if any.
func (b *Bus) Value(p path.Path) (any, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	n, _ := b.root.lookup(p, false)
	if n == nil || !n.hasValue {
		return nil, false
	}
	return n.value, true
}

// Version returns the latest delta version published at p, or 0 if
// nothing has been published there.
func (b *Bus) Version(p path.Path) uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()

	n, _ := b.root.lookup(p, false)
	if n == nil || n.deltas == nil {
		return 0
	}
	return n.deltas.lastVersion
}

// DeltasSince returns the deltas published at p after version since.
// It returns ErrResyncRequired when that history has been evicted and
// the caller must fetch a full snapshot instead.
func (b *Bus) DeltasSince(p path.Path, since uint64) ([]Delta, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	n, _ := b.root.lookup(p, false)
	if n == nil || n.deltas == nil {
		return nil, nil
	}
	return n.deltas.since(since)
}

// LastActivationError returns the most recent activation failure
// cached at p, or nil if the path is healthy. Late subscribers never
// trigger activation themselves and so never observe the failure
// directly; this is how they learn the resource is unhealthy.
func (b *Bus) LastActivationError(p path.Path) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	n, _ := b.root.lookup(p, false)
	if n == nil {
		return nil
	}
	return n.activationErr
}

// Close shuts the bus down: every live activation is deactivated, all
// subscribers are dropped, and further operations fail with
// ErrBusClosed. Close is idempotent.
func (b *Bus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true

	type teardown struct {
		rec  *activation
		path path.Path
	}
	var teardowns []teardown
	b.root.walk(func(n *node) {
		n.subscribers = nil
		for key, recs := range n.active {
			for _, rec := range recs {
				rec.count = 0
				teardowns = append(teardowns, teardown{rec: rec, path: path.FromString(key)})
			}
		}
	})
	b.activeSubscriptions.Store(0)
	b.mu.Unlock()

	for _, td := range teardowns {
		if err := b.settle(td.rec, td.path); err != nil {
			b.config.logger.Error("teardown settle failed",
				"path", td.path.String(), "error", err)
		}
	}

	b.baseCancel()
	b.config.logger.Info("bus closed")
	return nil
}

// pruneLocked unlinks n and then its ancestors while they are empty:
// no cached value, no subscribers, no providers, no activation
// records, and no children. Nodes that cached a value are kept so a
// resubscribing consumer still gets its snapshot. Caller holds b.mu.
func (b *Bus) pruneLocked(n *node) {
	for n != nil && n.parent != nil && n.isEmpty() {
		delete(n.parent.children, n.path.Base())
		parent := n.parent
		n.parent = nil
		n = parent
	}
}
