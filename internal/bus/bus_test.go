package bus

import (
	"errors"
	"sync"
	"testing"

	"github.com/dshills/pathbus/internal/bus/path"
)

// mockProvider records lifecycle calls by concrete path.
type mockProvider struct {
	mu            sync.Mutex
	activations   []string
	deactivations []string
	failWith      error
}

func (m *mockProvider) Activate(pctx ProviderContext) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failWith != nil {
		return m.failWith
	}
	m.activations = append(m.activations, pctx.Path.Canonical())
	return nil
}

func (m *mockProvider) Deactivate(pctx ProviderContext) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deactivations = append(m.deactivations, pctx.Path.Canonical())
}

func (m *mockProvider) counts() (int, int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.activations), len(m.deactivations)
}

func TestBus_SubscribePublish(t *testing.T) {
	b := New()
	defer b.Close()

	var got []any
	dispose, err := b.Subscribe(path.New("idea", "abc"), func(next, prev any, p path.Path) {
		got = append(got, next)
	})
	if err != nil {
		t.Fatalf("Subscribe() failed: %v", err)
	}
	defer dispose()

	if err := b.Publish(path.New("idea", "abc"), "v1"); err != nil {
		t.Fatalf("Publish() failed: %v", err)
	}
	if err := b.Publish(path.New("idea", "abc"), "v2"); err != nil {
		t.Fatalf("Publish() failed: %v", err)
	}

	if len(got) != 2 || got[0] != "v1" || got[1] != "v2" {
		t.Errorf("received %v, want [v1 v2]", got)
	}
}

func TestBus_SynchronousInitialDelivery(t *testing.T) {
	b := New()
	defer b.Close()

	p := path.New("idea", "abc")
	if err := b.Publish(p, "cached"); err != nil {
		t.Fatalf("Publish() failed: %v", err)
	}

	delivered := false
	dispose, err := b.Subscribe(p, func(next, prev any, gotPath path.Path) {
		delivered = true
		if next != "cached" || prev != "cached" {
			t.Errorf("initial delivery = (%v, %v), want (cached, cached)", next, prev)
		}
		if !gotPath.Equal(p) {
			t.Errorf("initial delivery path = %v, want %v", gotPath, p)
		}
	})
	if err != nil {
		t.Fatalf("Subscribe() failed: %v", err)
	}
	defer dispose()

	// The snapshot must arrive before Subscribe returns.
	if !delivered {
		t.Error("expected synchronous initial delivery")
	}
}

func TestBus_NoInitialDeliveryWithoutValue(t *testing.T) {
	b := New()
	defer b.Close()

	calls := 0
	dispose, err := b.Subscribe(path.New("idea", "abc"), func(next, prev any, p path.Path) {
		calls++
	})
	if err != nil {
		t.Fatalf("Subscribe() failed: %v", err)
	}
	defer dispose()

	if calls != 0 {
		t.Errorf("callback fired %d times before any publish", calls)
	}
}

func TestBus_PrevValue(t *testing.T) {
	b := New()
	defer b.Close()

	p := path.New("doc", "1")
	var prevs []any
	dispose, _ := b.Subscribe(p, func(next, prev any, _ path.Path) {
		prevs = append(prevs, prev)
	})
	defer dispose()

	b.Publish(p, "a")
	b.Publish(p, "b")

	if len(prevs) != 2 {
		t.Fatalf("expected 2 deliveries, got %d", len(prevs))
	}
	if prevs[0] != nil {
		t.Errorf("first prev = %v, want nil (no previous value)", prevs[0])
	}
	if prevs[1] != "a" {
		t.Errorf("second prev = %v, want a", prevs[1])
	}
}

func TestBus_RefcountExactness(t *testing.T) {
	// For any interleaving of N subscribes and N matching disposes on
	// the same concrete path, the provider sees exactly one Activate
	// and one Deactivate, in that order.
	interleavings := []struct {
		order []int // +i subscribes, -i disposes pair i
		want  int   // expected 0->1 transitions
	}{
		{[]int{+1, +2, +3, -1, -2, -3}, 1},
		{[]int{+1, +2, +3, -3, -2, -1}, 1},
		{[]int{+1, +2, -1, +3, -2, -3}, 1},
		{[]int{+1, -1, +2, -2, +3, -3}, 3},
	}

	for _, tt := range interleavings {
		order := tt.order
		prov := &mockProvider{}
		b := New()

		if err := b.RegisterProvider(path.New("idea"), prov); err != nil {
			t.Fatalf("RegisterProvider() failed: %v", err)
		}

		p := path.New("idea", "abc")
		disposers := make(map[int]Disposer)

		activeBefore := func() bool {
			a, d := prov.counts()
			return a > d
		}

		live := 0
		for _, step := range order {
			if step > 0 {
				d, err := b.Subscribe(p, func(any, any, path.Path) {})
				if err != nil {
					t.Fatalf("Subscribe() failed: %v", err)
				}
				disposers[step] = d
				live++
				if !activeBefore() {
					t.Errorf("order %v: provider inactive with %d live subscriptions", order, live)
				}
			} else {
				disposers[-step]()
				live--
				if live > 0 && !activeBefore() {
					t.Errorf("order %v: provider deactivated with %d live subscriptions", order, live)
				}
			}
		}

		a, d := prov.counts()
		if a != tt.want || d != tt.want {
			t.Errorf("order %v: activations=%d deactivations=%d, want %d each", order, a, d, tt.want)
		}
		b.Close()
	}
}

func TestBus_LayeredProviderActivation(t *testing.T) {
	// A provider attached at ["idea"] activates independently for each
	// distinct concrete path subscribed beneath it.
	prov := &mockProvider{}
	b := New()
	defer b.Close()

	b.RegisterProvider(path.New("idea"), prov)

	d1, err := b.Subscribe(path.New("idea", "abc"), func(any, any, path.Path) {})
	if err != nil {
		t.Fatalf("Subscribe(idea/abc) failed: %v", err)
	}
	d2, err := b.Subscribe(path.New("idea", "xyz"), func(any, any, path.Path) {})
	if err != nil {
		t.Fatalf("Subscribe(idea/xyz) failed: %v", err)
	}

	prov.mu.Lock()
	acts := append([]string(nil), prov.activations...)
	prov.mu.Unlock()
	if len(acts) != 2 || acts[0] != "idea/abc" || acts[1] != "idea/xyz" {
		t.Errorf("activations = %v, want [idea/abc idea/xyz]", acts)
	}

	d1()
	d2()

	prov.mu.Lock()
	deacts := append([]string(nil), prov.deactivations...)
	prov.mu.Unlock()
	if len(deacts) != 2 || deacts[0] != "idea/abc" || deacts[1] != "idea/xyz" {
		t.Errorf("deactivations = %v, want [idea/abc idea/xyz]", deacts)
	}
}

func TestBus_ConcreteScenario(t *testing.T) {
	prov := &mockProvider{}
	b := New()
	defer b.Close()

	if err := b.RegisterProvider(path.New("idea"), prov); err != nil {
		t.Fatalf("RegisterProvider() failed: %v", err)
	}

	p := path.New("idea", "1")
	var aCalls, bCalls int
	var aNext any

	d1, err := b.Subscribe(p, func(next, prev any, _ path.Path) {
		aCalls++
		aNext = next
	})
	if err != nil {
		t.Fatalf("Subscribe(cbA) failed: %v", err)
	}

	if a, _ := prov.counts(); a != 1 {
		t.Fatalf("activations after first subscribe = %d, want 1", a)
	}

	d2, err := b.Subscribe(p, func(next, prev any, _ path.Path) {
		bCalls++
	})
	if err != nil {
		t.Fatalf("Subscribe(cbB) failed: %v", err)
	}

	if a, _ := prov.counts(); a != 1 {
		t.Errorf("activations after second subscribe = %d, want 1 (no re-activation)", a)
	}
	if n := b.SubscriberCount(p); n != 2 {
		t.Errorf("SubscriberCount = %d, want 2", n)
	}

	title := map[string]any{"title": "x"}
	if err := b.Publish(p, title); err != nil {
		t.Fatalf("Publish() failed: %v", err)
	}

	if aCalls != 1 || bCalls != 1 {
		t.Errorf("callback counts = (%d, %d), want (1, 1)", aCalls, bCalls)
	}
	if got, ok := aNext.(map[string]any); !ok || got["title"] != "x" {
		t.Errorf("cbA received %v, want {title: x}", aNext)
	}

	d1()
	if _, d := prov.counts(); d != 0 {
		t.Errorf("deactivations after first dispose = %d, want 0 (count still 1)", d)
	}

	d2()
	if _, d := prov.counts(); d != 1 {
		t.Errorf("deactivations after last dispose = %d, want 1", d)
	}
}

func TestBus_NotificationIsolation(t *testing.T) {
	var panicked int
	b := New(WithPanicHandler(func(p path.Path, recovered any, stack []byte) {
		panicked++
	}))
	defer b.Close()

	p := path.New("doc", "1")

	dA, _ := b.Subscribe(p, func(any, any, path.Path) {
		panic("subscriber A is broken")
	})
	defer dA()

	bCalled := false
	dB, _ := b.Subscribe(p, func(any, any, path.Path) {
		bCalled = true
	})
	defer dB()

	if err := b.Publish(p, "v"); err != nil {
		t.Fatalf("Publish() failed: %v", err)
	}

	if !bCalled {
		t.Error("subscriber B not notified after subscriber A panicked")
	}
	if panicked != 1 {
		t.Errorf("panic handler called %d times, want 1", panicked)
	}
	if got := b.Stats().CallbackPanics; got != 1 {
		t.Errorf("Stats().CallbackPanics = %d, want 1", got)
	}
}

func TestBus_DoubleDispose(t *testing.T) {
	prov := &mockProvider{}
	b := New()
	defer b.Close()

	b.RegisterProvider(path.New("idea"), prov)

	p := path.New("idea", "1")
	d1, _ := b.Subscribe(p, func(any, any, path.Path) {})
	d2, _ := b.Subscribe(p, func(any, any, path.Path) {})

	d1()
	d1() // must not steal d2's reference

	if _, d := prov.counts(); d != 0 {
		t.Fatalf("double dispose deactivated provider with a live subscription")
	}

	d2()
	if a, d := prov.counts(); a != 1 || d != 1 {
		t.Errorf("activations=%d deactivations=%d, want 1 and 1", a, d)
	}
}

func TestBus_ActivationErrorRollback(t *testing.T) {
	boom := errors.New("connect refused")
	prov := &mockProvider{failWith: boom}
	b := New()
	defer b.Close()

	b.RegisterProvider(path.New("idea"), prov)

	p := path.New("idea", "1")
	_, err := b.Subscribe(p, func(any, any, path.Path) {})
	if err == nil {
		t.Fatal("expected activation error from Subscribe")
	}

	var actErr *ActivationError
	if !errors.As(err, &actErr) {
		t.Fatalf("error = %T, want *ActivationError", err)
	}
	if !errors.Is(err, boom) {
		t.Errorf("error does not wrap the provider failure: %v", err)
	}

	// Failed subscription is fully unwound.
	if n := b.SubscriberCount(p); n != 0 {
		t.Errorf("SubscriberCount after failed subscribe = %d, want 0", n)
	}
	if got := b.LastActivationError(p); !errors.Is(got, boom) {
		t.Errorf("LastActivationError = %v, want %v", got, boom)
	}

	// A later subscriber retries activation cleanly.
	prov.mu.Lock()
	prov.failWith = nil
	prov.mu.Unlock()

	dispose, err := b.Subscribe(p, func(any, any, path.Path) {})
	if err != nil {
		t.Fatalf("retry Subscribe() failed: %v", err)
	}
	defer dispose()

	if a, _ := prov.counts(); a != 1 {
		t.Errorf("activations after retry = %d, want 1", a)
	}
	if got := b.LastActivationError(p); got != nil {
		t.Errorf("LastActivationError after successful retry = %v, want nil", got)
	}
}

// gateProvider blocks its first Activate until released, so a test can
// interleave other subscribers while activation is in flight. Attempts
// numbered at or below failUntil return boom.
type gateProvider struct {
	mu            sync.Mutex
	attempts      int
	deactivations int

	failUntil int
	boom      error
	started   chan struct{}
	release   chan struct{}
}

func newGateProvider(failUntil int, boom error) *gateProvider {
	return &gateProvider{
		failUntil: failUntil,
		boom:      boom,
		started:   make(chan struct{}),
		release:   make(chan struct{}),
	}
}

func (g *gateProvider) Activate(ProviderContext) error {
	g.mu.Lock()
	g.attempts++
	n := g.attempts
	g.mu.Unlock()

	if n == 1 {
		close(g.started)
		<-g.release
	}
	if n <= g.failUntil {
		return g.boom
	}
	return nil
}

func (g *gateProvider) Deactivate(ProviderContext) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.deactivations++
}

func (g *gateProvider) counts() (int, int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.attempts, g.deactivations
}

func TestBus_ActivationFailureKeepsConcurrentSubscriberLive(t *testing.T) {
	// A second subscriber arrives while the first one's Activate is in
	// flight; that Activate then fails. Unwinding the failed subscriber
	// must retry activation for the survivor, not leave it holding a
	// subscription with a dormant provider.
	boom := errors.New("connect refused")
	prov := newGateProvider(1, boom)
	b := New()
	defer b.Close()

	b.RegisterProvider(path.New("idea"), prov)
	p := path.New("idea", "1")

	subErr := make(chan error, 1)
	go func() {
		_, err := b.Subscribe(p, func(any, any, path.Path) {})
		subErr <- err
	}()

	<-prov.started
	d2, err := b.Subscribe(p, func(any, any, path.Path) {})
	if err != nil {
		t.Fatalf("concurrent Subscribe() failed: %v", err)
	}

	close(prov.release)
	if err := <-subErr; !errors.Is(err, boom) {
		t.Fatalf("first Subscribe error = %v, want %v", err, boom)
	}

	a, _ := prov.counts()
	if a != 2 {
		t.Fatalf("activation attempts = %d, want 2 (retry for the surviving subscriber)", a)
	}
	if n := b.SubscriberCount(p); n != 1 {
		t.Errorf("SubscriberCount = %d, want 1", n)
	}
	if got := b.LastActivationError(p); got != nil {
		t.Errorf("LastActivationError after successful retry = %v, want nil", got)
	}

	// The survivor's subscription is live: a provider publish reaches it.
	var got any
	d3, err := b.Subscribe(p, func(next, _ any, _ path.Path) { got = next })
	if err != nil {
		t.Fatalf("Subscribe() after recovery failed: %v", err)
	}
	b.Publish(p, "v")
	if got != "v" {
		t.Errorf("received %v, want v", got)
	}
	d3()

	d2()
	if a, d := prov.counts(); d != 1 {
		t.Errorf("activations=%d deactivations=%d, want exactly one deactivation", a, d)
	}
}

func TestBus_LateSubscriberRetriesAfterActivationFailure(t *testing.T) {
	// The provider keeps failing through the survivor's retry; a later
	// subscriber to the still-referenced path must trigger another
	// attempt rather than silently joining a dormant activation.
	boom := errors.New("connect refused")
	prov := newGateProvider(2, boom)
	b := New()
	defer b.Close()

	b.RegisterProvider(path.New("idea"), prov)
	p := path.New("idea", "1")

	subErr := make(chan error, 1)
	go func() {
		_, err := b.Subscribe(p, func(any, any, path.Path) {})
		subErr <- err
	}()

	<-prov.started
	d2, err := b.Subscribe(p, func(any, any, path.Path) {})
	if err != nil {
		t.Fatalf("concurrent Subscribe() failed: %v", err)
	}
	defer d2()

	close(prov.release)
	if err := <-subErr; !errors.Is(err, boom) {
		t.Fatalf("first Subscribe error = %v, want %v", err, boom)
	}

	// Attempt 1 failed, the unwind's retry (attempt 2) failed too.
	if a, _ := prov.counts(); a != 2 {
		t.Fatalf("activation attempts = %d, want 2", a)
	}
	if got := b.LastActivationError(p); !errors.Is(got, boom) {
		t.Errorf("LastActivationError = %v, want %v", got, boom)
	}

	d3, err := b.Subscribe(p, func(any, any, path.Path) {})
	if err != nil {
		t.Fatalf("late Subscribe() failed: %v", err)
	}
	defer d3()

	if a, _ := prov.counts(); a != 3 {
		t.Errorf("activation attempts after late subscribe = %d, want 3", a)
	}
	if got := b.LastActivationError(p); got != nil {
		t.Errorf("LastActivationError after recovery = %v, want nil", got)
	}
}

func TestBus_LateProviderRegistration(t *testing.T) {
	// Registration after subscribers exist retrofits activation for
	// every live concrete path.
	b := New()
	defer b.Close()

	p1 := path.New("idea", "abc")
	p2 := path.New("idea", "xyz")

	d1, _ := b.Subscribe(p1, func(any, any, path.Path) {})
	d1b, _ := b.Subscribe(p1, func(any, any, path.Path) {})
	d2, _ := b.Subscribe(p2, func(any, any, path.Path) {})

	prov := &mockProvider{}
	if err := b.RegisterProvider(path.New("idea"), prov); err != nil {
		t.Fatalf("RegisterProvider() failed: %v", err)
	}

	if a, _ := prov.counts(); a != 2 {
		t.Fatalf("retrofit activations = %d, want 2 (one per concrete path)", a)
	}

	// The retrofit seeds refcounts from live subscriber counts, so
	// disposal still balances exactly.
	d1()
	if _, d := prov.counts(); d != 0 {
		t.Errorf("deactivated idea/abc while a subscription remains")
	}
	d1b()
	d2()
	if a, d := prov.counts(); a != 2 || d != 2 {
		t.Errorf("activations=%d deactivations=%d, want 2 and 2", a, d)
	}
}

func TestBus_ProviderPublishesDuringActivate(t *testing.T) {
	// A provider may publish synchronously from Activate; the
	// subscriber that triggered activation sees the value.
	b := New()
	defer b.Close()

	prov := ProviderFunc(func(pctx ProviderContext) error {
		return pctx.Bus.Publish(pctx.Path, "from-activate")
	})
	b.RegisterProvider(path.New("idea"), prov)

	var got any
	dispose, err := b.Subscribe(path.New("idea", "1"), func(next, prev any, _ path.Path) {
		got = next
	})
	if err != nil {
		t.Fatalf("Subscribe() failed: %v", err)
	}
	defer dispose()

	if got != "from-activate" {
		t.Errorf("received %v, want from-activate", got)
	}
}

func TestBus_ReentrantPublish(t *testing.T) {
	// A publish issued from inside a callback is queued and delivered
	// after the current notification round, preserving round order.
	b := New()
	defer b.Close()

	p := path.New("doc", "1")
	var order []string

	dA, _ := b.Subscribe(p, func(next, prev any, _ path.Path) {
		order = append(order, "A:"+next.(string))
		if next == "first" {
			b.Publish(p, "second")
		}
	})
	defer dA()

	dB, _ := b.Subscribe(p, func(next, prev any, _ path.Path) {
		order = append(order, "B:"+next.(string))
	})
	defer dB()

	if err := b.Publish(p, "first"); err != nil {
		t.Fatalf("Publish() failed: %v", err)
	}

	want := []string{"A:first", "B:first", "A:second", "B:second"}
	if len(order) != len(want) {
		t.Fatalf("delivery order = %v, want %v", order, want)
	}
	for i, w := range want {
		if order[i] != w {
			t.Fatalf("delivery order = %v, want %v", order, want)
		}
	}
}

func TestBus_SubscriberCountMissingPath(t *testing.T) {
	b := New()
	defer b.Close()

	// Read-only peek must not create nodes.
	if n := b.SubscriberCount(path.New("never", "seen")); n != 0 {
		t.Errorf("SubscriberCount = %d, want 0", n)
	}
	if _, ok := b.Value(path.New("never", "seen")); ok {
		t.Error("Value reported a cached value on an untouched path")
	}
}

func TestBus_NodePruning(t *testing.T) {
	b := New()
	defer b.Close()

	p := path.New("ephemeral", "a", "b")
	dispose, _ := b.Subscribe(p, func(any, any, path.Path) {})
	dispose()

	// No value was ever published, so the whole branch is pruned.
	b.mu.Lock()
	_, exists := b.root.children["ephemeral"]
	b.mu.Unlock()
	if exists {
		t.Error("empty branch not pruned after last dispose")
	}

	// A branch holding a cached value survives so resubscribers still
	// get their snapshot.
	p2 := path.New("kept", "a")
	b.Publish(p2, "v")
	d2, _ := b.Subscribe(p2, func(any, any, path.Path) {})
	d2()

	if v, ok := b.Value(p2); !ok || v != "v" {
		t.Errorf("cached value lost after dispose: (%v, %v)", v, ok)
	}
}

func TestBus_InvalidArguments(t *testing.T) {
	b := New()
	defer b.Close()

	if _, err := b.Subscribe(path.New("x"), nil); err != ErrNilCallback {
		t.Errorf("Subscribe(nil callback) = %v, want ErrNilCallback", err)
	}
	if _, err := b.Subscribe(path.New("bad", ""), func(any, any, path.Path) {}); err != ErrInvalidPath {
		t.Errorf("Subscribe(invalid path) = %v, want ErrInvalidPath", err)
	}
	if err := b.RegisterProvider(path.New("x"), nil); err != ErrNilProvider {
		t.Errorf("RegisterProvider(nil) = %v, want ErrNilProvider", err)
	}
	if err := b.Publish(path.New("bad", ""), 1); err != ErrInvalidPath {
		t.Errorf("Publish(invalid path) = %v, want ErrInvalidPath", err)
	}
}

func TestBus_Close(t *testing.T) {
	prov := &mockProvider{}
	b := New()

	b.RegisterProvider(path.New("idea"), prov)
	_, err := b.Subscribe(path.New("idea", "1"), func(any, any, path.Path) {})
	if err != nil {
		t.Fatalf("Subscribe() failed: %v", err)
	}

	if err := b.Close(); err != nil {
		t.Fatalf("Close() failed: %v", err)
	}

	if a, d := prov.counts(); a != 1 || d != 1 {
		t.Errorf("after Close: activations=%d deactivations=%d, want 1 and 1", a, d)
	}

	if _, err := b.Subscribe(path.New("idea", "1"), func(any, any, path.Path) {}); err != ErrBusClosed {
		t.Errorf("Subscribe after Close = %v, want ErrBusClosed", err)
	}
	if err := b.Publish(path.New("idea", "1"), "v"); err != ErrBusClosed {
		t.Errorf("Publish after Close = %v, want ErrBusClosed", err)
	}
	if err := b.Close(); err != nil {
		t.Errorf("second Close() = %v, want nil", err)
	}
}

func TestBus_ConcurrentSubscribeDispose(t *testing.T) {
	// Hammer one concrete path from many goroutines; the provider's
	// activate/deactivate calls must strictly alternate and end
	// balanced.
	prov := &mockProvider{}
	b := New()
	defer b.Close()

	b.RegisterProvider(path.New("idea"), prov)
	p := path.New("idea", "hot")

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				d, err := b.Subscribe(p, func(any, any, path.Path) {})
				if err != nil {
					t.Errorf("Subscribe() failed: %v", err)
					return
				}
				d()
			}
		}()
	}
	wg.Wait()

	a, d := prov.counts()
	if a != d {
		t.Errorf("unbalanced lifecycle: activations=%d deactivations=%d", a, d)
	}
	if a == 0 {
		t.Error("provider never activated")
	}
}

func TestBus_Stats(t *testing.T) {
	b := New()
	defer b.Close()

	p := path.New("doc", "1")
	dispose, _ := b.Subscribe(p, func(any, any, path.Path) {})
	b.Publish(p, "v")

	stats := b.Stats()
	if stats.Published != 1 {
		t.Errorf("Published = %d, want 1", stats.Published)
	}
	if stats.Delivered != 1 {
		t.Errorf("Delivered = %d, want 1", stats.Delivered)
	}
	if stats.ActiveSubscriptions != 1 {
		t.Errorf("ActiveSubscriptions = %d, want 1", stats.ActiveSubscriptions)
	}

	dispose()
	if got := b.Stats().ActiveSubscriptions; got != 0 {
		t.Errorf("ActiveSubscriptions after dispose = %d, want 0", got)
	}
}
