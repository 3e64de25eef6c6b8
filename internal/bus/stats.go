package bus

// Stats is a point-in-time snapshot of bus counters. Values are read
// without a lock, so a snapshot taken during concurrent activity may
// be slightly inconsistent between fields.
type Stats struct {
	// Published is the number of Publish calls that updated a node.
	Published uint64

	// Delivered is the number of successful callback invocations,
	// including synchronous initial deliveries.
	Delivered uint64

	// CallbackPanics is the number of recovered subscriber panics.
	CallbackPanics uint64

	// CallbackErrors is the number of deliveries dropped before the
	// callback ran, currently payloads whose dynamic type did not match
	// a typed subscription.
	CallbackErrors uint64

	// Activations and Deactivations count provider lifecycle calls
	// that completed; for any (provider, path) pair they differ by at
	// most one.
	Activations   uint64
	Deactivations uint64

	// ActivationErrors is the number of failed Activate calls.
	ActivationErrors uint64

	// ActiveSubscriptions is the number of live, undisposed
	// subscriptions.
	ActiveSubscriptions int64
}

// Stats returns current bus statistics.
func (b *Bus) Stats() Stats {
	return Stats{
		Published:           b.published.Load(),
		Delivered:           b.delivered.Load(),
		CallbackPanics:      b.callbackPanics.Load(),
		CallbackErrors:      b.callbackErrors.Load(),
		Activations:         b.activations.Load(),
		Deactivations:       b.deactivations.Load(),
		ActivationErrors:    b.activationErrors.Load(),
		ActiveSubscriptions: b.activeSubscriptions.Load(),
	}
}
