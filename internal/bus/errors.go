package bus

import (
	"errors"
	"fmt"

	"github.com/dshills/pathbus/internal/bus/path"
)

// Sentinel errors for the data bus.
var (
	// ErrBusClosed is returned when operations are attempted on a closed bus.
	ErrBusClosed = errors.New("bus is closed")

	// ErrNilCallback is returned when a nil change callback is provided.
	ErrNilCallback = errors.New("callback cannot be nil")

	// ErrNilProvider is returned when a nil provider is registered.
	ErrNilProvider = errors.New("provider cannot be nil")

	// ErrInvalidPath is returned when a path has empty segments or
	// segments containing the separator.
	ErrInvalidPath = errors.New("invalid path")

	// ErrResyncRequired is returned by DeltasSince when the requested
	// history has been evicted from the retained window. It signals
	// "fetch a full snapshot", not a failure.
	ErrResyncRequired = errors.New("delta history evicted, full resync required")

	// ErrNotStale is returned by Tracker.Resync when the tracker is not
	// in the stale state.
	ErrNotStale = errors.New("tracker is not stale")

	// ErrNotResyncing is returned by Tracker.ResolveResync when no
	// resync is in progress.
	ErrNotResyncing = errors.New("tracker is not resyncing")
)

// ActivationError wraps an error returned by a provider's Activate.
// It is returned from the Subscribe call whose refcount transition
// triggered the activation; the failed subscription is fully unwound
// so a later subscriber can retry activation cleanly.
type ActivationError struct {
	// Path is the concrete subscribed path being activated.
	Path path.Path

	// Err is the error returned by the provider.
	Err error
}

// Error returns the error message.
func (e *ActivationError) Error() string {
	return fmt.Sprintf("activating provider for %q: %v", e.Path, e.Err)
}

// Unwrap returns the underlying error.
func (e *ActivationError) Unwrap() error {
	return e.Err
}

// TypeMismatchError reports a cached payload whose dynamic type does
// not match a typed path's payload type.
type TypeMismatchError struct {
	// Path is the path whose payload was requested.
	Path path.Path

	// Want is the expected payload type name.
	Want string

	// Got is the actual payload type name.
	Got string
}

// Error returns the error message.
func (e *TypeMismatchError) Error() string {
	return fmt.Sprintf("payload at %q is %s, want %s", e.Path, e.Got, e.Want)
}
