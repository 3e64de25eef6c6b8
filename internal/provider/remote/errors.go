package remote

import "errors"

// Sentinel errors for the remote provider.
var (
	// ErrBadFrame is returned when a server frame is not valid JSON or
	// has no type field.
	ErrBadFrame = errors.New("malformed wire frame")

	// ErrBadResourcePath is returned when an activation path does not
	// have exactly two segments below the mount point (resource type
	// and resource id).
	ErrBadResourcePath = errors.New("path must be <mount>/<resourceType>/<resourceId>")

	// ErrProviderClosed is returned when the provider has been shut
	// down.
	ErrProviderClosed = errors.New("remote provider is closed")

	// ErrMissingURL is returned when no backend URL is configured.
	ErrMissingURL = errors.New("backend url is required")
)
