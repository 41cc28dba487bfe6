package notify

import "errors"

var (
	// ErrHandlerPanicked wraps a recovered handler panic.
	ErrHandlerPanicked = errors.New("notification handler panicked")

	// ErrInvalidHandler is returned when attaching a nil handler or one without a name.
	ErrInvalidHandler = errors.New("handler must be non-nil and named")

	// ErrRelayClosed is returned by relays after Close.
	ErrRelayClosed = errors.New("relay closed")
)
