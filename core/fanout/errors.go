package fanout

import "errors"

var (
	// ErrProcessorAlreadyStarted is returned when Start is called on a running processor.
	ErrProcessorAlreadyStarted = errors.New("fanout processor already started")

	// ErrProcessorNotStarted is returned when Stop is called on a stopped processor.
	ErrProcessorNotStarted = errors.New("fanout processor not started")

	// ErrHealthcheckFailed is the root of every healthcheck error.
	ErrHealthcheckFailed = errors.New("fanout healthcheck failed")

	// ErrProcessorNotRunning is joined into healthcheck errors when the processor is stopped.
	ErrProcessorNotRunning = errors.New("fanout processor not running")

	// ErrTransportUnavailable is returned when the transport client cannot connect.
	ErrTransportUnavailable = errors.New("transport unavailable")

	// ErrConnectionNotOwned is returned by Resync when the transport cannot reach the subscriber's connection.
	ErrConnectionNotOwned = errors.New("subscriber connection is not reachable from this instance")

	// ErrSendPanicked wraps a recovered panic from a transport send.
	ErrSendPanicked = errors.New("transport send panicked")
)
