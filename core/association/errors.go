package association

import "errors"

var (
	// ErrProcessorAlreadyStarted is returned when Start is called on a running processor.
	ErrProcessorAlreadyStarted = errors.New("association processor already started")

	// ErrProcessorNotStarted is returned when Stop is called on a stopped processor.
	ErrProcessorNotStarted = errors.New("association processor not started")

	// ErrHealthcheckFailed is the root of every healthcheck error.
	ErrHealthcheckFailed = errors.New("association healthcheck failed")

	// ErrProcessorNotRunning is joined into healthcheck errors when the processor is stopped.
	ErrProcessorNotRunning = errors.New("association processor not running")
)
