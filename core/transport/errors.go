package transport

import "errors"

var (
	// ErrNotConnected is returned by Send when the client has no live connection.
	ErrNotConnected = errors.New("transport not connected")

	// ErrDisconnected is returned to senders waiting for an acknowledgement when the connection drops.
	ErrDisconnected = errors.New("transport disconnected")

	// ErrSendTimeout is returned when no acknowledgement arrives within the send timeout.
	ErrSendTimeout = errors.New("transport send timeout")

	// ErrRejected wraps a negative acknowledgement from the hub.
	ErrRejected = errors.New("payload rejected by hub")

	// ErrNoLiveConnection is returned when none of the payload's connection refs is connected.
	ErrNoLiveConnection = errors.New("no live connection for payload")

	// ErrEmptyURL is returned when connecting without a hub URL.
	ErrEmptyURL = errors.New("transport url is empty")
)
