package notify

import (
	"context"

	"github.com/dmitrymomot/eventstream/core/stream"
)

// Notification announces a committed batch of events.
type Notification struct {
	StreamID int64
	Events   []stream.Event

	// Origin is the id of the bus instance that committed the batch.
	Origin string
	// Remote is set when the notification arrived through a Relay.
	Remote bool
}

// Handler reacts to notifications. Name identifies the handler for Attach/Detach.
type Handler interface {
	Name() string
	Handle(ctx context.Context, n Notification) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, n Notification) error

type namedHandler struct {
	name string
	fn   HandlerFunc
}

func (h namedHandler) Name() string { return h.name }

func (h namedHandler) Handle(ctx context.Context, n Notification) error { return h.fn(ctx, n) }

// NewHandler wraps fn as a Handler with the given name.
func NewHandler(name string, fn HandlerFunc) Handler {
	return namedHandler{name: name, fn: fn}
}

// Relay forwards locally committed notifications to other bus instances.
type Relay interface {
	Forward(ctx context.Context, n Notification) error
}
