package service

import (
	"github.com/google/uuid"

	"github.com/dmitrymomot/eventstream/core/stream"
)

// StreamRef addresses a stream by external id or by name. ExternalID wins when both are set.
type StreamRef struct {
	ExternalID uuid.UUID `json:"stream_id,omitempty"`
	Name       string    `json:"name,omitempty"`
}

// IsZero reports whether the reference names nothing.
func (r StreamRef) IsZero() bool {
	return r.ExternalID == uuid.Nil && r.Name == ""
}

func (r StreamRef) String() string {
	if r.ExternalID != uuid.Nil {
		return r.ExternalID.String()
	}
	return r.Name
}

// SubscribeRequest registers a subscriber on a stream.
type SubscribeRequest struct {
	StreamName    string
	ConnectionRef string
	CallbackRef   string
	// FromID, when positive, requests a catch-up starting at that order id (inclusive).
	FromID int64
	// ToID bounds the catch-up window (inclusive). Zero means the stream head.
	ToID int64
}

// Subscription is returned once to the subscriber. Key is never stored in clear.
type Subscription struct {
	SubscriberID uuid.UUID `json:"subscriber_id"`
	Key          string    `json:"subscriber_key"`
	StreamID     uuid.UUID `json:"stream_id"`
	StreamName   string    `json:"stream_name"`
}

// AssociateRequest wires one or more source streams into a target stream.
type AssociateRequest struct {
	Target StreamRef
	// CreateTarget creates the target by name when it does not exist yet.
	CreateTarget bool
	Sources      []StreamRef
}

// AssociateResult reports the target and the edges that were newly created.
type AssociateResult struct {
	Target  stream.Stream
	Created []stream.Association
	Existed []stream.Association
}
