package stream

import (
	"context"

	"github.com/google/uuid"
)

// StreamRepository persists streams.
type StreamRepository interface {
	// CreateStream inserts a stream with a fresh external id. Returns ErrStreamExists on a name clash.
	CreateStream(ctx context.Context, name string) (Stream, error)
	GetStream(ctx context.Context, id int64) (Stream, error)
	GetStreamByExternalID(ctx context.Context, id uuid.UUID) (Stream, error)
	// GetStreamByName matches on NameKey.
	GetStreamByName(ctx context.Context, name string) (Stream, error)
	ListStreams(ctx context.Context, q StreamQuery) ([]Stream, error)
	// UpdateStream persists Name. MergeCursor is advanced only through AdvanceMergeCursor.
	UpdateStream(ctx context.Context, s Stream) error
	// DeleteStream removes the stream with its events, associations and subscribers.
	DeleteStream(ctx context.Context, id int64) error
	// AdvanceMergeCursor sets merge_cursor to max(current, cursor).
	AdvanceMergeCursor(ctx context.Context, streamID, cursor int64) error
}

// EventRepository persists events.
type EventRepository interface {
	// AppendEvents commits events to the stream in one transaction and returns them
	// with OrderID, PublicID, StreamID and CreatedAt assigned.
	AppendEvents(ctx context.Context, streamID int64, events []Event) ([]Event, error)
	ListEvents(ctx context.Context, q EventQuery) ([]Event, error)
	GetEvent(ctx context.Context, publicID uuid.UUID) (Event, error)
}

// AssociationRepository persists association edges.
type AssociationRepository interface {
	// AddAssociation is idempotent. created is false when the edge already existed.
	// A new edge's SourceCursor starts at the source stream's current maximum order id.
	AddAssociation(ctx context.Context, targetID, sourceID int64) (a Association, created bool, err error)
	// GetAssociation returns ErrAssociationNotFound when the edge does not exist.
	GetAssociation(ctx context.Context, targetID, sourceID int64) (Association, error)
	ListOutboundAssociations(ctx context.Context, sourceID int64) ([]Association, error)
	ListInboundAssociations(ctx context.Context, targetID int64) ([]Association, error)
	ListAssociations(ctx context.Context) ([]Association, error)
	// AdvanceAssociationCursor sets the edge SourceCursor to max(current, cursor).
	AdvanceAssociationCursor(ctx context.Context, targetID, sourceID, cursor int64) error
}

// SubscriberRepository persists subscribers and their delivery cursors.
type SubscriberRepository interface {
	CreateSubscriber(ctx context.Context, sub Subscriber) (Subscriber, error)
	GetSubscriber(ctx context.Context, id uuid.UUID) (Subscriber, error)
	ListActiveSubscribers(ctx context.Context, streamID int64) ([]Subscriber, error)
	// UpdateSubscriber persists ConnectionRef, CallbackRef and the requested window.
	// LastDeliveredID is owned by AdvanceSubscriberCursor.
	UpdateSubscriber(ctx context.Context, sub Subscriber) error
	// AdvanceSubscriberCursor sets last_delivered_id to max(current, cursor).
	AdvanceSubscriberCursor(ctx context.Context, id uuid.UUID, cursor int64) error
	DeleteSubscriber(ctx context.Context, id uuid.UUID) error
	DeleteSubscribersByConnection(ctx context.Context, connectionRef string) (int, error)
	DeleteAllSubscribers(ctx context.Context) error
}

// Repository is the full storage contract implemented by every backend.
type Repository interface {
	StreamRepository
	EventRepository
	AssociationRepository
	SubscriberRepository
}

// Closer is implemented by backends holding external resources.
type Closer interface {
	Close() error
}
