package stream

import (
	"time"

	"github.com/google/uuid"
)

// Stream is a named, append-only sequence of events.
type Stream struct {
	ID         int64
	ExternalID uuid.UUID
	Name       string
	CreatedAt  time.Time

	// MergeCursor is the order id of the last replica this stream received as an association target.
	MergeCursor int64
}

// Event is an immutable record in a stream. OrderID is assigned by the store
// and is the only ordering and cursor key.
type Event struct {
	OrderID            int64
	PublicID           uuid.UUID
	StreamID           int64
	Type               string
	Payload            []byte
	Metadata           []byte
	OriginatingEventID uuid.NullUUID
	CreatedAt          time.Time
}

// IsReplica reports whether the event was copied from a source stream.
func (e Event) IsReplica() bool {
	return e.OriginatingEventID.Valid
}

// Replica returns a copy of e addressed to target, carrying e's public id as provenance.
// Store-assigned fields are cleared.
func (e Event) Replica(target int64) Event {
	return Event{
		StreamID:           target,
		Type:               e.Type,
		Payload:            cloneBytes(e.Payload),
		Metadata:           cloneBytes(e.Metadata),
		OriginatingEventID: uuid.NullUUID{UUID: e.PublicID, Valid: true},
	}
}

// Association is a directed edge: events appended to SourceStreamID are replicated into TargetStreamID.
type Association struct {
	TargetStreamID int64
	SourceStreamID int64

	// SourceCursor is the highest source order id already replicated over this edge.
	SourceCursor int64
	CreatedAt    time.Time
}

// Subscriber is a live listener attached to a stream through a transport connection.
type Subscriber struct {
	ID            uuid.UUID
	KeyHash       []byte
	StreamID      int64
	ConnectionRef string
	CallbackRef   string

	// LastDeliveredID is the delivery cursor. It only moves forward.
	LastDeliveredID int64

	// RequestedFromID and RequestedToID bound a client requested resync window.
	// RequestedFromID is exclusive, RequestedToID inclusive; zero means unbounded.
	RequestedFromID int64
	RequestedToID   int64
	CreatedAt       time.Time
}

// StreamQuery filters ListStreams. Zero values disable a filter.
type StreamQuery struct {
	Name        string // case-insensitive substring
	ExternalID  uuid.UUID
	CreatedFrom time.Time
	CreatedTo   time.Time
	Limit       int
	Offset      int
}

// EventQuery filters ListEvents. Results are ordered by OrderID ascending and
// cover the half-open cursor range (AfterID, ToID]. ToID zero means no upper bound.
type EventQuery struct {
	StreamID    int64
	AfterID     int64
	ToID        int64
	Type        string
	CreatedFrom time.Time
	CreatedTo   time.Time
	Limit       int
}

// Matches reports whether e satisfies every non-zero filter of q.
func (q EventQuery) Matches(e Event) bool {
	if q.StreamID != 0 && e.StreamID != q.StreamID {
		return false
	}
	if e.OrderID <= q.AfterID {
		return false
	}
	if q.ToID > 0 && e.OrderID > q.ToID {
		return false
	}
	if q.Type != "" && e.Type != q.Type {
		return false
	}
	if !q.CreatedFrom.IsZero() && e.CreatedAt.Before(q.CreatedFrom) {
		return false
	}
	if !q.CreatedTo.IsZero() && e.CreatedAt.After(q.CreatedTo) {
		return false
	}
	return true
}

// Max returns the highest OrderID in events, or zero for an empty slice.
func Max(events []Event) int64 {
	var m int64
	for _, e := range events {
		if e.OrderID > m {
			m = e.OrderID
		}
	}
	return m
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
