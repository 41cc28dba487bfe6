package stream

import "errors"

var (
	// ErrStreamNotFound is returned when a stream lookup by id, external id or name has no match.
	ErrStreamNotFound = errors.New("stream not found")

	// ErrStreamExists is returned when creating or renaming a stream onto a name already taken.
	ErrStreamExists = errors.New("stream already exists")

	// ErrInvalidStreamName is returned for empty or oversized stream names.
	ErrInvalidStreamName = errors.New("invalid stream name")

	// ErrEventNotFound is returned when an event lookup by public id has no match.
	ErrEventNotFound = errors.New("event not found")

	// ErrEmptyBatch is returned when appending zero events.
	ErrEmptyBatch = errors.New("empty event batch")

	// ErrInvalidEventType is returned when an appended event has no type tag.
	ErrInvalidEventType = errors.New("event type is required")

	// ErrSubscriberNotFound is returned when a subscriber lookup has no match.
	ErrSubscriberNotFound = errors.New("subscriber not found")

	// ErrInvalidSubscriberKey is returned when a subscriber key does not match the stored hash.
	ErrInvalidSubscriberKey = errors.New("invalid subscriber key")

	// ErrAssociationNotFound is returned when an association edge does not exist.
	ErrAssociationNotFound = errors.New("association not found")

	// ErrSelfAssociation is returned when a stream is associated with itself.
	ErrSelfAssociation = errors.New("stream cannot be associated with itself")

	// ErrAssociationCycle is returned when a new association would close a replication loop.
	ErrAssociationCycle = errors.New("association would create a cycle")

	// ErrInvalidWindow is returned when a resync window has from greater than to.
	ErrInvalidWindow = errors.New("invalid resync window")
)
