package hub

import (
	"encoding/json"
	"errors"

	"github.com/google/uuid"

	"github.com/dmitrymomot/eventstream/core/stream"
	"github.com/dmitrymomot/eventstream/core/transport"
)

// Client frame types.
const (
	FrameWelcome  = "welcome"
	FrameResponse = "response"
	FrameEvents   = "events"
)

// Request methods.
const (
	MethodPublish      = "publish"
	MethodSubscribe    = "subscribe"
	MethodUnsubscribe  = "unsubscribe"
	MethodUpdateWindow = "update_window"
)

// Request is a client to hub frame. ID is echoed on the response.
type Request struct {
	ID     string          `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
}

// Response answers a Request.
type Response struct {
	Type   string `json:"type"`
	ID     string `json:"id"`
	Result any    `json:"result,omitempty"`
	Error  *Error `json:"error,omitempty"`
}

// Error is the error body of a Response.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Welcome is the first frame on every client connection.
type Welcome struct {
	Type          string `json:"type"`
	ConnectionRef string `json:"connection_ref"`
}

// Push delivers events to a client. Method is the subscriber's callback ref,
// or the stream name when none was given.
type Push struct {
	Type   string                 `json:"type"`
	Method string                 `json:"method"`
	Stream string                 `json:"stream"`
	Events []transport.EventFrame `json:"events"`
}

type PublishParams struct {
	Stream string                 `json:"stream"`
	Events []transport.EventFrame `json:"events"`
}

type PublishResult struct {
	Stream string                 `json:"stream"`
	Events []transport.EventFrame `json:"events"`
}

type SubscribeParams struct {
	Stream   string `json:"stream"`
	Callback string `json:"callback,omitempty"`
	FromID   int64  `json:"from_id,omitempty"`
	ToID     int64  `json:"to_id,omitempty"`
}

type UnsubscribeParams struct {
	SubscriberID  uuid.UUID `json:"subscriber_id"`
	SubscriberKey string    `json:"subscriber_key"`
}

type UpdateWindowParams struct {
	SubscriberID  uuid.UUID `json:"subscriber_id"`
	SubscriberKey string    `json:"subscriber_key"`
	FromID        int64     `json:"from_id"`
	ToID          int64     `json:"to_id"`
}

// Error codes carried in Response.Error.
const (
	CodeNotFound     = "not_found"
	CodeConflict     = "conflict"
	CodeInvalid      = "invalid"
	CodeUnauthorized = "unauthorized"
	CodeInternal     = "internal"
)

func errorOf(err error) *Error {
	code := CodeInternal
	switch {
	case errors.Is(err, stream.ErrStreamNotFound),
		errors.Is(err, stream.ErrSubscriberNotFound),
		errors.Is(err, stream.ErrEventNotFound),
		errors.Is(err, stream.ErrAssociationNotFound):
		code = CodeNotFound
	case errors.Is(err, stream.ErrStreamExists),
		errors.Is(err, stream.ErrAssociationCycle),
		errors.Is(err, stream.ErrSelfAssociation):
		code = CodeConflict
	case errors.Is(err, stream.ErrInvalidSubscriberKey):
		code = CodeUnauthorized
	case errors.Is(err, stream.ErrInvalidStreamName),
		errors.Is(err, stream.ErrEmptyBatch),
		errors.Is(err, stream.ErrInvalidEventType),
		errors.Is(err, stream.ErrInvalidWindow),
		errors.Is(err, ErrInvalidRequest),
		errors.Is(err, ErrUnknownMethod):
		code = CodeInvalid
	}
	return &Error{Code: code, Message: err.Error()}
}

func decodeEvents(frames []transport.EventFrame) ([]stream.Event, error) {
	out := make([]stream.Event, len(frames))
	for i, f := range frames {
		payload, metadata, err := f.Bytes()
		if err != nil {
			return nil, errors.Join(ErrInvalidRequest, err)
		}
		out[i] = stream.Event{Type: f.Type, Payload: payload, Metadata: metadata}
	}
	return out, nil
}

func encodeEvents(events []stream.Event) []transport.EventFrame {
	out := make([]transport.EventFrame, len(events))
	for i, e := range events {
		out[i] = transport.FrameOf(e)
	}
	return out
}
