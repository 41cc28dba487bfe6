package transport

import (
	"encoding/base64"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/dmitrymomot/eventstream/core/stream"
)

// Payload is one delivery to one or more subscriber connections.
type Payload struct {
	ConnectionRefs []string     `json:"connection_refs"`
	StreamName     string       `json:"stream_name"`
	CallbackRef    string       `json:"callback_ref,omitempty"`
	Events         []EventFrame `json:"events"`
}

// EventFrame is the wire projection of a stream.Event.
// JSON payloads and metadata are embedded as is. Other bytes are sent as
// base64 strings and flagged through Encoding.
type EventFrame struct {
	PublicID           uuid.UUID       `json:"public_id"`
	Type               string          `json:"type"`
	Payload            json.RawMessage `json:"payload,omitempty"`
	Metadata           json.RawMessage `json:"metadata,omitempty"`
	Encoding           string          `json:"encoding,omitempty"`
	OriginatingEventID *uuid.UUID      `json:"originating_event_id"`
	CreatedAt          time.Time       `json:"created_at"`
}

// EncodingBase64 marks frames whose payload and metadata are base64 JSON strings.
const EncodingBase64 = "base64"

// NewPayload builds the delivery for a subscriber.
func NewPayload(sub stream.Subscriber, streamName string, events []stream.Event) Payload {
	frames := make([]EventFrame, len(events))
	for i, e := range events {
		frames[i] = FrameOf(e)
	}
	return Payload{
		ConnectionRefs: []string{sub.ConnectionRef},
		StreamName:     streamName,
		CallbackRef:    sub.CallbackRef,
		Events:         frames,
	}
}

// Method is the name a client dispatches the payload on: the callback ref
// when one was registered, otherwise the stream name.
func (p Payload) Method() string {
	if p.CallbackRef != "" {
		return p.CallbackRef
	}
	return p.StreamName
}

// FrameOf projects e into wire form.
func FrameOf(e stream.Event) EventFrame {
	f := EventFrame{
		PublicID:  e.PublicID,
		Type:      e.Type,
		CreatedAt: e.CreatedAt,
	}
	if e.OriginatingEventID.Valid {
		id := e.OriginatingEventID.UUID
		f.OriginatingEventID = &id
	}

	if isJSON(e.Payload) && isJSON(e.Metadata) {
		f.Payload = json.RawMessage(e.Payload)
		f.Metadata = json.RawMessage(e.Metadata)
		return f
	}
	f.Encoding = EncodingBase64
	f.Payload = encodeBase64(e.Payload)
	f.Metadata = encodeBase64(e.Metadata)
	return f
}

// Bytes returns the raw payload and metadata bytes of the frame.
func (f EventFrame) Bytes() (payload, metadata []byte, err error) {
	if f.Encoding != EncodingBase64 {
		return []byte(f.Payload), []byte(f.Metadata), nil
	}
	if payload, err = decodeBase64(f.Payload); err != nil {
		return nil, nil, err
	}
	if metadata, err = decodeBase64(f.Metadata); err != nil {
		return nil, nil, err
	}
	return payload, metadata, nil
}

func isJSON(b []byte) bool {
	return len(b) == 0 || json.Valid(b)
}

func encodeBase64(b []byte) json.RawMessage {
	if len(b) == 0 {
		return nil
	}
	out, _ := json.Marshal(base64.StdEncoding.EncodeToString(b))
	return out
}

func decodeBase64(raw json.RawMessage) ([]byte, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, err
	}
	return base64.StdEncoding.DecodeString(s)
}
