package transport_test

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/eventstream/core/stream"
	"github.com/dmitrymomot/eventstream/core/transport"
)

func TestNewPayload_WireShape(t *testing.T) {
	t.Parallel()

	origin := uuid.New()
	sub := stream.Subscriber{ConnectionRef: "conn-1"}
	events := []stream.Event{
		{OrderID: 1, PublicID: uuid.New(), Type: "order.created", Payload: []byte(`{"id":1}`), CreatedAt: time.Unix(100, 0).UTC()},
		{OrderID: 2, PublicID: uuid.New(), Type: "order.paid", Payload: []byte(`{"id":1}`), Metadata: []byte(`{"by":"x"}`),
			OriginatingEventID: uuid.NullUUID{UUID: origin, Valid: true}},
	}

	p := transport.NewPayload(sub, "orders", events)
	assert.Equal(t, "orders", p.Method())

	data, err := json.Marshal(p)
	require.NoError(t, err)

	var wire map[string]any
	require.NoError(t, json.Unmarshal(data, &wire))
	assert.Equal(t, []any{"conn-1"}, wire["connection_refs"])
	assert.Equal(t, "orders", wire["stream_name"])
	assert.NotContains(t, wire, "callback_ref")

	frames := wire["events"].([]any)
	require.Len(t, frames, 2)
	first := frames[0].(map[string]any)
	assert.Equal(t, events[0].PublicID.String(), first["public_id"])
	assert.Equal(t, "order.created", first["type"])
	assert.Equal(t, map[string]any{"id": float64(1)}, first["payload"])
	assert.Nil(t, first["originating_event_id"])
	assert.Contains(t, first, "created_at")

	second := frames[1].(map[string]any)
	assert.Equal(t, origin.String(), second["originating_event_id"])
	assert.Equal(t, map[string]any{"by": "x"}, second["metadata"])
}

func TestFrameOf_BinaryPayload(t *testing.T) {
	t.Parallel()

	e := stream.Event{PublicID: uuid.New(), Type: "blob", Payload: []byte{0xff, 0x00, 0x01}, Metadata: []byte(`{"a":1}`)}
	f := transport.FrameOf(e)
	assert.Equal(t, transport.EncodingBase64, f.Encoding)

	data, err := json.Marshal(f)
	require.NoError(t, err)

	var back transport.EventFrame
	require.NoError(t, json.Unmarshal(data, &back))
	payload, metadata, err := back.Bytes()
	require.NoError(t, err)
	assert.Equal(t, e.Payload, payload)
	assert.Equal(t, e.Metadata, metadata)
}

func TestPayload_MethodPrefersCallback(t *testing.T) {
	t.Parallel()

	p := transport.NewPayload(stream.Subscriber{ConnectionRef: "c", CallbackRef: "onOrder"}, "orders", nil)
	assert.Equal(t, "onOrder", p.Method())
	assert.Empty(t, p.Events)
}
