package httpapi

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/dmitrymomot/eventstream/core/stream"
	"github.com/dmitrymomot/eventstream/core/supervisor"
	"github.com/dmitrymomot/eventstream/core/transport"
)

type streamView struct {
	StreamID    uuid.UUID `json:"stream_id"`
	Name        string    `json:"name"`
	CreatedAt   time.Time `json:"created_at"`
	MergeCursor int64     `json:"merge_cursor"`
}

func viewStream(s stream.Stream) streamView {
	return streamView{
		StreamID:    s.ExternalID,
		Name:        s.Name,
		CreatedAt:   s.CreatedAt,
		MergeCursor: s.MergeCursor,
	}
}

type eventView struct {
	OrderID int64 `json:"order_id"`
	transport.EventFrame
}

func viewEvents(events []stream.Event) []eventView {
	out := make([]eventView, len(events))
	for i, e := range events {
		out[i] = eventView{OrderID: e.OrderID, EventFrame: transport.FrameOf(e)}
	}
	return out
}

type streamRefView struct {
	StreamID uuid.UUID `json:"stream_id"`
	Name     string    `json:"name"`
}

type associationView struct {
	Target       streamRefView `json:"target"`
	Source       streamRefView `json:"source"`
	SourceCursor int64         `json:"source_cursor"`
	CreatedAt    time.Time     `json:"created_at"`
}

type subscriberView struct {
	SubscriberID    uuid.UUID `json:"subscriber_id"`
	StreamID        uuid.UUID `json:"stream_id"`
	StreamName      string    `json:"stream_name"`
	ConnectionRef   string    `json:"connection_ref"`
	CallbackRef     string    `json:"callback_ref,omitempty"`
	LastDeliveredID int64     `json:"last_delivered_id"`
	RequestedFromID int64     `json:"requested_from_id"`
	RequestedToID   int64     `json:"requested_to_id"`
	CreatedAt       time.Time `json:"created_at"`
}

type associateRequest struct {
	Target       streamRefInput   `json:"target"`
	CreateTarget bool             `json:"create_target"`
	Sources      []streamRefInput `json:"sources"`
}

type streamRefInput struct {
	StreamID uuid.UUID `json:"stream_id"`
	Name     string    `json:"name"`
}

type associateResponse struct {
	Target   streamView        `json:"target"`
	Created  []associationView `json:"created"`
	Existing []associationView `json:"existing"`
}

type renameRequest struct {
	Name string `json:"name"`
}

type publishRequest struct {
	Events []transport.EventFrame `json:"events"`
}

type windowRequest struct {
	SubscriberKey string `json:"subscriber_key"`
	FromID        int64  `json:"from_id"`
	ToID          int64  `json:"to_id"`
}

type unsubscribeRequest struct {
	SubscriberKey string `json:"subscriber_key"`
}

type associationsResponse struct {
	Inbound  []associationView `json:"inbound"`
	Outbound []associationView `json:"outbound"`
}

type processorsResponse struct {
	Processors []supervisor.Status `json:"processors"`
}

func decodeBody(body []byte, v any) error {
	if len(body) == 0 {
		return badRequest("request body is required")
	}
	if err := json.Unmarshal(body, v); err != nil {
		return badRequest("malformed JSON body: " + err.Error())
	}
	return nil
}
