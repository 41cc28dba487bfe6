package transport

import (
	"context"
	"encoding/json"
)

// Client delivers payloads to subscriber connections.
type Client interface {
	IsConnected() bool
	Connect(ctx context.Context) error
	Send(ctx context.Context, p Payload) error
}

// Owner is implemented by clients that can only reach a subset of connections.
// Processors skip subscribers whose connection the client does not own.
type Owner interface {
	Owns(connectionRef string) bool
}

// Deliverer pushes payloads to connections held in this process.
type Deliverer interface {
	Deliver(ctx context.Context, p Payload) error
	HasConnection(connectionRef string) bool
}

// LocalClient delivers straight to an in-process Deliverer. It is always connected.
type LocalClient struct {
	d Deliverer
}

var (
	_ Client = (*LocalClient)(nil)
	_ Owner  = (*LocalClient)(nil)
)

// NewLocalClient returns a client that hands payloads to d.
func NewLocalClient(d Deliverer) *LocalClient {
	return &LocalClient{d: d}
}

func (c *LocalClient) IsConnected() bool { return true }

func (c *LocalClient) Connect(context.Context) error { return nil }

func (c *LocalClient) Send(ctx context.Context, p Payload) error {
	return c.d.Deliver(ctx, p)
}

func (c *LocalClient) Owns(connectionRef string) bool {
	return c.d.HasConnection(connectionRef)
}

// RelayFrame carries a payload from a client to the hub relay endpoint.
type RelayFrame struct {
	ID      uint64  `json:"id"`
	Payload Payload `json:"payload"`
}

// AckFrame acknowledges a RelayFrame.
type AckFrame struct {
	ID    uint64 `json:"id"`
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

// SecretHeader carries the shared relay secret on the websocket handshake.
const SecretHeader = "X-Eventstream-Secret"

func decodeAck(data []byte) (AckFrame, error) {
	var ack AckFrame
	err := json.Unmarshal(data, &ack)
	return ack, err
}
