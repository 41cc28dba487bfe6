// Package redis relays bus notifications between instances over Redis Pub/Sub.
//
// Every instance forwards the batches it commits to one channel and delivers
// the batches published by other instances to its local bus. Pub/Sub is at most
// once: a notification published while an instance is disconnected is lost to
// it, and subscribers recover through their persisted cursors.
package redis

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/dmitrymomot/eventstream/core/logger"
	"github.com/dmitrymomot/eventstream/core/notify"
	"github.com/dmitrymomot/eventstream/core/stream"
)

// DefaultChannel is the Pub/Sub channel used when none is configured.
const DefaultChannel = "eventstream:notifications"

// Deliverer receives notifications published by other instances.
// *notify.Bus implements it.
type Deliverer interface {
	Deliver(ctx context.Context, n notify.Notification)
}

// Relay implements notify.Relay on a Redis channel.
type Relay struct {
	client  redis.UniversalClient
	channel string
	logger  *slog.Logger
	closed  atomic.Bool
}

var _ notify.Relay = (*Relay)(nil)

// Option configures a Relay.
type Option func(*Relay)

// WithChannel sets the Pub/Sub channel name.
func WithChannel(channel string) Option {
	return func(r *Relay) {
		if channel != "" {
			r.channel = channel
		}
	}
}

// WithLogger sets the relay logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Relay) {
		if l != nil {
			r.logger = l
		}
	}
}

// New returns a relay publishing through client.
func New(client redis.UniversalClient, opts ...Option) *Relay {
	r := &Relay{
		client:  client,
		channel: DefaultChannel,
		logger:  logger.Discard(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

type message struct {
	Origin   string  `json:"origin"`
	StreamID int64   `json:"stream_id"`
	Events   []event `json:"events"`
}

type event struct {
	OrderID            int64      `json:"order_id"`
	PublicID           uuid.UUID  `json:"public_id"`
	Type               string     `json:"type"`
	Payload            []byte     `json:"payload,omitempty"`
	Metadata           []byte     `json:"metadata,omitempty"`
	OriginatingEventID *uuid.UUID `json:"originating_event_id,omitempty"`
	CreatedAt          time.Time  `json:"created_at"`
}

func encode(n notify.Notification) ([]byte, error) {
	m := message{Origin: n.Origin, StreamID: n.StreamID, Events: make([]event, len(n.Events))}
	for i, e := range n.Events {
		m.Events[i] = event{
			OrderID:   e.OrderID,
			PublicID:  e.PublicID,
			Type:      e.Type,
			Payload:   e.Payload,
			Metadata:  e.Metadata,
			CreatedAt: e.CreatedAt,
		}
		if e.OriginatingEventID.Valid {
			id := e.OriginatingEventID.UUID
			m.Events[i].OriginatingEventID = &id
		}
	}
	return json.Marshal(m)
}

func decode(data []byte) (notify.Notification, error) {
	var m message
	if err := json.Unmarshal(data, &m); err != nil {
		return notify.Notification{}, err
	}
	n := notify.Notification{Origin: m.Origin, StreamID: m.StreamID, Events: make([]stream.Event, len(m.Events))}
	for i, e := range m.Events {
		n.Events[i] = stream.Event{
			OrderID:   e.OrderID,
			PublicID:  e.PublicID,
			StreamID:  m.StreamID,
			Type:      e.Type,
			Payload:   e.Payload,
			Metadata:  e.Metadata,
			CreatedAt: e.CreatedAt,
		}
		if e.OriginatingEventID != nil {
			n.Events[i].OriginatingEventID = uuid.NullUUID{UUID: *e.OriginatingEventID, Valid: true}
		}
	}
	return n, nil
}

// Forward publishes n to the channel.
func (r *Relay) Forward(ctx context.Context, n notify.Notification) error {
	if r.closed.Load() {
		return notify.ErrRelayClosed
	}
	data, err := encode(n)
	if err != nil {
		return err
	}
	return r.client.Publish(ctx, r.channel, data).Err()
}

// Run subscribes to the channel and hands every notification to d until ctx
// is done. Malformed messages are logged and skipped.
func (r *Relay) Run(ctx context.Context, d Deliverer) error {
	if r.closed.Load() {
		return notify.ErrRelayClosed
	}

	sub := r.client.Subscribe(ctx, r.channel)
	defer sub.Close()

	// Receive blocks until the subscription is confirmed.
	if _, err := sub.Receive(ctx); err != nil {
		return err
	}
	r.logger.InfoContext(ctx, "notification relay subscribed", logger.Key("channel", r.channel))

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			n, err := decode([]byte(msg.Payload))
			if err != nil {
				r.logger.WarnContext(ctx, "dropping malformed relay message", logger.Error(err))
				continue
			}
			d.Deliver(ctx, n)
		}
	}
}

// Close stops forwarding. The client stays owned by the caller.
func (r *Relay) Close() error {
	r.closed.Store(true)
	return nil
}
