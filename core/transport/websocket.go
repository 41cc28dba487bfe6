package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/dmitrymomot/eventstream/core/logger"
)

// WebSocketClient is a reconnecting client for the hub relay endpoint.
// Every sent frame is acknowledged by the hub; Send returns once the
// acknowledgement for its frame arrives.
type WebSocketClient struct {
	cfg    Config
	dialer *websocket.Dialer
	logger *slog.Logger

	connMu  sync.Mutex // guards conn and serializes dials
	conn    *websocket.Conn
	writeMu sync.Mutex // gorilla allows one concurrent writer
	stop    chan struct{}

	connected atomic.Bool
	nextID    atomic.Uint64

	pendingMu sync.Mutex
	pending   map[uint64]chan AckFrame
}

var _ Client = (*WebSocketClient)(nil)

// WebSocketOption configures a WebSocketClient.
type WebSocketOption func(*WebSocketClient)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) WebSocketOption {
	return func(c *WebSocketClient) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithDialer replaces the websocket dialer.
func WithDialer(d *websocket.Dialer) WebSocketOption {
	return func(c *WebSocketClient) {
		if d != nil {
			c.dialer = d
		}
	}
}

// NewWebSocketClient creates a client. It does not dial until Connect.
func NewWebSocketClient(cfg Config, opts ...WebSocketOption) *WebSocketClient {
	def := DefaultConfig()
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = def.DialTimeout
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = def.SendTimeout
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = def.PingInterval
	}

	c := &WebSocketClient{
		cfg:     cfg,
		dialer:  &websocket.Dialer{HandshakeTimeout: cfg.DialTimeout},
		logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
		pending: make(map[uint64]chan AckFrame),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// IsConnected reports whether a live connection exists.
func (c *WebSocketClient) IsConnected() bool {
	return c.connected.Load()
}

// Connect dials the hub unless already connected.
func (c *WebSocketClient) Connect(ctx context.Context) error {
	if c.cfg.URL == "" {
		return ErrEmptyURL
	}

	c.connMu.Lock()
	defer c.connMu.Unlock()

	if c.connected.Load() {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.DialTimeout)
	defer cancel()

	header := http.Header{}
	if c.cfg.Secret != "" {
		header.Set(SecretHeader, c.cfg.Secret)
	}

	conn, resp, err := c.dialer.DialContext(ctx, c.cfg.URL, header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return fmt.Errorf("dial %s: %w", c.cfg.URL, err)
	}

	c.conn = conn
	c.stop = make(chan struct{})
	c.connected.Store(true)

	go c.readLoop(conn)
	go c.pingLoop(conn, c.stop)

	c.logger.InfoContext(ctx, "transport connected", logger.Key("url", c.cfg.URL))
	return nil
}

// Send writes p to the hub and waits for its acknowledgement.
func (c *WebSocketClient) Send(ctx context.Context, p Payload) error {
	c.connMu.Lock()
	conn := c.conn
	c.connMu.Unlock()
	if conn == nil || !c.connected.Load() {
		return ErrNotConnected
	}

	frame := RelayFrame{ID: c.nextID.Add(1), Payload: p}
	data, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("encode frame: %w", err)
	}

	ackCh := make(chan AckFrame, 1)
	c.pendingMu.Lock()
	c.pending[frame.ID] = ackCh
	c.pendingMu.Unlock()
	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, frame.ID)
		c.pendingMu.Unlock()
	}()

	c.writeMu.Lock()
	_ = conn.SetWriteDeadline(time.Now().Add(c.cfg.SendTimeout))
	err = conn.WriteMessage(websocket.TextMessage, data)
	c.writeMu.Unlock()
	if err != nil {
		c.drop(conn, err)
		return fmt.Errorf("write frame: %w", err)
	}

	timer := time.NewTimer(c.cfg.SendTimeout)
	defer timer.Stop()

	select {
	case ack, ok := <-ackCh:
		if !ok {
			return ErrDisconnected
		}
		if !ack.OK {
			return fmt.Errorf("%w: %s", ErrRejected, ack.Error)
		}
		return nil
	case <-timer.C:
		return ErrSendTimeout
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close closes the connection. A later Connect dials again.
func (c *WebSocketClient) Close() error {
	c.connMu.Lock()
	conn := c.conn
	c.connMu.Unlock()
	if conn == nil {
		return nil
	}

	c.writeMu.Lock()
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	c.writeMu.Unlock()

	c.drop(conn, nil)
	return nil
}

func (c *WebSocketClient) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.drop(conn, err)
			return
		}

		ack, err := decodeAck(data)
		if err != nil {
			c.logger.Warn("transport received malformed ack", logger.Error(err))
			continue
		}

		// Delivered under the lock so drop cannot close ch concurrently.
		c.pendingMu.Lock()
		if ch, ok := c.pending[ack.ID]; ok {
			select {
			case ch <- ack:
			default:
			}
		}
		c.pendingMu.Unlock()
	}
}

func (c *WebSocketClient) pingLoop(conn *websocket.Conn, stop chan struct{}) {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			c.writeMu.Lock()
			err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.cfg.SendTimeout))
			c.writeMu.Unlock()
			if err != nil {
				c.drop(conn, err)
				return
			}
		}
	}
}

// drop tears down conn if it is still the current connection and fails every
// pending sender.
func (c *WebSocketClient) drop(conn *websocket.Conn, cause error) {
	c.connMu.Lock()
	if c.conn != conn {
		c.connMu.Unlock()
		return
	}
	c.conn = nil
	c.connected.Store(false)
	close(c.stop)
	c.connMu.Unlock()

	_ = conn.Close()

	c.pendingMu.Lock()
	for id, ch := range c.pending {
		close(ch)
		delete(c.pending, id)
	}
	c.pendingMu.Unlock()

	if cause != nil {
		c.logger.Warn("transport disconnected", logger.Error(cause))
	}
}
