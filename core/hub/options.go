package hub

import (
	"log/slog"
	"net/http"
	"time"
)

// Option configures a Hub.
type Option func(*Hub)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(h *Hub) {
		if l != nil {
			h.logger = l
		}
	}
}

// WithRelaySecret sets the shared secret required on the relay endpoint.
// An empty secret disables the relay endpoint.
func WithRelaySecret(secret string) Option {
	return func(h *Hub) {
		h.secret = secret
	}
}

func WithReadBuffer(size int) Option {
	return func(h *Hub) {
		h.upgrader.ReadBufferSize = size
	}
}

func WithWriteBuffer(size int) Option {
	return func(h *Hub) {
		h.upgrader.WriteBufferSize = size
	}
}

func WithHandshakeTimeout(timeout time.Duration) Option {
	return func(h *Hub) {
		h.upgrader.HandshakeTimeout = timeout
	}
}

func WithOriginCheck(fn func(r *http.Request) bool) Option {
	return func(h *Hub) {
		h.upgrader.CheckOrigin = fn
	}
}

func WithAllowAnyOrigin() Option {
	return func(h *Hub) {
		h.upgrader.CheckOrigin = func(r *http.Request) bool {
			return true
		}
	}
}

// WithSendBuffer sets how many outbound frames may queue per connection.
func WithSendBuffer(n int) Option {
	return func(h *Hub) {
		if n > 0 {
			h.sendBuffer = n
		}
	}
}

// WithWriteTimeout bounds each frame write.
func WithWriteTimeout(d time.Duration) Option {
	return func(h *Hub) {
		if d > 0 {
			h.writeTimeout = d
		}
	}
}

// WithPingInterval sets how often idle connections are pinged.
func WithPingInterval(d time.Duration) Option {
	return func(h *Hub) {
		if d > 0 {
			h.pingInterval = d
		}
	}
}
