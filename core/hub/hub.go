package hub

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/dmitrymomot/eventstream/core/logger"
	"github.com/dmitrymomot/eventstream/core/service"
	"github.com/dmitrymomot/eventstream/core/stream"
	"github.com/dmitrymomot/eventstream/core/transport"
)

// Service is the subset of service.Service the hub calls on behalf of clients.
type Service interface {
	Publish(ctx context.Context, streamName string, events []stream.Event) ([]stream.Event, error)
	Subscribe(ctx context.Context, req service.SubscribeRequest) (service.Subscription, error)
	Unsubscribe(ctx context.Context, subscriberID uuid.UUID, key string) error
	UpdateWindow(ctx context.Context, subscriberID uuid.UUID, key string, from, to int64) error
	Disconnect(ctx context.Context, connectionRef string) (int, error)
}

// Hub serves subscriber websockets and the relay endpoint used by remote
// fan-out processors. It implements transport.Deliverer for in-process fan-out.
type Hub struct {
	svc      Service
	upgrader websocket.Upgrader
	secret   string
	logger   *slog.Logger

	sendBuffer   int
	writeTimeout time.Duration
	pingInterval time.Duration

	mu    sync.RWMutex
	conns map[string]*conn
}

var _ transport.Deliverer = (*Hub)(nil)

// New creates a Hub.
func New(svc Service, opts ...Option) *Hub {
	h := &Hub{
		svc: svc,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		logger:       slog.New(slog.NewTextHandler(io.Discard, nil)),
		sendBuffer:   256,
		writeTimeout: 10 * time.Second,
		pingInterval: 30 * time.Second,
		conns:        make(map[string]*conn),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// HasConnection reports whether a client connection with ref is open on this hub.
func (h *Hub) HasConnection(ref string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.conns[ref]
	return ok
}

// Connections returns the number of open client connections.
func (h *Hub) Connections() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// Deliver pushes p to each listed connection that is open on this hub.
// It fails with transport.ErrNoLiveConnection when none of them is.
func (h *Hub) Deliver(ctx context.Context, p transport.Payload) error {
	frame, err := json.Marshal(Push{
		Type:   FrameEvents,
		Method: p.Method(),
		Stream: p.StreamName,
		Events: p.Events,
	})
	if err != nil {
		return err
	}

	delivered := 0
	var errs []error
	for _, ref := range p.ConnectionRefs {
		h.mu.RLock()
		c, ok := h.conns[ref]
		h.mu.RUnlock()
		if !ok {
			continue
		}
		if err := c.enqueue(ctx, frame); err != nil {
			errs = append(errs, fmt.Errorf("connection %s: %w", ref, err))
			continue
		}
		delivered++
	}

	if delivered > 0 {
		return nil
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return transport.ErrNoLiveConnection
}

// ClientHandler serves subscriber connections.
func (h *Hub) ClientHandler() http.Handler {
	return http.HandlerFunc(h.serveClient)
}

func (h *Hub) serveClient(w http.ResponseWriter, r *http.Request) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.DebugContext(r.Context(), "websocket upgrade failed", logger.Error(err))
		return
	}

	c := newConn(uuid.NewString(), ws, h.sendBuffer)
	h.mu.Lock()
	h.conns[c.ref] = c
	h.mu.Unlock()

	ctx := r.Context()
	h.logger.InfoContext(ctx, "client connected", logger.ConnectionRef(c.ref))

	defer func() {
		h.mu.Lock()
		delete(h.conns, c.ref)
		h.mu.Unlock()
		c.close()

		// The request context is already done here.
		if _, err := h.svc.Disconnect(context.WithoutCancel(ctx), c.ref); err != nil {
			h.logger.ErrorContext(ctx, "failed to remove connection subscribers",
				logger.ConnectionRef(c.ref),
				logger.Error(err))
		}
		h.logger.InfoContext(ctx, "client disconnected", logger.ConnectionRef(c.ref))
	}()

	go c.writeLoop(h.writeTimeout, h.pingInterval)

	welcome, _ := json.Marshal(Welcome{Type: FrameWelcome, ConnectionRef: c.ref})
	if err := c.enqueue(ctx, welcome); err != nil {
		return
	}

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.DebugContext(ctx, "client read failed", logger.ConnectionRef(c.ref), logger.Error(err))
			}
			return
		}

		resp := h.handleRequest(ctx, c.ref, data)
		out, err := json.Marshal(resp)
		if err != nil {
			h.logger.ErrorContext(ctx, "failed to encode response", logger.Error(err))
			continue
		}
		if err := c.enqueue(ctx, out); err != nil {
			return
		}
	}
}

func (h *Hub) handleRequest(ctx context.Context, ref string, data []byte) Response {
	var req Request
	if err := json.Unmarshal(data, &req); err != nil {
		return Response{Type: FrameResponse, Error: errorOf(errors.Join(ErrInvalidRequest, err))}
	}

	result, err := h.dispatch(ctx, ref, req)
	if err != nil {
		h.logger.DebugContext(ctx, "client request failed",
			logger.ConnectionRef(ref),
			logger.Action(req.Method),
			logger.Error(err))
		return Response{Type: FrameResponse, ID: req.ID, Error: errorOf(err)}
	}
	return Response{Type: FrameResponse, ID: req.ID, Result: result}
}

func (h *Hub) dispatch(ctx context.Context, ref string, req Request) (any, error) {
	switch req.Method {
	case MethodPublish:
		var p PublishParams
		if err := decodeParams(req.Params, &p); err != nil {
			return nil, err
		}
		events, err := decodeEvents(p.Events)
		if err != nil {
			return nil, err
		}
		committed, err := h.svc.Publish(ctx, p.Stream, events)
		if err != nil {
			return nil, err
		}
		return PublishResult{Stream: p.Stream, Events: encodeEvents(committed)}, nil

	case MethodSubscribe:
		var p SubscribeParams
		if err := decodeParams(req.Params, &p); err != nil {
			return nil, err
		}
		return h.svc.Subscribe(ctx, service.SubscribeRequest{
			StreamName:    p.Stream,
			ConnectionRef: ref,
			CallbackRef:   p.Callback,
			FromID:        p.FromID,
			ToID:          p.ToID,
		})

	case MethodUnsubscribe:
		var p UnsubscribeParams
		if err := decodeParams(req.Params, &p); err != nil {
			return nil, err
		}
		return struct{}{}, h.svc.Unsubscribe(ctx, p.SubscriberID, p.SubscriberKey)

	case MethodUpdateWindow:
		var p UpdateWindowParams
		if err := decodeParams(req.Params, &p); err != nil {
			return nil, err
		}
		return struct{}{}, h.svc.UpdateWindow(ctx, p.SubscriberID, p.SubscriberKey, p.FromID, p.ToID)

	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownMethod, req.Method)
	}
}

func decodeParams(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return fmt.Errorf("%w: missing params", ErrInvalidRequest)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return errors.Join(ErrInvalidRequest, err)
	}
	return nil
}

// RelayHandler serves the endpoint remote transport clients send payloads to.
// Every frame is acknowledged with an AckFrame carrying the same id.
func (h *Hub) RelayHandler() http.Handler {
	return http.HandlerFunc(h.serveRelay)
}

func (h *Hub) serveRelay(w http.ResponseWriter, r *http.Request) {
	got := r.Header.Get(transport.SecretHeader)
	if h.secret == "" || subtle.ConstantTimeCompare([]byte(got), []byte(h.secret)) != 1 {
		http.Error(w, ErrUnauthorized.Error(), http.StatusUnauthorized)
		return
	}

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.DebugContext(r.Context(), "relay upgrade failed", logger.Error(err))
		return
	}
	defer ws.Close()

	ctx := r.Context()
	h.logger.InfoContext(ctx, "relay connected")

	var (
		writeMu sync.Mutex
		wg      sync.WaitGroup
	)
	defer wg.Wait()

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			h.logger.InfoContext(ctx, "relay disconnected", logger.Error(err))
			return
		}

		var f transport.RelayFrame
		if err := json.Unmarshal(data, &f); err != nil {
			h.logger.WarnContext(ctx, "malformed relay frame", logger.Error(err))
			continue
		}

		wg.Add(1)
		go func() {
			defer wg.Done()

			ack := transport.AckFrame{ID: f.ID, OK: true}
			if err := h.Deliver(ctx, f.Payload); err != nil {
				ack = transport.AckFrame{ID: f.ID, Error: err.Error()}
			}

			writeMu.Lock()
			defer writeMu.Unlock()
			_ = ws.SetWriteDeadline(time.Now().Add(h.writeTimeout))
			if err := ws.WriteJSON(ack); err != nil {
				h.logger.DebugContext(ctx, "relay ack failed", logger.Error(err))
			}
		}()
	}
}
