package notify

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/dmitrymomot/eventstream/core/logger"
	"github.com/dmitrymomot/eventstream/core/stream"
)

// Bus is the in-process notification bus. The store calls Publish once per
// committed append; every attached handler receives the batch concurrently
// on its own goroutine.
type Bus struct {
	mu       sync.RWMutex
	handlers map[string]registration
	order    []string
	gen      uint64

	id     string
	relay  Relay
	logger *slog.Logger

	wg sync.WaitGroup

	published atomic.Int64
	delivered atomic.Int64
	failed    atomic.Int64
	active    atomic.Int32
	lastAt    atomic.Int64
}

var _ stream.Publisher = (*Bus)(nil)

// registration is one Attach call; gen tells a replaced handler from its successor.
type registration struct {
	h   Handler
	gen uint64
}

// Stats provides observability counters.
type Stats struct {
	Published      int64
	Delivered      int64
	Failed         int64
	Active         int32
	Handlers       int
	LastActivityAt time.Time
}

// Option configures a Bus.
type Option func(*Bus)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(b *Bus) {
		if l != nil {
			b.logger = l
		}
	}
}

// WithRelay forwards every local notification through r.
func WithRelay(r Relay) Option {
	return func(b *Bus) {
		b.relay = r
	}
}

// WithInstanceID overrides the generated bus instance id.
func WithInstanceID(id string) Option {
	return func(b *Bus) {
		if id != "" {
			b.id = id
		}
	}
}

// NewBus creates a bus with no handlers attached.
func NewBus(opts ...Option) *Bus {
	b := &Bus{
		handlers: make(map[string]registration),
		id:       uuid.NewString(),
		logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// ID returns the bus instance id used as Notification.Origin.
func (b *Bus) ID() string {
	return b.id
}

// SetRelay replaces the relay. Pass nil to stop forwarding.
func (b *Bus) SetRelay(r Relay) {
	b.mu.Lock()
	b.relay = r
	b.mu.Unlock()
}

// Attach registers h under its name. Attaching a name that is already
// registered replaces the previous handler. The returned function detaches
// this registration only: once the name has been attached again it is a no-op.
func (b *Bus) Attach(h Handler) (func(), error) {
	if h == nil || h.Name() == "" {
		return nil, ErrInvalidHandler
	}

	name := h.Name()
	b.mu.Lock()
	if _, ok := b.handlers[name]; !ok {
		b.order = append(b.order, name)
	}
	b.gen++
	gen := b.gen
	b.handlers[name] = registration{h: h, gen: gen}
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if r, ok := b.handlers[name]; ok && r.gen == gen {
			b.remove(name)
		}
	}, nil
}

// Detach removes the handler registered under name. Unknown names are ignored.
// Invocations already started keep running.
func (b *Bus) Detach(name string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.remove(name)
}

// remove must be called with mu held.
func (b *Bus) remove(name string) {
	if _, ok := b.handlers[name]; !ok {
		return
	}
	delete(b.handlers, name)
	for i, n := range b.order {
		if n == name {
			b.order = append(b.order[:i], b.order[i+1:]...)
			break
		}
	}
}

// Attached reports whether a handler is registered under name.
func (b *Bus) Attached(name string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, ok := b.handlers[name]
	return ok
}

// Publish implements stream.Publisher. It never blocks on handlers and never
// fails: handler errors are logged and counted.
func (b *Bus) Publish(ctx context.Context, streamID int64, batch []stream.Event) {
	n := Notification{
		StreamID: streamID,
		Events:   batch,
		Origin:   b.id,
	}
	b.published.Add(1)

	// Handlers outlive the producer's request.
	ctx = context.WithoutCancel(ctx)
	b.dispatch(ctx, n)

	b.mu.RLock()
	relay := b.relay
	b.mu.RUnlock()
	if relay != nil {
		b.wg.Add(1)
		go func() {
			defer b.wg.Done()
			if err := relay.Forward(ctx, n); err != nil {
				b.logger.WarnContext(ctx, "relay forward failed",
					logger.StreamID(streamID),
					logger.Error(err))
			}
		}()
	}
}

// Deliver dispatches a notification received from another instance to local
// handlers. Notifications that originated on this bus are dropped.
func (b *Bus) Deliver(ctx context.Context, n Notification) {
	if n.Origin == b.id {
		return
	}
	n.Remote = true
	b.dispatch(context.WithoutCancel(ctx), n)
}

func (b *Bus) dispatch(ctx context.Context, n Notification) {
	b.mu.RLock()
	snapshot := make([]Handler, 0, len(b.order))
	for _, name := range b.order {
		snapshot = append(snapshot, b.handlers[name].h)
	}
	b.mu.RUnlock()

	for _, h := range snapshot {
		b.wg.Add(1)
		b.active.Add(1)
		go func(h Handler) {
			defer b.wg.Done()
			defer b.active.Add(-1)

			start := time.Now()
			err := b.invoke(ctx, h, n)
			b.lastAt.Store(time.Now().Unix())

			if err != nil {
				b.failed.Add(1)
				b.logger.ErrorContext(ctx, "notification handler failed",
					logger.Component(h.Name()),
					logger.StreamID(n.StreamID),
					logger.EventCount(len(n.Events)),
					logger.Elapsed(start),
					logger.Error(err))
				return
			}
			b.delivered.Add(1)
		}(h)
	}
}

func (b *Bus) invoke(ctx context.Context, h Handler, n Notification) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrHandlerPanicked, r)
		}
	}()
	return h.Handle(ctx, n)
}

// Wait blocks until every in-flight handler invocation and relay forward has
// returned, or ctx is done.
func (b *Bus) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stats returns current counters.
func (b *Bus) Stats() Stats {
	b.mu.RLock()
	handlers := len(b.handlers)
	b.mu.RUnlock()

	var last time.Time
	if ts := b.lastAt.Load(); ts > 0 {
		last = time.Unix(ts, 0)
	}
	return Stats{
		Published:      b.published.Load(),
		Delivered:      b.delivered.Load(),
		Failed:         b.failed.Load(),
		Active:         b.active.Load(),
		Handlers:       handlers,
		LastActivityAt: last,
	}
}
