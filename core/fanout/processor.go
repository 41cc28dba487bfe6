package fanout

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/dmitrymomot/eventstream/core/logger"
	"github.com/dmitrymomot/eventstream/core/notify"
	"github.com/dmitrymomot/eventstream/core/stream"
	"github.com/dmitrymomot/eventstream/core/transport"
)

// HandlerName is the name the processor attaches to the bus under.
const HandlerName = "fanout"

// Repository is the part of the store the processor reads and writes.
type Repository interface {
	GetStream(ctx context.Context, id int64) (stream.Stream, error)
	GetSubscriber(ctx context.Context, id uuid.UUID) (stream.Subscriber, error)
	ListActiveSubscribers(ctx context.Context, streamID int64) ([]stream.Subscriber, error)
	ListEvents(ctx context.Context, q stream.EventQuery) ([]stream.Event, error)
	AdvanceSubscriberCursor(ctx context.Context, id uuid.UUID, cursor int64) error
}

// Bus is the notification source.
type Bus interface {
	Attach(h notify.Handler) (func(), error)
}

// Processor pushes newly committed events to the live subscribers of their
// stream and tracks each subscriber's delivery cursor.
type Processor struct {
	repo   Repository
	client transport.Client
	bus    Bus

	maxParallelism  int
	sendTimeout     time.Duration
	shutdownTimeout time.Duration
	resyncBatchSize int
	logger          *slog.Logger

	mu      sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	exited  chan struct{} // closed when the current Start returns
	exitErr error
	wg      sync.WaitGroup

	rounds         atomic.Int64
	roundsAborted  atomic.Int64
	delivered      atomic.Int64
	failed         atomic.Int64
	activeRounds   atomic.Int32
	lastActivityAt atomic.Int64
}

// Stats provides observability counters.
type Stats struct {
	Rounds         int64
	RoundsAborted  int64
	Delivered      int64
	Failed         int64
	ActiveRounds   int32
	IsRunning      bool
	LastActivityAt time.Time
}

// NewProcessor creates a stopped processor.
func NewProcessor(repo Repository, client transport.Client, bus Bus, opts ...Option) *Processor {
	def := DefaultConfig()
	p := &Processor{
		repo:            repo,
		client:          client,
		bus:             bus,
		maxParallelism:  def.MaxParallelism,
		sendTimeout:     def.SendTimeout,
		shutdownTimeout: def.ShutdownTimeout,
		resyncBatchSize: def.ResyncBatchSize,
		logger:          slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// NewFromConfig creates a processor from cfg. Zero fields keep their defaults.
func NewFromConfig(cfg Config, repo Repository, client transport.Client, bus Bus, opts ...Option) *Processor {
	base := []Option{
		WithMaxParallelism(cfg.MaxParallelism),
		WithSendTimeout(cfg.SendTimeout),
		WithShutdownTimeout(cfg.ShutdownTimeout),
		WithResyncBatchSize(cfg.ResyncBatchSize),
	}
	return NewProcessor(repo, client, bus, append(base, opts...)...)
}

// Name implements notify.Handler.
func (p *Processor) Name() string { return HandlerName }

// Start attaches the processor to the bus and blocks until ctx is cancelled
// or Stop is called. It then waits for in-flight rounds, up to the shutdown
// timeout, and detaches before returning.
func (p *Processor) Start(ctx context.Context) (err error) {
	p.mu.Lock()
	if p.cancel != nil {
		p.mu.Unlock()
		return ErrProcessorAlreadyStarted
	}
	ctx, cancel := context.WithCancel(ctx)
	exited := make(chan struct{})
	p.ctx, p.cancel, p.exited = ctx, cancel, exited
	p.mu.Unlock()

	defer func() {
		cancel()
		p.mu.Lock()
		p.cancel = nil
		p.exitErr = err
		p.mu.Unlock()
		close(exited)
	}()

	detach, err := p.bus.Attach(p)
	if err != nil {
		return fmt.Errorf("attach to bus: %w", err)
	}
	defer detach()

	p.logger.InfoContext(ctx, "fanout processor started",
		logger.Processor(HandlerName),
		slog.Int("max_parallelism", p.maxParallelism))

	<-ctx.Done()
	p.logger.Info("fanout processor stopping", logger.Processor(HandlerName))
	if err := p.drain(); err != nil {
		return err
	}
	return ctx.Err()
}

// drain waits for rounds in flight, up to the shutdown timeout. Cursors
// already advanced stay advanced.
func (p *Processor) drain() error {
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.logger.Info("fanout processor stopped cleanly", logger.Processor(HandlerName))
		return nil
	case <-time.After(p.shutdownTimeout):
		p.logger.Warn("fanout processor shutdown timeout exceeded",
			logger.Processor(HandlerName),
			logger.Duration(p.shutdownTimeout))
		return fmt.Errorf("shutdown timeout exceeded after %s", p.shutdownTimeout)
	}
}

// Stop cancels in-flight rounds and waits for Start to return. A later Start
// attaches afresh.
func (p *Processor) Stop() error {
	p.mu.Lock()
	if p.cancel == nil {
		p.mu.Unlock()
		return ErrProcessorNotStarted
	}
	cancel, exited := p.cancel, p.exited
	p.mu.Unlock()

	cancel()
	<-exited

	p.mu.Lock()
	defer p.mu.Unlock()
	if errors.Is(p.exitErr, context.Canceled) {
		return nil
	}
	return p.exitErr
}

// Run provides errgroup compatibility.
func (p *Processor) Run(ctx context.Context) func() error {
	return func() error {
		errCh := make(chan error, 1)
		go func() {
			errCh <- p.Start(ctx)
		}()

		select {
		case <-ctx.Done():
			_ = p.Stop()
			<-errCh
			return nil
		case err := <-errCh:
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil
			}
			return err
		}
	}
}

// Handle implements notify.Handler: one notification is one dispatch round.
func (p *Processor) Handle(_ context.Context, n notify.Notification) error {
	ctx, done, ok := p.beginRound()
	if !ok {
		return nil
	}
	defer done()

	return p.dispatch(ctx, n.StreamID, n.Events)
}

// beginRound derives a round context from the processor lifetime. Stopping the
// processor cancels every round in flight; each round owns its own cancel func.
func (p *Processor) beginRound() (context.Context, func(), bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.cancel == nil || p.ctx.Err() != nil {
		return nil, nil, false
	}
	ctx, cancel := context.WithCancel(p.ctx)
	p.wg.Add(1)
	p.activeRounds.Add(1)
	p.rounds.Add(1)

	return ctx, func() {
		cancel()
		p.activeRounds.Add(-1)
		p.lastActivityAt.Store(time.Now().Unix())
		p.wg.Done()
	}, true
}

func (p *Processor) dispatch(ctx context.Context, streamID int64, events []stream.Event) error {
	if len(events) == 0 {
		return nil
	}

	if err := p.ensureConnected(ctx); err != nil {
		// The events stay in the store; resync or the next round catches up.
		p.roundsAborted.Add(1)
		p.logger.WarnContext(ctx, "fanout round aborted",
			logger.Processor(HandlerName),
			logger.StreamID(streamID),
			logger.Error(err))
		return err
	}

	subs, err := p.repo.ListActiveSubscribers(ctx, streamID)
	if err != nil {
		p.roundsAborted.Add(1)
		return fmt.Errorf("list subscribers of stream %d: %w", streamID, err)
	}
	if len(subs) == 0 {
		return nil
	}

	s, err := p.repo.GetStream(ctx, streamID)
	if err != nil {
		p.roundsAborted.Add(1)
		return fmt.Errorf("get stream %d: %w", streamID, err)
	}

	owner, _ := p.client.(transport.Owner)

	var g errgroup.Group
	g.SetLimit(p.maxParallelism)
	for _, sub := range subs {
		if owner != nil && !owner.Owns(sub.ConnectionRef) {
			continue
		}
		g.Go(func() error {
			// Failures stay with this subscriber.
			_ = p.deliver(ctx, s, sub, events)
			return nil
		})
	}
	_ = g.Wait()
	return nil
}

// deliver sends events to one subscriber and advances its cursor to the
// highest order id sent once the transport confirmed the send.
func (p *Processor) deliver(ctx context.Context, s stream.Stream, sub stream.Subscriber, events []stream.Event) error {
	payload := transport.NewPayload(sub, s.Name, events)

	if err := p.send(ctx, payload); err != nil {
		p.failed.Add(1)
		p.logger.ErrorContext(ctx, "delivery failed",
			logger.Processor(HandlerName),
			logger.StreamName(s.Name),
			logger.SubscriberID(sub.ID),
			logger.ConnectionRef(sub.ConnectionRef),
			logger.Error(err))
		return err
	}

	cursor := stream.Max(events)
	// The send is confirmed, so record it even if the round is being cancelled.
	advCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.sendTimeout)
	defer cancel()
	if err := p.repo.AdvanceSubscriberCursor(advCtx, sub.ID, cursor); err != nil {
		p.failed.Add(1)
		p.logger.ErrorContext(ctx, "cursor advance failed",
			logger.Processor(HandlerName),
			logger.SubscriberID(sub.ID),
			logger.Cursor("cursor", cursor),
			logger.Error(err))
		return err
	}

	p.delivered.Add(1)
	p.logger.DebugContext(ctx, "events delivered",
		logger.Processor(HandlerName),
		logger.StreamName(s.Name),
		logger.SubscriberID(sub.ID),
		logger.EventCount(len(events)),
		logger.Cursor("last_delivered_id", cursor))
	return nil
}

func (p *Processor) send(ctx context.Context, payload transport.Payload) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrSendPanicked, r)
		}
	}()

	ctx, cancel := context.WithTimeout(ctx, p.sendTimeout)
	defer cancel()
	return p.client.Send(ctx, payload)
}

func (p *Processor) ensureConnected(ctx context.Context) error {
	if p.client.IsConnected() {
		return nil
	}
	if err := p.client.Connect(ctx); err != nil {
		return fmt.Errorf("%w: %w", ErrTransportUnavailable, err)
	}
	return nil
}

// Resync re-reads the subscriber's requested window and delivers it. The lower
// bound is max(last_delivered_id, requested_from_id); the upper bound is
// requested_to_id, or the stream head when that is zero. Resync works whether
// or not the processor is running.
func (p *Processor) Resync(ctx context.Context, subscriberID uuid.UUID) error {
	sub, err := p.repo.GetSubscriber(ctx, subscriberID)
	if err != nil {
		return err
	}
	if owner, ok := p.client.(transport.Owner); ok && !owner.Owns(sub.ConnectionRef) {
		return ErrConnectionNotOwned
	}
	if err := p.ensureConnected(ctx); err != nil {
		return err
	}

	s, err := p.repo.GetStream(ctx, sub.StreamID)
	if err != nil {
		return err
	}

	lower := max(sub.LastDeliveredID, sub.RequestedFromID)
	upper := sub.RequestedToID
	sent := 0
	for upper == 0 || lower < upper {
		events, err := p.repo.ListEvents(ctx, stream.EventQuery{
			StreamID: s.ID,
			AfterID:  lower,
			ToID:     upper,
			Limit:    p.resyncBatchSize,
		})
		if err != nil {
			return fmt.Errorf("read resync window: %w", err)
		}
		if len(events) == 0 {
			break
		}
		if err := p.deliver(ctx, s, sub, events); err != nil {
			return err
		}
		sent += len(events)
		lower = stream.Max(events)
		if len(events) < p.resyncBatchSize {
			break
		}
	}

	p.logger.InfoContext(ctx, "subscriber resynced",
		logger.Processor(HandlerName),
		logger.SubscriberID(sub.ID),
		logger.EventCount(sent))
	return nil
}

// Stats returns current counters.
func (p *Processor) Stats() Stats {
	p.mu.Lock()
	running := p.cancel != nil && p.ctx.Err() == nil
	p.mu.Unlock()

	var last time.Time
	if ts := p.lastActivityAt.Load(); ts > 0 {
		last = time.Unix(ts, 0)
	}
	return Stats{
		Rounds:         p.rounds.Load(),
		RoundsAborted:  p.roundsAborted.Load(),
		Delivered:      p.delivered.Load(),
		Failed:         p.failed.Load(),
		ActiveRounds:   p.activeRounds.Load(),
		IsRunning:      running,
		LastActivityAt: last,
	}
}

// Healthcheck reports whether the processor is running and its transport reachable.
func (p *Processor) Healthcheck(ctx context.Context) error {
	if !p.Stats().IsRunning {
		return errors.Join(ErrHealthcheckFailed, ErrProcessorNotRunning)
	}
	if err := p.ensureConnected(ctx); err != nil {
		return errors.Join(ErrHealthcheckFailed, err)
	}
	return nil
}
