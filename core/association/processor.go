package association

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dmitrymomot/eventstream/core/logger"
	"github.com/dmitrymomot/eventstream/core/notify"
	"github.com/dmitrymomot/eventstream/core/stream"
)

// HandlerName is the name the processor attaches to the bus under.
const HandlerName = "association"

// Repository is the part of the store the processor uses. AppendEvents must
// notify the bus (a *stream.Store does) so replicas cascade to the target's
// own subscribers and outbound associations.
type Repository interface {
	GetAssociation(ctx context.Context, targetID, sourceID int64) (stream.Association, error)
	ListOutboundAssociations(ctx context.Context, sourceID int64) ([]stream.Association, error)
	ListAssociations(ctx context.Context) ([]stream.Association, error)
	ListEvents(ctx context.Context, q stream.EventQuery) ([]stream.Event, error)
	AppendEvents(ctx context.Context, streamID int64, events []stream.Event) ([]stream.Event, error)
	AdvanceAssociationCursor(ctx context.Context, targetID, sourceID, cursor int64) error
	AdvanceMergeCursor(ctx context.Context, streamID, cursor int64) error
}

// Bus is the notification source.
type Bus interface {
	Attach(h notify.Handler) (func(), error)
}

// Processor replicates source stream events into every associated target stream.
type Processor struct {
	repo Repository
	bus  Bus

	batchSize       int
	shutdownTimeout time.Duration
	catchUpOnStart  bool
	logger          *slog.Logger

	mu      sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	exited  chan struct{}
	exitErr error
	wg      sync.WaitGroup

	locksMu sync.Mutex
	locks   map[int64]*sync.Mutex

	rounds         atomic.Int64
	replicated     atomic.Int64
	skipped        atomic.Int64
	failedTargets  atomic.Int64
	activeRounds   atomic.Int32
	lastActivityAt atomic.Int64
}

// Stats provides observability counters.
type Stats struct {
	Rounds         int64
	Replicated     int64 // replica events written
	Skipped        int64 // edges with nothing new to replicate
	FailedTargets  int64
	ActiveRounds   int32
	IsRunning      bool
	LastActivityAt time.Time
}

// NewProcessor creates a stopped processor.
func NewProcessor(repo Repository, bus Bus, opts ...Option) *Processor {
	def := DefaultConfig()
	p := &Processor{
		repo:            repo,
		bus:             bus,
		batchSize:       def.BatchSize,
		shutdownTimeout: def.ShutdownTimeout,
		catchUpOnStart:  def.CatchUpOnStart,
		logger:          slog.New(slog.NewTextHandler(io.Discard, nil)),
		locks:           make(map[int64]*sync.Mutex),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// NewFromConfig creates a processor from cfg. Zero durations and sizes keep their defaults.
func NewFromConfig(cfg Config, repo Repository, bus Bus, opts ...Option) *Processor {
	base := []Option{
		WithBatchSize(cfg.BatchSize),
		WithShutdownTimeout(cfg.ShutdownTimeout),
		WithCatchUpOnStart(cfg.CatchUpOnStart),
	}
	return NewProcessor(repo, bus, append(base, opts...)...)
}

// Name implements notify.Handler.
func (p *Processor) Name() string { return HandlerName }

// Start attaches to the bus, optionally replays every edge's backlog, and
// blocks until ctx is cancelled or Stop is called. It then waits for
// in-flight rounds, up to the shutdown timeout, and detaches before returning.
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

	p.logger.InfoContext(ctx, "association processor started", logger.Processor(HandlerName))

	if p.catchUpOnStart {
		p.wg.Add(1)
		if err := p.CatchUp(ctx); err != nil && ctx.Err() == nil {
			p.logger.ErrorContext(ctx, "association catch-up failed",
				logger.Processor(HandlerName),
				logger.Error(err))
		}
		p.wg.Done()
	}

	<-ctx.Done()
	p.logger.Info("association processor stopping", logger.Processor(HandlerName))
	if err := p.drain(); err != nil {
		return err
	}
	return ctx.Err()
}

func (p *Processor) drain() error {
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.logger.Info("association processor stopped cleanly", logger.Processor(HandlerName))
		return nil
	case <-time.After(p.shutdownTimeout):
		p.logger.Warn("association processor shutdown timeout exceeded",
			logger.Processor(HandlerName),
			logger.Duration(p.shutdownTimeout))
		return fmt.Errorf("shutdown timeout exceeded after %s", p.shutdownTimeout)
	}
}

// Stop cancels in-flight rounds and waits for Start to return.
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

// Handle implements notify.Handler. Notifications relayed from other
// instances are ignored: the instance that committed the batch replicates it.
func (p *Processor) Handle(_ context.Context, n notify.Notification) error {
	if n.Remote || len(n.Events) == 0 {
		return nil
	}

	ctx, done, ok := p.beginRound()
	if !ok {
		return nil
	}
	defer done()

	edges, err := p.repo.ListOutboundAssociations(ctx, n.StreamID)
	if err != nil {
		return fmt.Errorf("list associations of stream %d: %w", n.StreamID, err)
	}

	upTo := stream.Max(n.Events)
	// Targets run one after another: each append cascades its own round.
	for _, edge := range edges {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if _, err := p.replicate(ctx, edge.TargetStreamID, edge.SourceStreamID, upTo); err != nil {
			p.failedTargets.Add(1)
			p.logger.ErrorContext(ctx, "replication to target failed",
				logger.Processor(HandlerName),
				logger.StreamID(edge.SourceStreamID),
				logger.TargetStreamID(edge.TargetStreamID),
				logger.Error(err))
		}
	}
	return nil
}

// CatchUp replicates every source event committed after each edge's cursor.
// Per-edge failures are logged; the joined errors are returned.
func (p *Processor) CatchUp(ctx context.Context) error {
	edges, err := p.repo.ListAssociations(ctx)
	if err != nil {
		return fmt.Errorf("list associations: %w", err)
	}

	var errs []error
	total := 0
	for _, edge := range edges {
		n, err := p.replicate(ctx, edge.TargetStreamID, edge.SourceStreamID, 0)
		total += n
		if err != nil {
			p.failedTargets.Add(1)
			errs = append(errs, fmt.Errorf("edge %d<-%d: %w", edge.TargetStreamID, edge.SourceStreamID, err))
		}
	}

	p.logger.InfoContext(ctx, "association catch-up finished",
		logger.Processor(HandlerName),
		logger.Count("edges", len(edges)),
		logger.EventCount(total))
	return errors.Join(errs...)
}

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

func (p *Processor) targetLock(target int64) *sync.Mutex {
	p.locksMu.Lock()
	defer p.locksMu.Unlock()

	l, ok := p.locks[target]
	if !ok {
		l = &sync.Mutex{}
		p.locks[target] = l
	}
	return l
}

// replicate copies source events in (edge cursor, upTo] into target, page by
// page. upTo zero means up to the source head. The edge cursor is read under
// the target lock, so a batch already replicated by an earlier or concurrent
// round yields no replicas.
func (p *Processor) replicate(ctx context.Context, target, source, upTo int64) (int, error) {
	l := p.targetLock(target)
	l.Lock()
	defer l.Unlock()

	edge, err := p.repo.GetAssociation(ctx, target, source)
	if err != nil {
		return 0, err
	}
	if upTo > 0 && edge.SourceCursor >= upTo {
		p.skipped.Add(1)
		return 0, nil
	}

	written := 0
	cursor := edge.SourceCursor
	for {
		pending, err := p.repo.ListEvents(ctx, stream.EventQuery{
			StreamID: source,
			AfterID:  cursor,
			ToID:     upTo,
			Limit:    p.batchSize,
		})
		if err != nil {
			return written, fmt.Errorf("read source events: %w", err)
		}
		if len(pending) == 0 {
			break
		}

		replicas := make([]stream.Event, len(pending))
		for i, e := range pending {
			replicas[i] = e.Replica(target)
		}

		committed, err := p.repo.AppendEvents(ctx, target, replicas)
		if err != nil {
			return written, fmt.Errorf("append replicas: %w", err)
		}

		// Replicas are durable now; record progress even if the round is being cancelled.
		advCtx := context.WithoutCancel(ctx)
		cursor = stream.Max(pending)
		if err := p.repo.AdvanceAssociationCursor(advCtx, target, source, cursor); err != nil {
			return written, fmt.Errorf("advance association cursor: %w", err)
		}
		if err := p.repo.AdvanceMergeCursor(advCtx, target, stream.Max(committed)); err != nil {
			return written, fmt.Errorf("advance merge cursor: %w", err)
		}

		written += len(committed)
		p.replicated.Add(int64(len(committed)))
		p.logger.DebugContext(ctx, "events replicated",
			logger.Processor(HandlerName),
			logger.StreamID(source),
			logger.TargetStreamID(target),
			logger.EventCount(len(committed)),
			logger.Cursor("merge_cursor", stream.Max(committed)))

		if len(pending) < p.batchSize {
			break
		}
	}

	if written == 0 {
		p.skipped.Add(1)
	}
	return written, nil
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
		Replicated:     p.replicated.Load(),
		Skipped:        p.skipped.Load(),
		FailedTargets:  p.failedTargets.Load(),
		ActiveRounds:   p.activeRounds.Load(),
		IsRunning:      running,
		LastActivityAt: last,
	}
}

// Healthcheck reports whether the processor is running.
func (p *Processor) Healthcheck(context.Context) error {
	if !p.Stats().IsRunning {
		return errors.Join(ErrHealthcheckFailed, ErrProcessorNotRunning)
	}
	return nil
}
