package supervisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/dmitrymomot/eventstream/core/logger"
)

var (
	// ErrUnknownUnit is returned for a name that was never registered.
	ErrUnknownUnit = errors.New("unknown unit")
	// ErrDuplicateUnit is returned when a name is registered twice.
	ErrDuplicateUnit = errors.New("unit already registered")
	// ErrAlreadyRunning is returned when starting a running unit or running the supervisor twice.
	ErrAlreadyRunning = errors.New("unit is already running")
	// ErrNotRunning is returned when stopping a unit that is not running.
	ErrNotRunning = errors.New("unit is not running")
	// ErrNotSupervising is returned by Start before Run or after it returned.
	ErrNotSupervising = errors.New("supervisor is not running")
)

// Runnable is a background component. Start blocks until ctx is cancelled,
// finishes in-flight work and returns. A return value other than nil or
// context.Canceled after cancellation is reported as an unclean stop.
type Runnable interface {
	Start(ctx context.Context) error
}

// Status describes one registered unit.
type Status struct {
	Name      string    `json:"name"`
	Running   bool      `json:"running"`
	Autostart bool      `json:"autostart"`
	StartedAt time.Time `json:"started_at,omitzero"`
	LastError string    `json:"last_error,omitempty"`
}

type unit struct {
	name      string
	r         Runnable
	autostart bool

	running   bool
	cancel    context.CancelFunc
	done      chan struct{}
	startedAt time.Time
	lastErr   error
}

// Supervisor owns the lifecycle of named runnables. Units can be started and
// stopped individually while Run is active.
type Supervisor struct {
	logger *slog.Logger

	mu     sync.Mutex
	ctx    context.Context // parent of every unit context; only Stop ends a unit
	active bool
	units  map[string]*unit
	order  []string
}

// Option configures a Supervisor.
type Option func(*Supervisor)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Supervisor) {
		if l != nil {
			s.logger = l
		}
	}
}

// New creates an empty supervisor.
func New(opts ...Option) *Supervisor {
	s := &Supervisor{
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
		units:  make(map[string]*unit),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Register adds a unit. Autostart units are started when Run begins.
func (s *Supervisor) Register(name string, r Runnable, autostart bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.units[name]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateUnit, name)
	}
	s.units[name] = &unit{name: name, r: r, autostart: autostart}
	s.order = append(s.order, name)
	return nil
}

// Run starts the autostart units and blocks until ctx is cancelled, then stops
// every running unit in reverse registration order. Units never see ctx
// cancellation directly.
func (s *Supervisor) Run(ctx context.Context) error {
	s.mu.Lock()
	if s.active {
		s.mu.Unlock()
		return ErrAlreadyRunning
	}
	s.active = true
	s.ctx = context.WithoutCancel(ctx)
	var auto []string
	for _, name := range s.order {
		if s.units[name].autostart {
			auto = append(auto, name)
		}
	}
	s.mu.Unlock()

	for _, name := range auto {
		if err := s.Start(name); err != nil {
			s.logger.ErrorContext(ctx, "failed to start unit", logger.Component(name), logger.Error(err))
		}
	}

	<-ctx.Done()

	s.mu.Lock()
	s.active = false
	names := slices.Clone(s.order)
	s.mu.Unlock()

	var errs []error
	for _, name := range slices.Backward(names) {
		if err := s.Stop(name); err != nil && !errors.Is(err, ErrNotRunning) {
			errs = append(errs, fmt.Errorf("stop %s: %w", name, err))
		}
	}

	return errors.Join(errs...)
}

// Start starts a registered unit in the background.
func (s *Supervisor) Start(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.active {
		return ErrNotSupervising
	}
	u, ok := s.units[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownUnit, name)
	}
	if u.running {
		return fmt.Errorf("%w: %s", ErrAlreadyRunning, name)
	}

	ctx, cancel := context.WithCancel(s.ctx)
	done := make(chan struct{})
	u.running = true
	u.cancel = cancel
	u.done = done
	u.startedAt = time.Now()
	u.lastErr = nil

	go func() {
		defer close(done)
		defer cancel()
		err := u.r.Start(ctx)

		s.mu.Lock()
		u.running = false
		if err != nil && !errors.Is(err, context.Canceled) {
			u.lastErr = err
		}
		s.mu.Unlock()

		if err != nil && !errors.Is(err, context.Canceled) {
			s.logger.ErrorContext(ctx, "unit exited", logger.Component(name), logger.Error(err))
			return
		}
		s.logger.InfoContext(ctx, "unit stopped", logger.Component(name))
	}()

	s.logger.InfoContext(ctx, "unit started", logger.Component(name))
	return nil
}

// Stop cancels a running unit's context and waits for its Start call to
// return. It returns the unit's error when the unit did not stop cleanly.
func (s *Supervisor) Stop(name string) error {
	s.mu.Lock()
	u, ok := s.units[name]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownUnit, name)
	}
	if !u.running {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotRunning, name)
	}
	cancel, done := u.cancel, u.done
	s.mu.Unlock()

	cancel()
	<-done

	s.mu.Lock()
	defer s.mu.Unlock()
	return u.lastErr
}

// Status returns the state of every unit in registration order.
func (s *Supervisor) Status() []Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Status, 0, len(s.order))
	for _, name := range s.order {
		out = append(out, s.units[name].status())
	}
	return out
}

// Get returns the state of one unit.
func (s *Supervisor) Get(name string) (Status, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.units[name]
	if !ok {
		return Status{}, fmt.Errorf("%w: %s", ErrUnknownUnit, name)
	}
	return u.status(), nil
}

func (u *unit) status() Status {
	st := Status{Name: u.name, Running: u.running, Autostart: u.autostart}
	if u.running {
		st.StartedAt = u.startedAt
	}
	if u.lastErr != nil {
		st.LastError = u.lastErr.Error()
	}
	return st
}
