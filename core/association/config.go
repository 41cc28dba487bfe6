package association

import (
	"log/slog"
	"time"
)

// Config holds association processor settings.
type Config struct {
	BatchSize       int           `env:"ASSOCIATION_BATCH_SIZE" envDefault:"500"`
	ShutdownTimeout time.Duration `env:"ASSOCIATION_SHUTDOWN_TIMEOUT" envDefault:"30s"`
	CatchUpOnStart  bool          `env:"ASSOCIATION_CATCH_UP_ON_START" envDefault:"true"`
}

// DefaultConfig returns sensible defaults for production use.
func DefaultConfig() Config {
	return Config{
		BatchSize:       500,
		ShutdownTimeout: 30 * time.Second,
		CatchUpOnStart:  true,
	}
}

// Option configures a Processor.
type Option func(*Processor)

// WithBatchSize sets how many source events are replicated per append.
func WithBatchSize(n int) Option {
	return func(p *Processor) {
		if n > 0 {
			p.batchSize = n
		}
	}
}

// WithShutdownTimeout bounds how long Stop waits for in-flight rounds.
func WithShutdownTimeout(d time.Duration) Option {
	return func(p *Processor) {
		if d > 0 {
			p.shutdownTimeout = d
		}
	}
}

// WithCatchUpOnStart toggles replaying every edge's backlog when Start is called.
func WithCatchUpOnStart(enabled bool) Option {
	return func(p *Processor) {
		p.catchUpOnStart = enabled
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *Processor) {
		if l != nil {
			p.logger = l
		}
	}
}
