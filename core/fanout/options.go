package fanout

import (
	"log/slog"
	"time"
)

// Option configures a Processor.
type Option func(*Processor)

// WithMaxParallelism bounds concurrent per-subscriber sends in one round.
func WithMaxParallelism(n int) Option {
	return func(p *Processor) {
		if n > 0 {
			p.maxParallelism = n
		}
	}
}

// WithSendTimeout bounds a single transport send.
func WithSendTimeout(d time.Duration) Option {
	return func(p *Processor) {
		if d > 0 {
			p.sendTimeout = d
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

// WithResyncBatchSize sets the page size used when reading a resync window.
func WithResyncBatchSize(n int) Option {
	return func(p *Processor) {
		if n > 0 {
			p.resyncBatchSize = n
		}
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
