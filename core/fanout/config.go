package fanout

import "time"

// Config holds fan-out processor settings.
type Config struct {
	MaxParallelism  int           `env:"FANOUT_MAX_PARALLELISM" envDefault:"16"`
	SendTimeout     time.Duration `env:"FANOUT_SEND_TIMEOUT" envDefault:"10s"`
	ShutdownTimeout time.Duration `env:"FANOUT_SHUTDOWN_TIMEOUT" envDefault:"30s"`
	ResyncBatchSize int           `env:"FANOUT_RESYNC_BATCH_SIZE" envDefault:"500"`
}

// DefaultConfig returns sensible defaults for production use.
func DefaultConfig() Config {
	return Config{
		MaxParallelism:  16,
		SendTimeout:     10 * time.Second,
		ShutdownTimeout: 30 * time.Second,
		ResyncBatchSize: 500,
	}
}
