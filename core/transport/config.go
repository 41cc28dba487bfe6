package transport

import "time"

// Config configures the websocket transport client.
type Config struct {
	URL          string        `env:"TRANSPORT_URL" envDefault:"ws://localhost:8080/hub/relay"`
	Secret       string        `env:"TRANSPORT_SECRET"`
	DialTimeout  time.Duration `env:"TRANSPORT_DIAL_TIMEOUT" envDefault:"10s"`
	SendTimeout  time.Duration `env:"TRANSPORT_SEND_TIMEOUT" envDefault:"10s"`
	PingInterval time.Duration `env:"TRANSPORT_PING_INTERVAL" envDefault:"30s"`
}

// DefaultConfig returns the defaults used when a Config field is zero.
func DefaultConfig() Config {
	return Config{
		URL:          "ws://localhost:8080/hub/relay",
		DialTimeout:  10 * time.Second,
		SendTimeout:  10 * time.Second,
		PingInterval: 30 * time.Second,
	}
}
