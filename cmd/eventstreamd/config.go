package main

import (
	"errors"
	"time"

	"github.com/dmitrymomot/eventstream/core/association"
	"github.com/dmitrymomot/eventstream/core/fanout"
	"github.com/dmitrymomot/eventstream/core/server"
	"github.com/dmitrymomot/eventstream/core/transport"
)

// Store backends.
const (
	BackendMemory   = "memory"
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
	BackendMongo    = "mongo"
)

// Transport modes.
const (
	TransportLocal     = "local"
	TransportWebSocket = "websocket"
)

// Notification relays.
const (
	RelayNone  = "none"
	RelayRedis = "redis"
)

type Config struct {
	AppName  string `env:"APP_NAME" envDefault:"eventstreamd"`
	Env      string `env:"APP_ENV" envDefault:"development"`
	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`

	StoreBackend  string `env:"STORE_BACKEND" envDefault:"memory"`
	TransportMode string `env:"TRANSPORT_MODE" envDefault:"local"`
	NotifyRelay   string `env:"NOTIFY_RELAY" envDefault:"none"`

	MongoDatabase string `env:"MONGODB_DATABASE" envDefault:"eventstream"`
	RelayChannel  string `env:"NOTIFY_RELAY_CHANNEL" envDefault:"eventstream:notifications"`

	HubRelaySecret    string        `env:"HUB_RELAY_SECRET"`
	HubAllowAnyOrigin bool          `env:"HUB_ALLOW_ANY_ORIGIN" envDefault:"false"`
	HubPingInterval   time.Duration `env:"HUB_PING_INTERVAL" envDefault:"30s"`

	SubscriberKeyCost int           `env:"SUBSCRIBER_KEY_COST" envDefault:"10"`
	DrainTimeout      time.Duration `env:"DRAIN_TIMEOUT" envDefault:"10s"`

	Server      server.Config
	Fanout      fanout.Config
	Association association.Config
	Transport   transport.Config
}

// ErrMongoSingleWriter is returned for a multi-instance deployment on the
// Mongo backend. Mongo appends reserve order ids and insert them in two steps
// guarded by an in-process lock, so two writers can commit ids out of order
// and cursors would skip events that become visible later.
var ErrMongoSingleWriter = errors.New("mongo store backend supports a single writer instance: NOTIFY_RELAY must be none")

// validate rejects backend and relay combinations that cannot keep cursors safe.
func (c Config) validate() error {
	if c.StoreBackend == BackendMongo && c.NotifyRelay != RelayNone && c.NotifyRelay != "" {
		return ErrMongoSingleWriter
	}
	return nil
}
