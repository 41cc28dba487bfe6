// Command eventstreamd serves the event stream store, the subscriber hub and
// the background fan-out and association processors in one process.
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/dmitrymomot/eventstream/core/association"
	"github.com/dmitrymomot/eventstream/core/config"
	"github.com/dmitrymomot/eventstream/core/fanout"
	"github.com/dmitrymomot/eventstream/core/health"
	"github.com/dmitrymomot/eventstream/core/httpapi"
	"github.com/dmitrymomot/eventstream/core/hub"
	"github.com/dmitrymomot/eventstream/core/logger"
	"github.com/dmitrymomot/eventstream/core/notify"
	"github.com/dmitrymomot/eventstream/core/server"
	"github.com/dmitrymomot/eventstream/core/service"
	"github.com/dmitrymomot/eventstream/core/stream"
	"github.com/dmitrymomot/eventstream/core/supervisor"
	"github.com/dmitrymomot/eventstream/core/transport"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	var cfg Config
	config.MustLoad(&cfg)

	log := logger.New(
		logger.WithEnvironment(cfg.Env, cfg.AppName),
		logger.WithLevelName(cfg.LogLevel),
	)

	if err := run(ctx, cfg, log); err != nil {
		log.Error("Application failed", logger.Component("main"), logger.Error(err))
		cancel()
		os.Exit(1)
	}
	log.Info("Application stopped")
}

func run(ctx context.Context, cfg Config, log *slog.Logger) error {
	if err := cfg.validate(); err != nil {
		return err
	}

	b, err := openBackend(ctx, cfg, log)
	if err != nil {
		return err
	}
	if b.close != nil {
		defer b.close()
	}

	relay, redisClient, err := openRelay(ctx, cfg, log)
	if err != nil {
		return err
	}

	busOpts := []notify.Option{notify.WithLogger(log.With(logger.Component("bus")))}
	if relay != nil {
		defer func() { _ = redisClient.Close() }()
		defer func() { _ = relay.Close() }()
		busOpts = append(busOpts, notify.WithRelay(relay))
	}
	bus := notify.NewBus(busOpts...)

	store := stream.NewStore(b.repo, bus, stream.WithStoreLogger(log.With(logger.Component("store"))))
	defer func() {
		if err := store.Close(); err != nil {
			log.Error("failed to close store", logger.Component("store"), logger.Error(err))
		}
	}()

	// The service resyncs through the fan-out processor, which delivers
	// through the hub, which serves the service.
	var fan *fanout.Processor
	svc := service.New(store,
		service.ResyncFunc(func(ctx context.Context, id uuid.UUID) error {
			return fan.Resync(ctx, id)
		}),
		service.WithLogger(log.With(logger.Component("service"))),
		service.WithBcryptCost(cfg.SubscriberKeyCost),
	)

	hubOpts := []hub.Option{
		hub.WithLogger(log.With(logger.Component("hub"))),
		hub.WithRelaySecret(cfg.HubRelaySecret),
		hub.WithPingInterval(cfg.HubPingInterval),
	}
	if cfg.HubAllowAnyOrigin {
		hubOpts = append(hubOpts, hub.WithAllowAnyOrigin())
	}
	h := hub.New(svc, hubOpts...)

	var client transport.Client
	switch cfg.TransportMode {
	case TransportWebSocket:
		ws := transport.NewWebSocketClient(cfg.Transport,
			transport.WithLogger(log.With(logger.Component("transport"))),
		)
		defer func() { _ = ws.Close() }()
		client = ws
	default:
		client = transport.NewLocalClient(h)
	}

	fan = fanout.NewFromConfig(cfg.Fanout, store, client, bus,
		fanout.WithLogger(log.With(logger.Processor(fanout.HandlerName))),
	)
	assoc := association.NewFromConfig(cfg.Association, store, bus,
		association.WithLogger(log.With(logger.Processor(association.HandlerName))),
	)

	if err := svc.ClearSubscribers(ctx); err != nil {
		return err
	}

	sup := supervisor.New(supervisor.WithLogger(log.With(logger.Component("supervisor"))))
	if err := sup.Register(fanout.HandlerName, fan, true); err != nil {
		return err
	}
	if err := sup.Register(association.HandlerName, assoc, true); err != nil {
		return err
	}

	srv, err := server.NewFromConfig(cfg.Server, server.WithLogger(log.With(logger.Component("server"))))
	if err != nil {
		return err
	}

	mux := http.NewServeMux()
	httpapi.New(svc,
		httpapi.WithLogger(log.With(logger.Component("api"))),
		httpapi.WithProcessors(sup),
	).Register(mux)
	mux.Handle("GET /hub", h.ClientHandler())
	mux.Handle("GET /hub/relay", h.RelayHandler())
	mux.Handle("GET /health/live", health.Liveness())
	mux.Handle("GET /health/ready", health.Readiness(log,
		b.check,
		fan.Healthcheck,
		assoc.Healthcheck,
	))

	log.Info("Application started",
		logger.Key("store_backend", cfg.StoreBackend),
		logger.Key("transport", cfg.TransportMode),
		logger.Key("relay", cfg.NotifyRelay),
		logger.Key("addr", cfg.Server.Addr),
	)

	eg, egCtx := errgroup.WithContext(ctx)
	eg.Go(func() error { return sup.Run(egCtx) })
	eg.Go(srv.Run(egCtx, mux))
	if relay != nil {
		eg.Go(func() error { return relay.Run(egCtx, bus) })
	}
	runErr := eg.Wait()

	drainCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.DrainTimeout)
	defer cancel()
	if err := bus.Wait(drainCtx); err != nil {
		log.Warn("notification handlers did not drain", logger.Component("bus"), logger.Error(err))
	}
	return runErr
}
