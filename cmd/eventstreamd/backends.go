package main

import (
	"context"
	"fmt"
	"log/slog"

	goredis "github.com/redis/go-redis/v9"

	"github.com/dmitrymomot/eventstream/core/config"
	"github.com/dmitrymomot/eventstream/core/health"
	"github.com/dmitrymomot/eventstream/core/logger"
	"github.com/dmitrymomot/eventstream/core/stream"
	mongodb "github.com/dmitrymomot/eventstream/integration/database/mongo"
	"github.com/dmitrymomot/eventstream/integration/database/pg"
	"github.com/dmitrymomot/eventstream/integration/database/redis"
	sqlitedb "github.com/dmitrymomot/eventstream/integration/database/sqlite"
	"github.com/dmitrymomot/eventstream/integration/eventstore/mongo"
	"github.com/dmitrymomot/eventstream/integration/eventstore/postgres"
	"github.com/dmitrymomot/eventstream/integration/eventstore/sqlite"
	redisrelay "github.com/dmitrymomot/eventstream/integration/notify/redis"
)

// backend is an opened repository with its readiness check. close releases
// what the repository itself does not own; it is nil when Store.Close suffices.
type backend struct {
	repo  stream.Repository
	check health.Check
	close func()
}

func openBackend(ctx context.Context, cfg Config, log *slog.Logger) (backend, error) {
	log = log.With(logger.Component("store"), logger.Key("backend", cfg.StoreBackend))

	switch cfg.StoreBackend {
	case BackendMemory, "":
		return backend{
			repo:  stream.NewMemoryRepository(),
			check: func(context.Context) error { return nil },
		}, nil

	case BackendSQLite:
		var dbCfg sqlitedb.Config
		if err := config.Load(&dbCfg); err != nil {
			return backend{}, err
		}
		db, err := sqlitedb.Open(ctx, dbCfg)
		if err != nil {
			return backend{}, err
		}
		repo, err := sqlite.New(ctx, db, sqlite.WithLogger(log))
		if err != nil {
			_ = db.Close()
			return backend{}, err
		}
		return backend{
			repo:  repo,
			check: sqlitedb.Healthcheck(db),
		}, nil

	case BackendPostgres:
		var dbCfg pg.Config
		if err := config.Load(&dbCfg); err != nil {
			return backend{}, err
		}
		pool, err := pg.Connect(ctx, dbCfg)
		if err != nil {
			return backend{}, err
		}
		repo, err := postgres.New(ctx, pool,
			postgres.WithLogger(log),
			postgres.WithMigrationsTable(dbCfg.MigrationsTable),
		)
		if err != nil {
			pool.Close()
			return backend{}, err
		}
		return backend{
			repo:  repo,
			check: pg.Healthcheck(pool),
			close: pool.Close,
		}, nil

	case BackendMongo:
		var dbCfg mongodb.Config
		if err := config.Load(&dbCfg); err != nil {
			return backend{}, err
		}
		db, err := mongodb.NewWithDatabase(ctx, dbCfg, cfg.MongoDatabase)
		if err != nil {
			return backend{}, err
		}
		repo, err := mongo.New(ctx, db)
		if err != nil {
			_ = db.Client().Disconnect(context.WithoutCancel(ctx))
			return backend{}, err
		}
		return backend{
			repo:  repo,
			check: mongodb.Healthcheck(db.Client()),
		}, nil
	}
	return backend{}, fmt.Errorf("unknown store backend %q", cfg.StoreBackend)
}

// openRelay returns nil when cross-instance notification is disabled.
func openRelay(ctx context.Context, cfg Config, log *slog.Logger) (*redisrelay.Relay, *goredis.Client, error) {
	switch cfg.NotifyRelay {
	case RelayNone, "":
		return nil, nil, nil
	case RelayRedis:
		var redisCfg redis.Config
		if err := config.Load(&redisCfg); err != nil {
			return nil, nil, err
		}
		client, err := redis.Connect(ctx, redisCfg)
		if err != nil {
			return nil, nil, err
		}
		relay := redisrelay.New(client,
			redisrelay.WithChannel(cfg.RelayChannel),
			redisrelay.WithLogger(log.With(logger.Component("relay"))),
		)
		return relay, client, nil
	}
	return nil, nil, fmt.Errorf("unknown notification relay %q", cfg.NotifyRelay)
}
