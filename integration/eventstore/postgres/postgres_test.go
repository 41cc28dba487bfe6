package postgres_test

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/eventstream/core/stream"
	"github.com/dmitrymomot/eventstream/core/stream/streamtest"
	"github.com/dmitrymomot/eventstream/integration/database/pg"
	"github.com/dmitrymomot/eventstream/integration/eventstore/postgres"
)

func newRepo(t *testing.T) *postgres.Repository {
	t.Helper()

	url := os.Getenv("EVENTSTREAM_TEST_PG_URL")
	if url == "" {
		t.Skip("EVENTSTREAM_TEST_PG_URL not set")
	}

	ctx := context.Background()
	pool, err := pg.Connect(ctx, pg.Config{ConnectionString: url, RetryInterval: 100 * time.Millisecond})
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	repo, err := postgres.New(ctx, pool)
	require.NoError(t, err)
	return repo
}

func TestRepository(t *testing.T) {
	streamtest.Run(t, func(t *testing.T) stream.Repository { return newRepo(t) })
}

func TestRepository_JoinsContextTransaction(t *testing.T) {
	repo := newRepo(t)
	pool, err := pg.Connect(context.Background(), pg.Config{ConnectionString: os.Getenv("EVENTSTREAM_TEST_PG_URL")})
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	ctx := context.Background()
	name := streamtest.UniqueName("rolled-back")
	errRollback := errors.New("rollback")

	err = pgx.BeginFunc(ctx, pool, func(tx pgx.Tx) error {
		txCtx := pg.WithTx(ctx, tx)
		s, err := repo.CreateStream(txCtx, name)
		require.NoError(t, err)
		_, err = repo.AppendEvents(txCtx, s.ID, streamtest.Events("x", 1))
		require.NoError(t, err)
		return errRollback
	})
	require.ErrorIs(t, err, errRollback)

	_, err = repo.GetStreamByName(ctx, name)
	assert.ErrorIs(t, err, stream.ErrStreamNotFound)
}
