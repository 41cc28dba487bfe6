package main

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/eventstream/core/config"
	"github.com/dmitrymomot/eventstream/core/logger"
	"github.com/dmitrymomot/eventstream/core/stream"
)

func TestOpenBackend_Memory(t *testing.T) {
	t.Parallel()

	b, err := openBackend(context.Background(), Config{StoreBackend: BackendMemory}, logger.Discard())
	require.NoError(t, err)
	assert.IsType(t, &stream.MemoryRepository{}, b.repo)
	assert.Nil(t, b.close)
	require.NoError(t, b.check(context.Background()))
}

func TestOpenBackend_Unknown(t *testing.T) {
	t.Parallel()

	_, err := openBackend(context.Background(), Config{StoreBackend: "cassandra"}, logger.Discard())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cassandra")
}

func TestOpenBackend_SQLite(t *testing.T) {
	t.Setenv("SQLITE_PATH", filepath.Join(t.TempDir(), "events.db"))
	config.Reset()
	t.Cleanup(config.Reset)

	ctx := context.Background()
	b, err := openBackend(ctx, Config{StoreBackend: BackendSQLite}, logger.Discard())
	require.NoError(t, err)
	require.NoError(t, b.check(ctx))

	s, err := b.repo.CreateStream(ctx, "orders")
	require.NoError(t, err)
	assert.Equal(t, "orders", s.Name)

	closer, ok := b.repo.(stream.Closer)
	require.True(t, ok)
	require.NoError(t, closer.Close())
}

func TestOpenRelay(t *testing.T) {
	t.Parallel()

	relay, client, err := openRelay(context.Background(), Config{NotifyRelay: RelayNone}, logger.Discard())
	require.NoError(t, err)
	assert.Nil(t, relay)
	assert.Nil(t, client)

	_, _, err = openRelay(context.Background(), Config{NotifyRelay: "kafka"}, logger.Discard())
	require.Error(t, err)
}

func TestConfig_Validate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		cfg     Config
		wantErr error
	}{
		{name: "mongo single instance", cfg: Config{StoreBackend: BackendMongo, NotifyRelay: RelayNone}},
		{name: "mongo relay unset", cfg: Config{StoreBackend: BackendMongo}},
		{name: "postgres with redis", cfg: Config{StoreBackend: BackendPostgres, NotifyRelay: RelayRedis}},
		{name: "sqlite with redis", cfg: Config{StoreBackend: BackendSQLite, NotifyRelay: RelayRedis}},
		{name: "mongo with redis", cfg: Config{StoreBackend: BackendMongo, NotifyRelay: RelayRedis}, wantErr: ErrMongoSingleWriter},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := tt.cfg.validate()
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestRun_RejectsMongoWithRelay(t *testing.T) {
	t.Parallel()

	err := run(context.Background(), Config{StoreBackend: BackendMongo, NotifyRelay: RelayRedis}, logger.Discard())
	require.ErrorIs(t, err, ErrMongoSingleWriter)
}
