package redis_test

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/eventstream/core/notify"
	"github.com/dmitrymomot/eventstream/core/stream"
	"github.com/dmitrymomot/eventstream/integration/database/redis"
	relay "github.com/dmitrymomot/eventstream/integration/notify/redis"
)

func TestRelay_ForwardAfterClose(t *testing.T) {
	t.Parallel()

	client := goredis.NewClient(&goredis.Options{Addr: "127.0.0.1:1"})
	t.Cleanup(func() { _ = client.Close() })

	r := relay.New(client)
	require.NoError(t, r.Close())
	assert.ErrorIs(t, r.Forward(context.Background(), notify.Notification{}), notify.ErrRelayClosed)
	assert.ErrorIs(t, r.Run(context.Background(), notify.NewBus()), notify.ErrRelayClosed)
}

func TestRelay_CrossInstance(t *testing.T) {
	url := os.Getenv("EVENTSTREAM_TEST_REDIS_URL")
	if url == "" {
		t.Skip("EVENTSTREAM_TEST_REDIS_URL not set")
	}

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	client, err := redis.Connect(ctx, redis.Config{ConnectionURL: url, RetryInterval: 100 * time.Millisecond})
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	channel := "eventstream:test:" + uuid.NewString()
	local := notify.NewBus(notify.WithRelay(relay.New(client, relay.WithChannel(channel))))
	remote := notify.NewBus()

	var (
		mu  sync.Mutex
		got []notify.Notification
	)
	_, err = remote.Attach(notify.NewHandler("collector", func(_ context.Context, n notify.Notification) error {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, n)
		return nil
	}))
	require.NoError(t, err)

	subscriber := relay.New(client, relay.WithChannel(channel))
	go func() { _ = subscriber.Run(ctx, remote) }()

	// Subscribing is asynchronous; keep publishing until the first one lands.
	origin := uuid.New()
	batch := []stream.Event{{
		OrderID:            42,
		PublicID:           uuid.New(),
		Type:               "order.created",
		Payload:            []byte{0, 1, 2},
		OriginatingEventID: uuid.NullUUID{UUID: origin, Valid: true},
		CreatedAt:          time.Now().UTC(),
	}}
	require.Eventually(t, func() bool {
		local.Publish(ctx, 7, batch)
		mu.Lock()
		defer mu.Unlock()
		return len(got) > 0
	}, 5*time.Second, 100*time.Millisecond)

	mu.Lock()
	n := got[0]
	mu.Unlock()
	assert.True(t, n.Remote)
	assert.Equal(t, local.ID(), n.Origin)
	assert.Equal(t, int64(7), n.StreamID)
	require.Len(t, n.Events, 1)
	assert.Equal(t, int64(42), n.Events[0].OrderID)
	assert.Equal(t, []byte{0, 1, 2}, n.Events[0].Payload)
	assert.Equal(t, int64(7), n.Events[0].StreamID)
	assert.Equal(t, origin, n.Events[0].OriginatingEventID.UUID)
}
