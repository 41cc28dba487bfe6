package association_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/eventstream/core/association"
	"github.com/dmitrymomot/eventstream/core/notify"
	"github.com/dmitrymomot/eventstream/core/stream"
)

type env struct {
	bus   *notify.Bus
	repo  *stream.MemoryRepository
	store *stream.Store
}

func newEnv() env {
	bus := notify.NewBus()
	repo := stream.NewMemoryRepository()
	return env{bus: bus, repo: repo, store: stream.NewStore(repo, bus)}
}

func (e env) stream(t *testing.T, name string) stream.Stream {
	t.Helper()
	s, err := e.store.CreateStream(context.Background(), name)
	require.NoError(t, err)
	return s
}

func (e env) associate(t *testing.T, target, source stream.Stream) {
	t.Helper()
	_, _, err := e.store.AddAssociation(context.Background(), target.ID, source.ID)
	require.NoError(t, err)
}

func (e env) events(t *testing.T, s stream.Stream) []stream.Event {
	t.Helper()
	out, err := e.store.ListEvents(context.Background(), stream.EventQuery{StreamID: s.ID})
	require.NoError(t, err)
	return out
}

func (e env) reload(t *testing.T, s stream.Stream) stream.Stream {
	t.Helper()
	got, err := e.store.GetStream(context.Background(), s.ID)
	require.NoError(t, err)
	return got
}

func start(t *testing.T, p *association.Processor, bus *notify.Bus) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- p.Start(ctx) }()
	require.Eventually(t, func() bool { return bus.Attached(association.HandlerName) }, time.Second, 5*time.Millisecond)
	t.Cleanup(func() {
		cancel()
		_ = p.Stop()
		<-errCh
	})
}

func batch(n int) []stream.Event {
	out := make([]stream.Event, n)
	for i := range out {
		out[i] = stream.Event{Type: "order.created", Payload: []byte(fmt.Sprintf(`{"n":%d}`, i)), Metadata: []byte(`{"m":true}`)}
	}
	return out
}

func waitIdle(t *testing.T, bus *notify.Bus) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, bus.Wait(ctx))
}

func TestProcessor_ReplicatesWithProvenance(t *testing.T) {
	t.Parallel()

	e := newEnv()
	orders := e.stream(t, "orders")
	all := e.stream(t, "all-events")
	e.associate(t, all, orders)

	p := association.NewProcessor(e.store, e.bus)
	start(t, p, e.bus)

	committed, err := e.store.Append(context.Background(), orders.ID, batch(3))
	require.NoError(t, err)
	waitIdle(t, e.bus)

	replicas := e.events(t, all)
	require.Len(t, replicas, 3)
	for i, r := range replicas {
		assert.True(t, r.IsReplica())
		assert.Equal(t, committed[i].PublicID, r.OriginatingEventID.UUID)
		assert.Equal(t, committed[i].Type, r.Type)
		assert.Equal(t, committed[i].Payload, r.Payload)
		assert.Equal(t, committed[i].Metadata, r.Metadata)
		assert.NotEqual(t, committed[i].PublicID, r.PublicID)
	}
	assert.Equal(t, stream.Max(replicas), e.reload(t, all).MergeCursor)

	edge, err := e.store.GetAssociation(context.Background(), all.ID, orders.ID)
	require.NoError(t, err)
	assert.Equal(t, stream.Max(committed), edge.SourceCursor)
}

func TestProcessor_DuplicateNotificationIsIgnored(t *testing.T) {
	t.Parallel()

	e := newEnv()
	orders := e.stream(t, "orders")
	all := e.stream(t, "all-events")
	e.associate(t, all, orders)

	p := association.NewProcessor(e.store, e.bus)
	start(t, p, e.bus)

	committed, err := e.store.Append(context.Background(), orders.ID, batch(3))
	require.NoError(t, err)
	waitIdle(t, e.bus)

	n := notify.Notification{StreamID: orders.ID, Events: committed}
	require.NoError(t, p.Handle(context.Background(), n))
	require.NoError(t, p.Handle(context.Background(), n))
	waitIdle(t, e.bus)

	assert.Len(t, e.events(t, all), 3, "duplicate dispatch must not create replicas")
	assert.Positive(t, p.Stats().Skipped)
}

func TestProcessor_ConcurrentDuplicateRounds(t *testing.T) {
	t.Parallel()

	e := newEnv()
	orders := e.stream(t, "orders")
	all := e.stream(t, "all-events")
	e.associate(t, all, orders)

	p := association.NewProcessor(e.store, e.bus)
	start(t, p, e.bus)

	committed, err := e.repo.AppendEvents(context.Background(), orders.ID, batch(4))
	require.NoError(t, err)

	n := notify.Notification{StreamID: orders.ID, Events: committed}
	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, p.Handle(context.Background(), n))
		}()
	}
	wg.Wait()
	waitIdle(t, e.bus)

	assert.Len(t, e.events(t, all), 4)
}

func TestProcessor_OutOfOrderNotifications(t *testing.T) {
	t.Parallel()

	e := newEnv()
	orders := e.stream(t, "orders")
	all := e.stream(t, "all-events")
	e.associate(t, all, orders)

	p := association.NewProcessor(e.store, e.bus)
	start(t, p, e.bus)

	first, err := e.repo.AppendEvents(context.Background(), orders.ID, batch(2))
	require.NoError(t, err)
	second, err := e.repo.AppendEvents(context.Background(), orders.ID, batch(2))
	require.NoError(t, err)

	require.NoError(t, p.Handle(context.Background(), notify.Notification{StreamID: orders.ID, Events: second}))
	require.NoError(t, p.Handle(context.Background(), notify.Notification{StreamID: orders.ID, Events: first}))
	waitIdle(t, e.bus)

	replicas := e.events(t, all)
	require.Len(t, replicas, 4, "the later notification pulls the earlier batch along")
	assert.Equal(t, first[0].PublicID, replicas[0].OriginatingEventID.UUID)
	assert.Equal(t, second[1].PublicID, replicas[3].OriginatingEventID.UUID)
}

func TestProcessor_ChainedComposition(t *testing.T) {
	t.Parallel()

	e := newEnv()
	a := e.stream(t, "a")
	b := e.stream(t, "b")
	c := e.stream(t, "c")
	e.associate(t, b, a)
	e.associate(t, c, b)

	p := association.NewProcessor(e.store, e.bus)
	start(t, p, e.bus)

	committed, err := e.store.Append(context.Background(), a.ID, batch(2))
	require.NoError(t, err)

	require.Eventually(t, func() bool { return len(e.events(t, c)) == 2 }, 2*time.Second, 5*time.Millisecond)

	inB := e.events(t, b)
	inC := e.events(t, c)
	require.Len(t, inB, 2)
	for i := range inC {
		assert.Equal(t, inB[i].PublicID, inC[i].OriginatingEventID.UUID, "provenance points one hop back")
		assert.Equal(t, committed[i].PublicID, inB[i].OriginatingEventID.UUID)
	}
}

func TestProcessor_FanInFromSeveralSources(t *testing.T) {
	t.Parallel()

	e := newEnv()
	orders := e.stream(t, "orders")
	payments := e.stream(t, "payments")
	all := e.stream(t, "all-events")
	e.associate(t, all, orders)
	e.associate(t, all, payments)

	p := association.NewProcessor(e.store, e.bus)
	start(t, p, e.bus)

	_, err := e.store.Append(context.Background(), payments.ID, batch(3))
	require.NoError(t, err)
	_, err = e.store.Append(context.Background(), orders.ID, batch(1))
	require.NoError(t, err)
	waitIdle(t, e.bus)

	assert.Len(t, e.events(t, all), 4, "each edge keeps its own cursor")
}

type failingRepo struct {
	*stream.Store
	failTarget int64
}

func (r failingRepo) AppendEvents(ctx context.Context, streamID int64, events []stream.Event) ([]stream.Event, error) {
	if streamID == r.failTarget {
		return nil, errors.New("disk full")
	}
	return r.Store.AppendEvents(ctx, streamID, events)
}

func TestProcessor_TargetFailureIsIsolated(t *testing.T) {
	t.Parallel()

	e := newEnv()
	orders := e.stream(t, "orders")
	broken := e.stream(t, "broken")
	ok := e.stream(t, "ok")
	e.associate(t, broken, orders)
	e.associate(t, ok, orders)

	p := association.NewProcessor(failingRepo{Store: e.store, failTarget: broken.ID}, e.bus)
	start(t, p, e.bus)

	committed, err := e.store.Append(context.Background(), orders.ID, batch(2))
	require.NoError(t, err)
	waitIdle(t, e.bus)

	assert.Len(t, e.events(t, ok), 2)
	assert.Empty(t, e.events(t, broken))
	assert.Zero(t, e.reload(t, broken).MergeCursor)
	assert.Equal(t, int64(1), p.Stats().FailedTargets)

	edge, err := e.store.GetAssociation(context.Background(), broken.ID, orders.ID)
	require.NoError(t, err)
	assert.Less(t, edge.SourceCursor, stream.Max(committed), "failed edge keeps its cursor for a later retry")
}

func TestProcessor_NewAssociationReplicatesOnlyFutureEvents(t *testing.T) {
	t.Parallel()

	e := newEnv()
	orders := e.stream(t, "orders")
	all := e.stream(t, "all-events")

	_, err := e.store.Append(context.Background(), orders.ID, batch(2))
	require.NoError(t, err)

	p := association.NewProcessor(e.store, e.bus)
	start(t, p, e.bus)
	waitIdle(t, e.bus)

	e.associate(t, all, orders)
	_, err = e.store.Append(context.Background(), orders.ID, batch(1))
	require.NoError(t, err)
	waitIdle(t, e.bus)

	assert.Len(t, e.events(t, all), 1)
}

func TestProcessor_CatchUpOnStart(t *testing.T) {
	t.Parallel()

	e := newEnv()
	orders := e.stream(t, "orders")
	all := e.stream(t, "all-events")
	e.associate(t, all, orders)

	// Committed while no processor is attached.
	_, err := e.store.Append(context.Background(), orders.ID, batch(5))
	require.NoError(t, err)
	waitIdle(t, e.bus)
	assert.Empty(t, e.events(t, all))

	p := association.NewProcessor(e.store, e.bus, association.WithBatchSize(2))
	start(t, p, e.bus)

	require.Eventually(t, func() bool { return len(e.events(t, all)) == 5 }, 2*time.Second, 5*time.Millisecond)
	waitIdle(t, e.bus)
	assert.Len(t, e.events(t, all), 5)
}

func TestProcessor_CatchUpDisabled(t *testing.T) {
	t.Parallel()

	e := newEnv()
	orders := e.stream(t, "orders")
	all := e.stream(t, "all-events")
	e.associate(t, all, orders)
	_, err := e.store.Append(context.Background(), orders.ID, batch(2))
	require.NoError(t, err)

	p := association.NewProcessor(e.store, e.bus, association.WithCatchUpOnStart(false))
	start(t, p, e.bus)
	waitIdle(t, e.bus)

	assert.Empty(t, e.events(t, all))
	require.NoError(t, p.CatchUp(context.Background()))
	assert.Len(t, e.events(t, all), 2)
}

func TestProcessor_IgnoresRemoteNotifications(t *testing.T) {
	t.Parallel()

	e := newEnv()
	orders := e.stream(t, "orders")
	all := e.stream(t, "all-events")
	e.associate(t, all, orders)

	p := association.NewProcessor(e.store, e.bus, association.WithCatchUpOnStart(false))
	start(t, p, e.bus)

	committed, err := e.repo.AppendEvents(context.Background(), orders.ID, batch(1))
	require.NoError(t, err)
	require.NoError(t, p.Handle(context.Background(), notify.Notification{StreamID: orders.ID, Events: committed, Remote: true}))

	assert.Empty(t, e.events(t, all))
}

func TestProcessor_Lifecycle(t *testing.T) {
	t.Parallel()

	e := newEnv()
	p := association.NewFromConfig(association.Config{}, e.store, e.bus)

	assert.ErrorIs(t, p.Stop(), association.ErrProcessorNotStarted)
	assert.ErrorIs(t, p.Healthcheck(context.Background()), association.ErrHealthcheckFailed)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- p.Run(ctx)() }()
	require.Eventually(t, func() bool { return p.Stats().IsRunning }, time.Second, 5*time.Millisecond)

	assert.ErrorIs(t, p.Start(ctx), association.ErrProcessorAlreadyStarted)
	assert.NoError(t, p.Healthcheck(context.Background()))

	cancel()
	assert.NoError(t, <-errCh)
	assert.False(t, e.bus.Attached(association.HandlerName))
}

func TestProcessor_RestartStaysAttached(t *testing.T) {
	t.Parallel()

	e := newEnv()
	orders := e.stream(t, "orders")
	all := e.stream(t, "all-events")
	e.associate(t, all, orders)

	p := association.NewProcessor(e.store, e.bus)
	ctx := context.Background()
	for i := range 50 {
		errCh := make(chan error, 1)
		go func() { errCh <- p.Start(ctx) }()
		require.Eventually(t, func() bool {
			return p.Stats().IsRunning && e.bus.Attached(association.HandlerName)
		}, time.Second, time.Millisecond)

		require.NoError(t, p.Stop())
		require.ErrorIs(t, <-errCh, context.Canceled)
		require.False(t, e.bus.Attached(association.HandlerName), "iteration %d", i)
	}

	start(t, p, e.bus)
	_, err := e.store.Append(ctx, orders.ID, batch(2))
	require.NoError(t, err)
	waitIdle(t, e.bus)
	assert.Len(t, e.events(t, all), 2)
}
