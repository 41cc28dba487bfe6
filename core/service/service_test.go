package service_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/dmitrymomot/eventstream/core/service"
	"github.com/dmitrymomot/eventstream/core/stream"
)

type recordingResyncer struct {
	mu    sync.Mutex
	calls []uuid.UUID
	err   error
}

func (r *recordingResyncer) Resync(_ context.Context, id uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, id)
	return r.err
}

func (r *recordingResyncer) Calls() []uuid.UUID {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]uuid.UUID(nil), r.calls...)
}

type countingPublisher struct {
	mu      sync.Mutex
	batches int
}

func (p *countingPublisher) Publish(context.Context, int64, []stream.Event) {
	p.mu.Lock()
	p.batches++
	p.mu.Unlock()
}

func newService(t *testing.T) (*service.Service, *stream.Store, *recordingResyncer) {
	t.Helper()
	store := stream.NewStore(stream.NewMemoryRepository(), nil)
	rs := &recordingResyncer{}
	return service.New(store, rs, service.WithBcryptCost(bcrypt.MinCost)), store, rs
}

func events(n int) []stream.Event {
	out := make([]stream.Event, n)
	for i := range out {
		out[i] = stream.Event{Type: "order.placed", Payload: []byte(`{"n":1}`)}
	}
	return out
}

func TestPublish(t *testing.T) {
	t.Parallel()

	t.Run("creates the stream on first publish", func(t *testing.T) {
		t.Parallel()
		svc, store, _ := newService(t)
		ctx := context.Background()

		committed, err := svc.Publish(ctx, "  Orders ", events(2))
		require.NoError(t, err)
		require.Len(t, committed, 2)
		assert.Less(t, committed[0].OrderID, committed[1].OrderID)

		st, err := store.GetStreamByName(ctx, "orders")
		require.NoError(t, err)
		assert.Equal(t, "Orders", st.Name)
		assert.Equal(t, st.ID, committed[0].StreamID)

		again, err := svc.Publish(ctx, "ORDERS", events(1))
		require.NoError(t, err)
		assert.Equal(t, st.ID, again[0].StreamID)
	})

	t.Run("ignores store assigned fields and provenance", func(t *testing.T) {
		t.Parallel()
		svc, _, _ := newService(t)

		in := stream.Event{
			OrderID:            999,
			PublicID:           uuid.New(),
			StreamID:           42,
			Type:               "x",
			OriginatingEventID: uuid.NullUUID{UUID: uuid.New(), Valid: true},
		}
		out, err := svc.Publish(context.Background(), "forged", []stream.Event{in})
		require.NoError(t, err)
		assert.NotEqual(t, in.PublicID, out[0].PublicID)
		assert.NotEqual(t, int64(42), out[0].StreamID)
		assert.False(t, out[0].IsReplica())
	})

	t.Run("notifies once per call", func(t *testing.T) {
		t.Parallel()
		pub := &countingPublisher{}
		svc := service.New(stream.NewStore(stream.NewMemoryRepository(), pub), nil)

		_, err := svc.Publish(context.Background(), "orders", events(3))
		require.NoError(t, err)
		assert.Equal(t, 1, pub.batches)
	})

	t.Run("rejects bad input", func(t *testing.T) {
		t.Parallel()
		svc, _, _ := newService(t)
		ctx := context.Background()

		_, err := svc.Publish(ctx, "orders", nil)
		require.ErrorIs(t, err, stream.ErrEmptyBatch)

		_, err = svc.Publish(ctx, "   ", events(1))
		require.ErrorIs(t, err, stream.ErrInvalidStreamName)

		_, err = svc.Publish(ctx, "orders", []stream.Event{{Type: ""}})
		require.ErrorIs(t, err, stream.ErrInvalidEventType)
	})
}

func TestSubscribe(t *testing.T) {
	t.Parallel()

	t.Run("live only subscription does not resync", func(t *testing.T) {
		t.Parallel()
		svc, store, rs := newService(t)
		ctx := context.Background()

		sub, err := svc.Subscribe(ctx, service.SubscribeRequest{
			StreamName:    "orders",
			ConnectionRef: "conn-1",
			CallbackRef:   "onOrder",
		})
		require.NoError(t, err)
		assert.NotEqual(t, uuid.Nil, sub.SubscriberID)
		assert.NotEmpty(t, sub.Key)
		assert.Equal(t, "orders", sub.StreamName)
		assert.Empty(t, rs.Calls())

		stored, err := store.GetSubscriber(ctx, sub.SubscriberID)
		require.NoError(t, err)
		assert.Equal(t, "conn-1", stored.ConnectionRef)
		assert.Equal(t, "onOrder", stored.CallbackRef)
		assert.NotContains(t, string(stored.KeyHash), sub.Key)
		require.NoError(t, bcrypt.CompareHashAndPassword(stored.KeyHash, []byte(sub.Key)))
	})

	t.Run("resume position stores an exclusive lower bound and resyncs", func(t *testing.T) {
		t.Parallel()
		svc, store, rs := newService(t)
		ctx := context.Background()

		sub, err := svc.Subscribe(ctx, service.SubscribeRequest{
			StreamName:    "orders",
			ConnectionRef: "conn-1",
			FromID:        10,
			ToID:          20,
		})
		require.NoError(t, err)

		stored, err := store.GetSubscriber(ctx, sub.SubscriberID)
		require.NoError(t, err)
		assert.Equal(t, int64(9), stored.RequestedFromID)
		assert.Equal(t, int64(20), stored.RequestedToID)
		assert.Equal(t, []uuid.UUID{sub.SubscriberID}, rs.Calls())
	})

	t.Run("resync failure keeps the subscription", func(t *testing.T) {
		t.Parallel()
		store := stream.NewStore(stream.NewMemoryRepository(), nil)
		rs := &recordingResyncer{err: errors.New("transport down")}
		svc := service.New(store, rs, service.WithBcryptCost(bcrypt.MinCost))

		sub, err := svc.Subscribe(context.Background(), service.SubscribeRequest{
			StreamName: "orders", ConnectionRef: "c", FromID: 1,
		})
		require.NoError(t, err)
		_, err = store.GetSubscriber(context.Background(), sub.SubscriberID)
		require.NoError(t, err)
	})

	t.Run("rejects inverted window", func(t *testing.T) {
		t.Parallel()
		svc, _, _ := newService(t)
		_, err := svc.Subscribe(context.Background(), service.SubscribeRequest{
			StreamName: "orders", ConnectionRef: "c", FromID: 5, ToID: 2,
		})
		require.ErrorIs(t, err, stream.ErrInvalidWindow)
	})
}

func TestUnsubscribe(t *testing.T) {
	t.Parallel()
	svc, store, _ := newService(t)
	ctx := context.Background()

	sub, err := svc.Subscribe(ctx, service.SubscribeRequest{StreamName: "orders", ConnectionRef: "c"})
	require.NoError(t, err)

	err = svc.Unsubscribe(ctx, sub.SubscriberID, "wrong")
	require.ErrorIs(t, err, stream.ErrInvalidSubscriberKey)

	require.NoError(t, svc.Unsubscribe(ctx, sub.SubscriberID, sub.Key))
	_, err = store.GetSubscriber(ctx, sub.SubscriberID)
	require.ErrorIs(t, err, stream.ErrSubscriberNotFound)

	err = svc.Unsubscribe(ctx, sub.SubscriberID, sub.Key)
	require.ErrorIs(t, err, stream.ErrSubscriberNotFound)
}

func TestUpdateWindow(t *testing.T) {
	t.Parallel()
	svc, store, rs := newService(t)
	ctx := context.Background()

	sub, err := svc.Subscribe(ctx, service.SubscribeRequest{StreamName: "orders", ConnectionRef: "c"})
	require.NoError(t, err)

	require.ErrorIs(t, svc.UpdateWindow(ctx, sub.SubscriberID, "nope", 1, 0), stream.ErrInvalidSubscriberKey)
	require.ErrorIs(t, svc.UpdateWindow(ctx, sub.SubscriberID, sub.Key, 9, 3), stream.ErrInvalidWindow)
	assert.Empty(t, rs.Calls())

	require.NoError(t, svc.UpdateWindow(ctx, sub.SubscriberID, sub.Key, 5, 0))
	stored, err := store.GetSubscriber(ctx, sub.SubscriberID)
	require.NoError(t, err)
	assert.Equal(t, int64(4), stored.RequestedFromID)
	assert.Equal(t, int64(0), stored.RequestedToID)

	require.NoError(t, svc.UpdateWindow(ctx, sub.SubscriberID, sub.Key, 0, 7))
	stored, err = store.GetSubscriber(ctx, sub.SubscriberID)
	require.NoError(t, err)
	assert.Equal(t, int64(0), stored.RequestedFromID)
	assert.Equal(t, int64(7), stored.RequestedToID)

	assert.Len(t, rs.Calls(), 2)
}

func TestUpdateWindow_PropagatesResyncError(t *testing.T) {
	t.Parallel()
	store := stream.NewStore(stream.NewMemoryRepository(), nil)
	rs := &recordingResyncer{}
	svc := service.New(store, rs, service.WithBcryptCost(bcrypt.MinCost))
	ctx := context.Background()

	sub, err := svc.Subscribe(ctx, service.SubscribeRequest{StreamName: "orders", ConnectionRef: "c"})
	require.NoError(t, err)

	boom := errors.New("boom")
	rs.mu.Lock()
	rs.err = boom
	rs.mu.Unlock()
	require.ErrorIs(t, svc.UpdateWindow(ctx, sub.SubscriberID, sub.Key, 1, 0), boom)
}

func TestAssociate(t *testing.T) {
	t.Parallel()

	setup := func(t *testing.T, names ...string) (*service.Service, *stream.Store) {
		t.Helper()
		svc, store, _ := newService(t)
		for _, n := range names {
			_, err := store.CreateStream(context.Background(), n)
			require.NoError(t, err)
		}
		return svc, store
	}

	t.Run("creates target and edges idempotently", func(t *testing.T) {
		t.Parallel()
		svc, store := setup(t, "orders", "refunds")
		ctx := context.Background()

		req := service.AssociateRequest{
			Target:       service.StreamRef{Name: "all"},
			CreateTarget: true,
			Sources:      []service.StreamRef{{Name: "orders"}, {Name: "REFUNDS"}},
		}
		res, err := svc.Associate(ctx, req)
		require.NoError(t, err)
		assert.Equal(t, "all", res.Target.Name)
		assert.Len(t, res.Created, 2)
		assert.Empty(t, res.Existed)

		res, err = svc.Associate(ctx, req)
		require.NoError(t, err)
		assert.Empty(t, res.Created)
		assert.Len(t, res.Existed, 2)

		inbound, err := store.ListInboundAssociations(ctx, res.Target.ID)
		require.NoError(t, err)
		assert.Len(t, inbound, 2)
	})

	t.Run("target by external id", func(t *testing.T) {
		t.Parallel()
		svc, store := setup(t, "orders", "all")
		ctx := context.Background()

		all, err := store.GetStreamByName(ctx, "all")
		require.NoError(t, err)

		res, err := svc.Associate(ctx, service.AssociateRequest{
			Target:  service.StreamRef{ExternalID: all.ExternalID},
			Sources: []service.StreamRef{{Name: "orders"}},
		})
		require.NoError(t, err)
		assert.Equal(t, all.ID, res.Target.ID)
	})

	t.Run("missing target without create", func(t *testing.T) {
		t.Parallel()
		svc, _ := setup(t, "orders")
		_, err := svc.Associate(context.Background(), service.AssociateRequest{
			Target:  service.StreamRef{Name: "ghost"},
			Sources: []service.StreamRef{{Name: "orders"}},
		})
		require.ErrorIs(t, err, stream.ErrStreamNotFound)
	})

	t.Run("missing source writes nothing", func(t *testing.T) {
		t.Parallel()
		svc, store := setup(t, "orders")
		ctx := context.Background()

		_, err := svc.Associate(ctx, service.AssociateRequest{
			Target:       service.StreamRef{Name: "all"},
			CreateTarget: true,
			Sources:      []service.StreamRef{{Name: "orders"}, {Name: "ghost"}},
		})
		require.ErrorIs(t, err, stream.ErrStreamNotFound)

		_, err = store.GetStreamByName(ctx, "all")
		require.ErrorIs(t, err, stream.ErrStreamNotFound)
		edges, err := store.ListAssociations(ctx)
		require.NoError(t, err)
		assert.Empty(t, edges)
	})

	t.Run("rejects self association", func(t *testing.T) {
		t.Parallel()
		svc, _ := setup(t, "orders")
		_, err := svc.Associate(context.Background(), service.AssociateRequest{
			Target:  service.StreamRef{Name: "orders"},
			Sources: []service.StreamRef{{Name: "orders"}},
		})
		require.ErrorIs(t, err, stream.ErrSelfAssociation)
	})

	t.Run("rejects cycles", func(t *testing.T) {
		t.Parallel()
		svc, _ := setup(t, "a", "b", "c")
		ctx := context.Background()

		// a -> b -> c
		_, err := svc.Associate(ctx, service.AssociateRequest{
			Target: service.StreamRef{Name: "b"}, Sources: []service.StreamRef{{Name: "a"}},
		})
		require.NoError(t, err)
		_, err = svc.Associate(ctx, service.AssociateRequest{
			Target: service.StreamRef{Name: "c"}, Sources: []service.StreamRef{{Name: "b"}},
		})
		require.NoError(t, err)

		_, err = svc.Associate(ctx, service.AssociateRequest{
			Target: service.StreamRef{Name: "a"}, Sources: []service.StreamRef{{Name: "c"}},
		})
		require.ErrorIs(t, err, stream.ErrAssociationCycle)

		// fan-in onto an existing chain is fine
		_, err = svc.Associate(ctx, service.AssociateRequest{
			Target: service.StreamRef{Name: "c"}, Sources: []service.StreamRef{{Name: "a"}},
		})
		require.NoError(t, err)
	})
}

func TestStreamQueries(t *testing.T) {
	t.Parallel()
	svc, _, _ := newService(t)
	ctx := context.Background()

	committed, err := svc.Publish(ctx, "orders", []stream.Event{
		{Type: "order.placed"}, {Type: "order.paid"}, {Type: "order.placed"},
	})
	require.NoError(t, err)
	_, err = svc.Publish(ctx, "invoices", events(1))
	require.NoError(t, err)

	orders, err := svc.GetStream(ctx, service.StreamRef{Name: "Orders"})
	require.NoError(t, err)

	byID, err := svc.GetStream(ctx, service.StreamRef{ExternalID: orders.ExternalID})
	require.NoError(t, err)
	assert.Equal(t, orders.ID, byID.ID)

	_, err = svc.GetStream(ctx, service.StreamRef{})
	require.ErrorIs(t, err, stream.ErrStreamNotFound)

	found, err := svc.SearchStreams(ctx, stream.StreamQuery{Name: "ord"})
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, "orders", found[0].Name)

	placed, err := svc.SearchEvents(ctx, service.StreamRef{Name: "orders"}, stream.EventQuery{Type: "order.placed"})
	require.NoError(t, err)
	assert.Len(t, placed, 2)

	limited, err := svc.SearchEvents(ctx, service.StreamRef{Name: "orders"}, stream.EventQuery{Limit: 1})
	require.NoError(t, err)
	require.Len(t, limited, 1)
	assert.Equal(t, committed[0].OrderID, limited[0].OrderID)

	e, err := svc.GetEvent(ctx, service.StreamRef{Name: "orders"}, committed[1].PublicID)
	require.NoError(t, err)
	assert.Equal(t, "order.paid", e.Type)

	_, err = svc.GetEvent(ctx, service.StreamRef{Name: "invoices"}, committed[1].PublicID)
	require.ErrorIs(t, err, stream.ErrEventNotFound)
}

func TestSearchEvents_DefaultLimit(t *testing.T) {
	t.Parallel()
	svc, _, _ := newService(t)
	ctx := context.Background()

	_, err := svc.Publish(ctx, "bulk", events(service.DefaultSearchLimit+10))
	require.NoError(t, err)

	got, err := svc.SearchEvents(ctx, service.StreamRef{Name: "bulk"}, stream.EventQuery{})
	require.NoError(t, err)
	assert.Len(t, got, service.DefaultSearchLimit)
}

func TestRenameAndDeleteStream(t *testing.T) {
	t.Parallel()
	svc, store, _ := newService(t)
	ctx := context.Background()

	_, err := svc.Publish(ctx, "orders", events(1))
	require.NoError(t, err)
	sub, err := svc.Subscribe(ctx, service.SubscribeRequest{StreamName: "orders", ConnectionRef: "c"})
	require.NoError(t, err)

	renamed, err := svc.RenameStream(ctx, service.StreamRef{Name: "orders"}, "purchases")
	require.NoError(t, err)
	assert.Equal(t, "purchases", renamed.Name)

	_, err = svc.Publish(ctx, "invoices", events(1))
	require.NoError(t, err)
	_, err = svc.RenameStream(ctx, service.StreamRef{Name: "purchases"}, "INVOICES")
	require.ErrorIs(t, err, stream.ErrStreamExists)

	require.NoError(t, svc.DeleteStream(ctx, service.StreamRef{ExternalID: renamed.ExternalID}))
	_, err = store.GetStream(ctx, renamed.ID)
	require.ErrorIs(t, err, stream.ErrStreamNotFound)
	_, err = svc.GetSubscriber(ctx, sub.SubscriberID)
	require.ErrorIs(t, err, stream.ErrSubscriberNotFound)
}

func TestDisconnectAndClear(t *testing.T) {
	t.Parallel()
	svc, _, _ := newService(t)
	ctx := context.Background()

	for _, conn := range []string{"a", "a", "b"} {
		_, err := svc.Subscribe(ctx, service.SubscribeRequest{StreamName: "orders", ConnectionRef: conn})
		require.NoError(t, err)
	}

	n, err := svc.Disconnect(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = svc.Disconnect(ctx, "a")
	require.NoError(t, err)
	assert.Zero(t, n)

	require.NoError(t, svc.ClearSubscribers(ctx))
	n, err = svc.Disconnect(ctx, "b")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestListAssociations(t *testing.T) {
	t.Parallel()
	svc, _, _ := newService(t)
	ctx := context.Background()

	for _, n := range []string{"a", "b"} {
		_, err := svc.Publish(ctx, n, events(1))
		require.NoError(t, err)
	}
	_, err := svc.Associate(ctx, service.AssociateRequest{
		Target: service.StreamRef{Name: "all"}, CreateTarget: true,
		Sources: []service.StreamRef{{Name: "a"}, {Name: "b"}},
	})
	require.NoError(t, err)

	in, out, err := svc.ListAssociations(ctx, service.StreamRef{Name: "all"})
	require.NoError(t, err)
	assert.Len(t, in, 2)
	assert.Empty(t, out)

	in, out, err = svc.ListAssociations(ctx, service.StreamRef{Name: "a"})
	require.NoError(t, err)
	assert.Empty(t, in)
	assert.Len(t, out, 1)
}

func TestAssociate_ConcurrentOppositeEdges(t *testing.T) {
	t.Parallel()

	svc, store, _ := newService(t)
	ctx := context.Background()

	for i := range 20 {
		a, err := store.CreateStream(ctx, "a-"+string(rune('a'+i)))
		require.NoError(t, err)
		b, err := store.CreateStream(ctx, "b-"+string(rune('a'+i)))
		require.NoError(t, err)

		var wg sync.WaitGroup
		errs := make([]error, 2)
		pairs := [][2]stream.Stream{{a, b}, {b, a}}
		for j, pair := range pairs {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, errs[j] = svc.Associate(ctx, service.AssociateRequest{
					Target:  service.StreamRef{Name: pair[0].Name},
					Sources: []service.StreamRef{{Name: pair[1].Name}},
				})
			}()
		}
		wg.Wait()

		var ok, cyclic int
		for _, err := range errs {
			switch {
			case err == nil:
				ok++
			case errors.Is(err, stream.ErrAssociationCycle):
				cyclic++
			default:
				t.Fatalf("unexpected error: %v", err)
			}
		}
		assert.Equal(t, 1, ok, "iteration %d", i)
		assert.Equal(t, 1, cyclic, "iteration %d", i)
	}
}
