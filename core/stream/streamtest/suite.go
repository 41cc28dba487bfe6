// Package streamtest holds a behavioural test suite shared by every stream.Repository backend.
package streamtest

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/eventstream/core/stream"
)

// Factory returns a repository for one subtest. Backends sharing a database
// across subtests are fine: every subtest uses unique stream names.
type Factory func(t *testing.T) stream.Repository

// Run executes the suite against repositories built by newRepo.
func Run(t *testing.T, newRepo Factory) {
	t.Helper()

	t.Run("streams", func(t *testing.T) { testStreams(t, newRepo(t)) })
	t.Run("rename", func(t *testing.T) { testRename(t, newRepo(t)) })
	t.Run("events", func(t *testing.T) { testEvents(t, newRepo(t)) })
	t.Run("merge cursor", func(t *testing.T) { testMergeCursor(t, newRepo(t)) })
	t.Run("associations", func(t *testing.T) { testAssociations(t, newRepo(t)) })
	t.Run("subscribers", func(t *testing.T) { testSubscribers(t, newRepo(t)) })
	t.Run("delete cascade", func(t *testing.T) { testDeleteCascade(t, newRepo(t)) })
}

// UniqueName returns a stream name that does not clash across runs.
func UniqueName(prefix string) string {
	return prefix + "-" + strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}

// Events builds n events of the given type with distinct payloads.
func Events(typ string, n int) []stream.Event {
	out := make([]stream.Event, n)
	for i := range out {
		out[i] = stream.Event{
			Type:     typ,
			Payload:  []byte(`{"n":` + string(rune('0'+i%10)) + `}`),
			Metadata: []byte(`{"source":"test"}`),
		}
	}
	return out
}

func testStreams(t *testing.T, repo stream.Repository) {
	ctx := context.Background()
	name := UniqueName("Orders")

	s, err := repo.CreateStream(ctx, "  "+name+" ")
	require.NoError(t, err)
	assert.NotZero(t, s.ID)
	assert.NotEqual(t, uuid.Nil, s.ExternalID)
	assert.Equal(t, name, s.Name)
	assert.Zero(t, s.MergeCursor)

	_, err = repo.CreateStream(ctx, strings.ToUpper(name))
	assert.ErrorIs(t, err, stream.ErrStreamExists)

	_, err = repo.CreateStream(ctx, "   ")
	assert.ErrorIs(t, err, stream.ErrInvalidStreamName)

	got, err := repo.GetStreamByName(ctx, strings.ToLower(name))
	require.NoError(t, err)
	assert.Equal(t, s.ID, got.ID)

	got, err = repo.GetStreamByExternalID(ctx, s.ExternalID)
	require.NoError(t, err)
	assert.Equal(t, s.ID, got.ID)

	got, err = repo.GetStream(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, name, got.Name)

	_, err = repo.GetStream(ctx, s.ID+100000)
	assert.ErrorIs(t, err, stream.ErrStreamNotFound)
	_, err = repo.GetStreamByName(ctx, UniqueName("missing"))
	assert.ErrorIs(t, err, stream.ErrStreamNotFound)
	_, err = repo.GetStreamByExternalID(ctx, uuid.New())
	assert.ErrorIs(t, err, stream.ErrStreamNotFound)

	list, err := repo.ListStreams(ctx, stream.StreamQuery{Name: strings.ToLower(name)})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, s.ID, list[0].ID)

	list, err = repo.ListStreams(ctx, stream.StreamQuery{ExternalID: s.ExternalID})
	require.NoError(t, err)
	require.Len(t, list, 1)

	list, err = repo.ListStreams(ctx, stream.StreamQuery{Name: name, CreatedTo: time.Now().Add(-24 * time.Hour)})
	require.NoError(t, err)
	assert.Empty(t, list)
}

func testRename(t *testing.T, repo stream.Repository) {
	ctx := context.Background()
	a, err := repo.CreateStream(ctx, UniqueName("a"))
	require.NoError(t, err)
	b, err := repo.CreateStream(ctx, UniqueName("b"))
	require.NoError(t, err)

	renamed := UniqueName("renamed")
	a.Name = renamed
	require.NoError(t, repo.UpdateStream(ctx, a))

	got, err := repo.GetStreamByName(ctx, renamed)
	require.NoError(t, err)
	assert.Equal(t, a.ID, got.ID)

	b.Name = strings.ToUpper(renamed)
	assert.ErrorIs(t, repo.UpdateStream(ctx, b), stream.ErrStreamExists)

	assert.ErrorIs(t, repo.UpdateStream(ctx, stream.Stream{ID: b.ID + 100000, Name: UniqueName("x")}), stream.ErrStreamNotFound)
}

func testEvents(t *testing.T, repo stream.Repository) {
	ctx := context.Background()
	s, err := repo.CreateStream(ctx, UniqueName("events"))
	require.NoError(t, err)

	_, err = repo.AppendEvents(ctx, s.ID+100000, Events("x", 1))
	assert.ErrorIs(t, err, stream.ErrStreamNotFound)

	origin := uuid.New()
	batch := Events("order.created", 3)
	batch[2].Type = "order.paid"
	batch[2].OriginatingEventID = uuid.NullUUID{UUID: origin, Valid: true}

	committed, err := repo.AppendEvents(ctx, s.ID, batch)
	require.NoError(t, err)
	require.Len(t, committed, 3)
	for i, e := range committed {
		assert.Equal(t, s.ID, e.StreamID)
		assert.NotEqual(t, uuid.Nil, e.PublicID)
		assert.False(t, e.CreatedAt.IsZero())
		if i > 0 {
			assert.Greater(t, e.OrderID, committed[i-1].OrderID)
		}
	}
	assert.True(t, committed[2].IsReplica())
	assert.Equal(t, origin, committed[2].OriginatingEventID.UUID)

	more, err := repo.AppendEvents(ctx, s.ID, Events("order.created", 2))
	require.NoError(t, err)
	assert.Greater(t, more[0].OrderID, committed[2].OrderID)

	all, err := repo.ListEvents(ctx, stream.EventQuery{StreamID: s.ID})
	require.NoError(t, err)
	require.Len(t, all, 5)
	assert.Equal(t, committed[0].PublicID, all[0].PublicID)
	assert.JSONEq(t, string(batch[0].Payload), string(all[0].Payload))
	assert.JSONEq(t, string(batch[0].Metadata), string(all[0].Metadata))

	window, err := repo.ListEvents(ctx, stream.EventQuery{
		StreamID: s.ID,
		AfterID:  committed[0].OrderID,
		ToID:     more[0].OrderID,
	})
	require.NoError(t, err)
	require.Len(t, window, 3)
	assert.Equal(t, committed[1].OrderID, window[0].OrderID)
	assert.Equal(t, more[0].OrderID, window[2].OrderID)

	typed, err := repo.ListEvents(ctx, stream.EventQuery{StreamID: s.ID, Type: "order.paid"})
	require.NoError(t, err)
	require.Len(t, typed, 1)
	assert.Equal(t, committed[2].PublicID, typed[0].PublicID)

	limited, err := repo.ListEvents(ctx, stream.EventQuery{StreamID: s.ID, Limit: 2})
	require.NoError(t, err)
	assert.Len(t, limited, 2)

	none, err := repo.ListEvents(ctx, stream.EventQuery{StreamID: s.ID, CreatedFrom: time.Now().Add(time.Hour)})
	require.NoError(t, err)
	assert.Empty(t, none)

	got, err := repo.GetEvent(ctx, committed[1].PublicID)
	require.NoError(t, err)
	assert.Equal(t, committed[1].OrderID, got.OrderID)
	assert.False(t, got.IsReplica())

	_, err = repo.GetEvent(ctx, uuid.New())
	assert.ErrorIs(t, err, stream.ErrEventNotFound)
}

func testMergeCursor(t *testing.T, repo stream.Repository) {
	ctx := context.Background()
	s, err := repo.CreateStream(ctx, UniqueName("merge"))
	require.NoError(t, err)

	require.NoError(t, repo.AdvanceMergeCursor(ctx, s.ID, 10))
	require.NoError(t, repo.AdvanceMergeCursor(ctx, s.ID, 4))

	got, err := repo.GetStream(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(10), got.MergeCursor, "merge cursor must not move backwards")

	assert.ErrorIs(t, repo.AdvanceMergeCursor(ctx, s.ID+100000, 1), stream.ErrStreamNotFound)
}

func testAssociations(t *testing.T, repo stream.Repository) {
	ctx := context.Background()
	target, err := repo.CreateStream(ctx, UniqueName("target"))
	require.NoError(t, err)
	source, err := repo.CreateStream(ctx, UniqueName("source"))
	require.NoError(t, err)

	existing, err := repo.AppendEvents(ctx, source.ID, Events("x", 2))
	require.NoError(t, err)

	a, created, err := repo.AddAssociation(ctx, target.ID, source.ID)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, stream.Max(existing), a.SourceCursor, "new edge starts at the source head")

	_, created, err = repo.AddAssociation(ctx, target.ID, source.ID)
	require.NoError(t, err)
	assert.False(t, created)

	_, _, err = repo.AddAssociation(ctx, target.ID, target.ID)
	assert.ErrorIs(t, err, stream.ErrSelfAssociation)
	_, _, err = repo.AddAssociation(ctx, target.ID, source.ID+100000)
	assert.ErrorIs(t, err, stream.ErrStreamNotFound)

	out, err := repo.ListOutboundAssociations(ctx, source.ID)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, target.ID, out[0].TargetStreamID)

	in, err := repo.ListInboundAssociations(ctx, target.ID)
	require.NoError(t, err)
	require.Len(t, in, 1)
	assert.Equal(t, source.ID, in[0].SourceStreamID)

	require.NoError(t, repo.AdvanceAssociationCursor(ctx, target.ID, source.ID, a.SourceCursor+5))
	require.NoError(t, repo.AdvanceAssociationCursor(ctx, target.ID, source.ID, a.SourceCursor+1))
	out, err = repo.ListOutboundAssociations(ctx, source.ID)
	require.NoError(t, err)
	assert.Equal(t, a.SourceCursor+5, out[0].SourceCursor)

	got, err := repo.GetAssociation(ctx, target.ID, source.ID)
	require.NoError(t, err)
	assert.Equal(t, a.SourceCursor+5, got.SourceCursor)

	_, err = repo.GetAssociation(ctx, source.ID, target.ID)
	assert.ErrorIs(t, err, stream.ErrAssociationNotFound)
	assert.ErrorIs(t, repo.AdvanceAssociationCursor(ctx, source.ID, target.ID, 1), stream.ErrAssociationNotFound)

	all, err := repo.ListAssociations(ctx)
	require.NoError(t, err)
	found := false
	for _, e := range all {
		if e.TargetStreamID == target.ID && e.SourceStreamID == source.ID {
			found = true
		}
	}
	assert.True(t, found)
}

func testSubscribers(t *testing.T, repo stream.Repository) {
	ctx := context.Background()
	s, err := repo.CreateStream(ctx, UniqueName("subs"))
	require.NoError(t, err)
	conn := "conn-" + uuid.NewString()

	sub, err := repo.CreateSubscriber(ctx, stream.Subscriber{
		KeyHash:       []byte("hash"),
		StreamID:      s.ID,
		ConnectionRef: conn,
		CallbackRef:   "onOrders",
	})
	require.NoError(t, err)
	assert.NotEqual(t, uuid.Nil, sub.ID)

	_, err = repo.CreateSubscriber(ctx, stream.Subscriber{StreamID: s.ID + 100000})
	assert.ErrorIs(t, err, stream.ErrStreamNotFound)

	other, err := repo.CreateSubscriber(ctx, stream.Subscriber{StreamID: s.ID, ConnectionRef: conn})
	require.NoError(t, err)

	active, err := repo.ListActiveSubscribers(ctx, s.ID)
	require.NoError(t, err)
	assert.Len(t, active, 2)

	sub.RequestedFromID = 3
	sub.RequestedToID = 9
	sub.CallbackRef = "onOrders2"
	sub.LastDeliveredID = 1000
	require.NoError(t, repo.UpdateSubscriber(ctx, sub))

	got, err := repo.GetSubscriber(ctx, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(3), got.RequestedFromID)
	assert.Equal(t, int64(9), got.RequestedToID)
	assert.Equal(t, "onOrders2", got.CallbackRef)
	assert.Equal(t, []byte("hash"), got.KeyHash)
	assert.Zero(t, got.LastDeliveredID, "UpdateSubscriber must not touch the delivery cursor")

	require.NoError(t, repo.AdvanceSubscriberCursor(ctx, sub.ID, 7))
	require.NoError(t, repo.AdvanceSubscriberCursor(ctx, sub.ID, 5))
	got, err = repo.GetSubscriber(ctx, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(7), got.LastDeliveredID)

	assert.ErrorIs(t, repo.AdvanceSubscriberCursor(ctx, uuid.New(), 1), stream.ErrSubscriberNotFound)
	assert.ErrorIs(t, repo.UpdateSubscriber(ctx, stream.Subscriber{ID: uuid.New()}), stream.ErrSubscriberNotFound)

	require.NoError(t, repo.DeleteSubscriber(ctx, other.ID))
	assert.ErrorIs(t, repo.DeleteSubscriber(ctx, other.ID), stream.ErrSubscriberNotFound)

	n, err := repo.DeleteSubscribersByConnection(ctx, conn)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = repo.GetSubscriber(ctx, sub.ID)
	assert.ErrorIs(t, err, stream.ErrSubscriberNotFound)

	_, err = repo.CreateSubscriber(ctx, stream.Subscriber{StreamID: s.ID, ConnectionRef: conn})
	require.NoError(t, err)
	require.NoError(t, repo.DeleteAllSubscribers(ctx))
	active, err = repo.ListActiveSubscribers(ctx, s.ID)
	require.NoError(t, err)
	assert.Empty(t, active)
}

func testDeleteCascade(t *testing.T, repo stream.Repository) {
	ctx := context.Background()
	s, err := repo.CreateStream(ctx, UniqueName("doomed"))
	require.NoError(t, err)
	other, err := repo.CreateStream(ctx, UniqueName("other"))
	require.NoError(t, err)

	events, err := repo.AppendEvents(ctx, s.ID, Events("x", 2))
	require.NoError(t, err)
	_, _, err = repo.AddAssociation(ctx, other.ID, s.ID)
	require.NoError(t, err)
	sub, err := repo.CreateSubscriber(ctx, stream.Subscriber{StreamID: s.ID, ConnectionRef: "c"})
	require.NoError(t, err)

	require.NoError(t, repo.DeleteStream(ctx, s.ID))
	assert.ErrorIs(t, repo.DeleteStream(ctx, s.ID), stream.ErrStreamNotFound)

	_, err = repo.GetStream(ctx, s.ID)
	assert.ErrorIs(t, err, stream.ErrStreamNotFound)
	_, err = repo.GetEvent(ctx, events[0].PublicID)
	assert.ErrorIs(t, err, stream.ErrEventNotFound)
	_, err = repo.GetSubscriber(ctx, sub.ID)
	assert.ErrorIs(t, err, stream.ErrSubscriberNotFound)

	in, err := repo.ListInboundAssociations(ctx, other.ID)
	require.NoError(t, err)
	assert.Empty(t, in)

	// Name is free again.
	_, err = repo.CreateStream(ctx, s.Name)
	require.NoError(t, err)
}
