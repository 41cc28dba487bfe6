package stream

import (
	"cmp"
	"context"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

type edgeKey struct {
	target, source int64
}

// MemoryRepository implements Repository in process memory.
// It is used by tests and single-node development deployments.
type MemoryRepository struct {
	mu sync.RWMutex

	nextStreamID int64
	nextOrderID  int64

	streams     map[int64]*Stream
	byName      map[string]int64
	events      map[int64][]Event // stream id -> events ordered by OrderID
	byPublicID  map[uuid.UUID]Event
	edges       map[edgeKey]*Association
	subscribers map[uuid.UUID]*Subscriber

	now func() time.Time
}

var _ Repository = (*MemoryRepository)(nil)

// NewMemoryRepository returns an empty repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		streams:     make(map[int64]*Stream),
		byName:      make(map[string]int64),
		events:      make(map[int64][]Event),
		byPublicID:  make(map[uuid.UUID]Event),
		edges:       make(map[edgeKey]*Association),
		subscribers: make(map[uuid.UUID]*Subscriber),
		now:         func() time.Time { return time.Now().UTC() },
	}
}

func (m *MemoryRepository) CreateStream(_ context.Context, name string) (Stream, error) {
	name, err := NormalizeName(name)
	if err != nil {
		return Stream{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	key := NameKey(name)
	if _, ok := m.byName[key]; ok {
		return Stream{}, ErrStreamExists
	}

	m.nextStreamID++
	s := &Stream{
		ID:         m.nextStreamID,
		ExternalID: uuid.New(),
		Name:       name,
		CreatedAt:  m.now(),
	}
	m.streams[s.ID] = s
	m.byName[key] = s.ID
	return *s, nil
}

func (m *MemoryRepository) GetStream(_ context.Context, id int64) (Stream, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.streams[id]
	if !ok {
		return Stream{}, ErrStreamNotFound
	}
	return *s, nil
}

func (m *MemoryRepository) GetStreamByExternalID(_ context.Context, id uuid.UUID) (Stream, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, s := range m.streams {
		if s.ExternalID == id {
			return *s, nil
		}
	}
	return Stream{}, ErrStreamNotFound
}

func (m *MemoryRepository) GetStreamByName(_ context.Context, name string) (Stream, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.byName[NameKey(name)]
	if !ok {
		return Stream{}, ErrStreamNotFound
	}
	return *m.streams[id], nil
}

func (m *MemoryRepository) ListStreams(_ context.Context, q StreamQuery) ([]Stream, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	fragment := NameKey(q.Name)
	out := make([]Stream, 0, len(m.streams))
	for _, s := range m.streams {
		if fragment != "" && !strings.Contains(NameKey(s.Name), fragment) {
			continue
		}
		if q.ExternalID != uuid.Nil && s.ExternalID != q.ExternalID {
			continue
		}
		if !q.CreatedFrom.IsZero() && s.CreatedAt.Before(q.CreatedFrom) {
			continue
		}
		if !q.CreatedTo.IsZero() && s.CreatedAt.After(q.CreatedTo) {
			continue
		}
		out = append(out, *s)
	}
	slices.SortFunc(out, func(a, b Stream) int { return cmp.Compare(a.ID, b.ID) })
	return page(out, q.Offset, q.Limit), nil
}

func (m *MemoryRepository) UpdateStream(_ context.Context, s Stream) error {
	name, err := NormalizeName(s.Name)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.streams[s.ID]
	if !ok {
		return ErrStreamNotFound
	}
	oldKey, newKey := NameKey(cur.Name), NameKey(name)
	if oldKey != newKey {
		if _, taken := m.byName[newKey]; taken {
			return ErrStreamExists
		}
		delete(m.byName, oldKey)
		m.byName[newKey] = cur.ID
	}
	cur.Name = name
	return nil
}

func (m *MemoryRepository) DeleteStream(_ context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.streams[id]
	if !ok {
		return ErrStreamNotFound
	}
	for _, e := range m.events[id] {
		delete(m.byPublicID, e.PublicID)
	}
	delete(m.events, id)
	for k := range m.edges {
		if k.target == id || k.source == id {
			delete(m.edges, k)
		}
	}
	for sid, sub := range m.subscribers {
		if sub.StreamID == id {
			delete(m.subscribers, sid)
		}
	}
	delete(m.byName, NameKey(s.Name))
	delete(m.streams, id)
	return nil
}

func (m *MemoryRepository) AdvanceMergeCursor(_ context.Context, streamID, cursor int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.streams[streamID]
	if !ok {
		return ErrStreamNotFound
	}
	s.MergeCursor = max(s.MergeCursor, cursor)
	return nil
}

func (m *MemoryRepository) AppendEvents(_ context.Context, streamID int64, events []Event) ([]Event, error) {
	if len(events) == 0 {
		return nil, ErrEmptyBatch
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.streams[streamID]; !ok {
		return nil, ErrStreamNotFound
	}

	now := m.now()
	committed := make([]Event, len(events))
	for i, e := range events {
		m.nextOrderID++
		e.OrderID = m.nextOrderID
		e.StreamID = streamID
		if e.PublicID == uuid.Nil {
			e.PublicID = uuid.New()
		}
		if e.CreatedAt.IsZero() {
			e.CreatedAt = now
		}
		e.Payload = cloneBytes(e.Payload)
		e.Metadata = cloneBytes(e.Metadata)
		committed[i] = e
	}

	m.events[streamID] = append(m.events[streamID], committed...)
	for _, e := range committed {
		m.byPublicID[e.PublicID] = e
	}
	return slices.Clone(committed), nil
}

func (m *MemoryRepository) ListEvents(_ context.Context, q EventQuery) ([]Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []Event
	collect := func(events []Event) {
		for _, e := range events {
			if q.Matches(e) {
				out = append(out, e)
			}
		}
	}
	if q.StreamID != 0 {
		collect(m.events[q.StreamID])
	} else {
		for _, events := range m.events {
			collect(events)
		}
		slices.SortFunc(out, func(a, b Event) int { return cmp.Compare(a.OrderID, b.OrderID) })
	}
	return page(out, 0, q.Limit), nil
}

func (m *MemoryRepository) GetEvent(_ context.Context, publicID uuid.UUID) (Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.byPublicID[publicID]
	if !ok {
		return Event{}, ErrEventNotFound
	}
	return e, nil
}

func (m *MemoryRepository) AddAssociation(_ context.Context, targetID, sourceID int64) (Association, bool, error) {
	if targetID == sourceID {
		return Association{}, false, ErrSelfAssociation
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.streams[targetID]; !ok {
		return Association{}, false, ErrStreamNotFound
	}
	if _, ok := m.streams[sourceID]; !ok {
		return Association{}, false, ErrStreamNotFound
	}

	k := edgeKey{target: targetID, source: sourceID}
	if a, ok := m.edges[k]; ok {
		return *a, false, nil
	}

	a := &Association{
		TargetStreamID: targetID,
		SourceStreamID: sourceID,
		SourceCursor:   Max(m.events[sourceID]),
		CreatedAt:      m.now(),
	}
	m.edges[k] = a
	return *a, true, nil
}

func (m *MemoryRepository) GetAssociation(_ context.Context, targetID, sourceID int64) (Association, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	a, ok := m.edges[edgeKey{target: targetID, source: sourceID}]
	if !ok {
		return Association{}, ErrAssociationNotFound
	}
	return *a, nil
}

func (m *MemoryRepository) ListOutboundAssociations(_ context.Context, sourceID int64) ([]Association, error) {
	return m.filterEdges(func(k edgeKey) bool { return k.source == sourceID }), nil
}

func (m *MemoryRepository) ListInboundAssociations(_ context.Context, targetID int64) ([]Association, error) {
	return m.filterEdges(func(k edgeKey) bool { return k.target == targetID }), nil
}

func (m *MemoryRepository) ListAssociations(_ context.Context) ([]Association, error) {
	return m.filterEdges(func(edgeKey) bool { return true }), nil
}

func (m *MemoryRepository) filterEdges(keep func(edgeKey) bool) []Association {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []Association
	for k, a := range m.edges {
		if keep(k) {
			out = append(out, *a)
		}
	}
	slices.SortFunc(out, func(a, b Association) int {
		if c := cmp.Compare(a.TargetStreamID, b.TargetStreamID); c != 0 {
			return c
		}
		return cmp.Compare(a.SourceStreamID, b.SourceStreamID)
	})
	return out
}

func (m *MemoryRepository) AdvanceAssociationCursor(_ context.Context, targetID, sourceID, cursor int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.edges[edgeKey{target: targetID, source: sourceID}]
	if !ok {
		return ErrAssociationNotFound
	}
	a.SourceCursor = max(a.SourceCursor, cursor)
	return nil
}

func (m *MemoryRepository) CreateSubscriber(_ context.Context, sub Subscriber) (Subscriber, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.streams[sub.StreamID]; !ok {
		return Subscriber{}, ErrStreamNotFound
	}
	if sub.ID == uuid.Nil {
		sub.ID = uuid.New()
	}
	if sub.CreatedAt.IsZero() {
		sub.CreatedAt = m.now()
	}
	sub.KeyHash = cloneBytes(sub.KeyHash)
	stored := sub
	m.subscribers[sub.ID] = &stored
	return sub, nil
}

func (m *MemoryRepository) GetSubscriber(_ context.Context, id uuid.UUID) (Subscriber, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	sub, ok := m.subscribers[id]
	if !ok {
		return Subscriber{}, ErrSubscriberNotFound
	}
	return *sub, nil
}

func (m *MemoryRepository) ListActiveSubscribers(_ context.Context, streamID int64) ([]Subscriber, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []Subscriber
	for _, sub := range m.subscribers {
		if sub.StreamID == streamID {
			out = append(out, *sub)
		}
	}
	slices.SortFunc(out, func(a, b Subscriber) int { return a.CreatedAt.Compare(b.CreatedAt) })
	return out, nil
}

func (m *MemoryRepository) UpdateSubscriber(_ context.Context, sub Subscriber) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.subscribers[sub.ID]
	if !ok {
		return ErrSubscriberNotFound
	}
	cur.ConnectionRef = sub.ConnectionRef
	cur.CallbackRef = sub.CallbackRef
	cur.RequestedFromID = sub.RequestedFromID
	cur.RequestedToID = sub.RequestedToID
	return nil
}

func (m *MemoryRepository) AdvanceSubscriberCursor(_ context.Context, id uuid.UUID, cursor int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	sub, ok := m.subscribers[id]
	if !ok {
		return ErrSubscriberNotFound
	}
	sub.LastDeliveredID = max(sub.LastDeliveredID, cursor)
	return nil
}

func (m *MemoryRepository) DeleteSubscriber(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.subscribers[id]; !ok {
		return ErrSubscriberNotFound
	}
	delete(m.subscribers, id)
	return nil
}

func (m *MemoryRepository) DeleteSubscribersByConnection(_ context.Context, connectionRef string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for id, sub := range m.subscribers {
		if sub.ConnectionRef == connectionRef {
			delete(m.subscribers, id)
			n++
		}
	}
	return n, nil
}

func (m *MemoryRepository) DeleteAllSubscribers(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	clear(m.subscribers)
	return nil
}

func page[T any](items []T, offset, limit int) []T {
	if offset > 0 {
		if offset >= len(items) {
			return nil
		}
		items = items[offset:]
	}
	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	return items
}
