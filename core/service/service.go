package service

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/dmitrymomot/eventstream/core/logger"
	"github.com/dmitrymomot/eventstream/core/stream"
)

const (
	// DefaultSearchLimit applies when an event search has no limit.
	DefaultSearchLimit = 50
	// MaxSearchLimit caps any event or stream search.
	MaxSearchLimit = 1000
)

// Store is the repository surface the service needs; Append must notify.
type Store interface {
	stream.Repository
	Append(ctx context.Context, streamID int64, events []stream.Event) ([]stream.Event, error)
}

// Resyncer replays a subscriber's requested window.
type Resyncer interface {
	Resync(ctx context.Context, subscriberID uuid.UUID) error
}

// ResyncFunc adapts a function to Resyncer.
type ResyncFunc func(ctx context.Context, subscriberID uuid.UUID) error

func (f ResyncFunc) Resync(ctx context.Context, subscriberID uuid.UUID) error {
	return f(ctx, subscriberID)
}

// Service implements the producer and subscriber facing operations.
type Service struct {
	store      Store
	resyncer   Resyncer
	bcryptCost int
	logger     *slog.Logger

	// assocMu makes the cycle check and the edge writes one step within
	// this process.
	assocMu sync.Mutex
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithBcryptCost sets the cost used to hash subscriber keys.
func WithBcryptCost(cost int) Option {
	return func(s *Service) {
		if cost >= bcrypt.MinCost && cost <= bcrypt.MaxCost {
			s.bcryptCost = cost
		}
	}
}

// New creates a Service. resyncer may be nil, in which case window updates
// are stored but not replayed.
func New(store Store, resyncer Resyncer, opts ...Option) *Service {
	s := &Service{
		store:      store,
		resyncer:   resyncer,
		bcryptCost: bcrypt.DefaultCost,
		logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Publish appends events to the named stream, creating it on first use.
// Store-assigned fields and provenance in the input are ignored.
func (s *Service) Publish(ctx context.Context, streamName string, events []stream.Event) ([]stream.Event, error) {
	if len(events) == 0 {
		return nil, stream.ErrEmptyBatch
	}

	st, err := s.getOrCreate(ctx, streamName)
	if err != nil {
		return nil, err
	}

	batch := make([]stream.Event, len(events))
	for i, e := range events {
		batch[i] = stream.Event{
			Type:     e.Type,
			Payload:  e.Payload,
			Metadata: e.Metadata,
		}
	}

	committed, err := s.store.Append(ctx, st.ID, batch)
	if err != nil {
		return nil, err
	}

	s.logger.InfoContext(ctx, "events published",
		logger.StreamName(st.Name),
		logger.EventCount(len(committed)))
	return committed, nil
}

// Subscribe registers a subscriber, creating the stream when missing. When
// FromID is positive the requested window is replayed before returning.
func (s *Service) Subscribe(ctx context.Context, req SubscribeRequest) (Subscription, error) {
	if req.FromID < 0 || req.ToID < 0 || (req.ToID > 0 && req.FromID > req.ToID) {
		return Subscription{}, stream.ErrInvalidWindow
	}

	st, err := s.getOrCreate(ctx, req.StreamName)
	if err != nil {
		return Subscription{}, err
	}

	key, hash, err := s.newKey()
	if err != nil {
		return Subscription{}, err
	}

	sub := stream.Subscriber{
		KeyHash:       hash,
		StreamID:      st.ID,
		ConnectionRef: req.ConnectionRef,
		CallbackRef:   req.CallbackRef,
	}
	if req.FromID > 0 {
		sub.RequestedFromID = req.FromID - 1
		sub.RequestedToID = req.ToID
	}

	sub, err = s.store.CreateSubscriber(ctx, sub)
	if err != nil {
		return Subscription{}, err
	}

	s.logger.InfoContext(ctx, "subscriber registered",
		logger.StreamName(st.Name),
		logger.SubscriberID(sub.ID),
		logger.ConnectionRef(sub.ConnectionRef))

	if req.FromID > 0 && s.resyncer != nil {
		if err := s.resyncer.Resync(ctx, sub.ID); err != nil {
			// The subscription stands; the client can retry through UpdateWindow.
			s.logger.WarnContext(ctx, "initial resync failed",
				logger.SubscriberID(sub.ID),
				logger.Error(err))
		}
	}

	return Subscription{
		SubscriberID: sub.ID,
		Key:          key,
		StreamID:     st.ExternalID,
		StreamName:   st.Name,
	}, nil
}

// Unsubscribe removes a subscriber after verifying its key.
func (s *Service) Unsubscribe(ctx context.Context, subscriberID uuid.UUID, key string) error {
	sub, err := s.authorize(ctx, subscriberID, key)
	if err != nil {
		return err
	}
	if err := s.store.DeleteSubscriber(ctx, sub.ID); err != nil {
		return err
	}

	s.logger.InfoContext(ctx, "subscriber removed", logger.SubscriberID(sub.ID))
	return nil
}

// UpdateWindow stores a new requested window for the subscriber and replays it.
// from is inclusive; to is inclusive with zero meaning the stream head.
func (s *Service) UpdateWindow(ctx context.Context, subscriberID uuid.UUID, key string, from, to int64) error {
	if from < 0 || to < 0 || (to > 0 && from > to) {
		return stream.ErrInvalidWindow
	}

	sub, err := s.authorize(ctx, subscriberID, key)
	if err != nil {
		return err
	}

	sub.RequestedFromID = max(from-1, 0)
	sub.RequestedToID = to
	if err := s.store.UpdateSubscriber(ctx, sub); err != nil {
		return err
	}

	if s.resyncer == nil {
		return nil
	}
	return s.resyncer.Resync(ctx, sub.ID)
}

// Associate creates the edges target <- source for every source. Existing
// edges are left as they are. Self associations and edges that would close a
// replication cycle are rejected before any edge is written.
func (s *Service) Associate(ctx context.Context, req AssociateRequest) (AssociateResult, error) {
	if len(req.Sources) == 0 {
		return AssociateResult{}, fmt.Errorf("%w: no source streams", stream.ErrStreamNotFound)
	}

	sources := make([]stream.Stream, 0, len(req.Sources))
	for _, ref := range req.Sources {
		src, err := s.resolve(ctx, ref)
		if err != nil {
			return AssociateResult{}, fmt.Errorf("source stream %s: %w", ref, err)
		}
		sources = append(sources, src)
	}

	var target stream.Stream
	var err error
	if req.CreateTarget && req.Target.ExternalID == uuid.Nil {
		target, err = s.getOrCreate(ctx, req.Target.Name)
	} else {
		target, err = s.resolve(ctx, req.Target)
	}
	if err != nil {
		return AssociateResult{}, fmt.Errorf("target stream %s: %w", req.Target, err)
	}

	s.assocMu.Lock()
	defer s.assocMu.Unlock()

	for _, src := range sources {
		if src.ID == target.ID {
			return AssociateResult{}, stream.ErrSelfAssociation
		}
		cyclic, err := s.reaches(ctx, target.ID, src.ID)
		if err != nil {
			return AssociateResult{}, err
		}
		if cyclic {
			return AssociateResult{}, fmt.Errorf("%w: %s already receives events from %s", stream.ErrAssociationCycle, src.Name, target.Name)
		}
	}

	res := AssociateResult{Target: target}
	for _, src := range sources {
		a, created, err := s.store.AddAssociation(ctx, target.ID, src.ID)
		if err != nil {
			return res, err
		}
		if created {
			res.Created = append(res.Created, a)
		} else {
			res.Existed = append(res.Existed, a)
		}
	}

	s.logger.InfoContext(ctx, "streams associated",
		logger.StreamName(target.Name),
		logger.Count("created", len(res.Created)),
		logger.Count("existing", len(res.Existed)))
	return res, nil
}

// reaches reports whether events of from already flow, directly or
// transitively, into to.
func (s *Service) reaches(ctx context.Context, from, to int64) (bool, error) {
	seen := map[int64]bool{from: true}
	queue := []int64{from}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]

		edges, err := s.store.ListOutboundAssociations(ctx, cur)
		if err != nil {
			return false, err
		}
		for _, e := range edges {
			if e.TargetStreamID == to {
				return true, nil
			}
			if !seen[e.TargetStreamID] {
				seen[e.TargetStreamID] = true
				queue = append(queue, e.TargetStreamID)
			}
		}
	}
	return false, nil
}

// GetStream resolves a stream reference.
func (s *Service) GetStream(ctx context.Context, ref StreamRef) (stream.Stream, error) {
	return s.resolve(ctx, ref)
}

// StreamByID returns a stream by its internal id.
func (s *Service) StreamByID(ctx context.Context, id int64) (stream.Stream, error) {
	return s.store.GetStream(ctx, id)
}

// SearchStreams lists streams matching q.
func (s *Service) SearchStreams(ctx context.Context, q stream.StreamQuery) ([]stream.Stream, error) {
	if q.Limit <= 0 || q.Limit > MaxSearchLimit {
		q.Limit = MaxSearchLimit
	}
	return s.store.ListStreams(ctx, q)
}

// RenameStream changes a stream's name.
func (s *Service) RenameStream(ctx context.Context, ref StreamRef, name string) (stream.Stream, error) {
	st, err := s.resolve(ctx, ref)
	if err != nil {
		return stream.Stream{}, err
	}
	name, err = stream.NormalizeName(name)
	if err != nil {
		return stream.Stream{}, err
	}
	st.Name = name
	if err := s.store.UpdateStream(ctx, st); err != nil {
		return stream.Stream{}, err
	}
	return st, nil
}

// DeleteStream removes the stream with its events, associations and subscribers.
func (s *Service) DeleteStream(ctx context.Context, ref StreamRef) error {
	st, err := s.resolve(ctx, ref)
	if err != nil {
		return err
	}
	if err := s.store.DeleteStream(ctx, st.ID); err != nil {
		return err
	}
	s.logger.InfoContext(ctx, "stream deleted", logger.StreamName(st.Name))
	return nil
}

// GetEvent returns one event of the referenced stream.
func (s *Service) GetEvent(ctx context.Context, ref StreamRef, publicID uuid.UUID) (stream.Event, error) {
	st, err := s.resolve(ctx, ref)
	if err != nil {
		return stream.Event{}, err
	}
	e, err := s.store.GetEvent(ctx, publicID)
	if err != nil {
		return stream.Event{}, err
	}
	if e.StreamID != st.ID {
		return stream.Event{}, stream.ErrEventNotFound
	}
	return e, nil
}

// SearchEvents lists events of the referenced stream. The limit defaults to
// DefaultSearchLimit and is capped at MaxSearchLimit.
func (s *Service) SearchEvents(ctx context.Context, ref StreamRef, q stream.EventQuery) ([]stream.Event, error) {
	st, err := s.resolve(ctx, ref)
	if err != nil {
		return nil, err
	}
	q.StreamID = st.ID
	switch {
	case q.Limit <= 0:
		q.Limit = DefaultSearchLimit
	case q.Limit > MaxSearchLimit:
		q.Limit = MaxSearchLimit
	}
	return s.store.ListEvents(ctx, q)
}

// ListAssociations returns the inbound (sources of ref) and outbound (targets of ref) edges.
func (s *Service) ListAssociations(ctx context.Context, ref StreamRef) (inbound, outbound []stream.Association, err error) {
	st, err := s.resolve(ctx, ref)
	if err != nil {
		return nil, nil, err
	}
	if inbound, err = s.store.ListInboundAssociations(ctx, st.ID); err != nil {
		return nil, nil, err
	}
	if outbound, err = s.store.ListOutboundAssociations(ctx, st.ID); err != nil {
		return nil, nil, err
	}
	return inbound, outbound, nil
}

// GetSubscriber returns a subscriber by id.
func (s *Service) GetSubscriber(ctx context.Context, id uuid.UUID) (stream.Subscriber, error) {
	return s.store.GetSubscriber(ctx, id)
}

// Disconnect removes every subscriber bound to a transport connection.
func (s *Service) Disconnect(ctx context.Context, connectionRef string) (int, error) {
	n, err := s.store.DeleteSubscribersByConnection(ctx, connectionRef)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.logger.InfoContext(ctx, "connection subscribers removed",
			logger.ConnectionRef(connectionRef),
			logger.Count("subscribers", n))
	}
	return n, nil
}

// ClearSubscribers removes every subscriber. Called at startup: connections
// from a previous process are gone.
func (s *Service) ClearSubscribers(ctx context.Context) error {
	return s.store.DeleteAllSubscribers(ctx)
}

func (s *Service) resolve(ctx context.Context, ref StreamRef) (stream.Stream, error) {
	switch {
	case ref.ExternalID != uuid.Nil:
		return s.store.GetStreamByExternalID(ctx, ref.ExternalID)
	case ref.Name != "":
		return s.store.GetStreamByName(ctx, ref.Name)
	default:
		return stream.Stream{}, stream.ErrStreamNotFound
	}
}

func (s *Service) getOrCreate(ctx context.Context, name string) (stream.Stream, error) {
	name, err := stream.NormalizeName(name)
	if err != nil {
		return stream.Stream{}, err
	}

	st, err := s.store.GetStreamByName(ctx, name)
	if err == nil {
		return st, nil
	}
	if !errors.Is(err, stream.ErrStreamNotFound) {
		return stream.Stream{}, err
	}

	st, err = s.store.CreateStream(ctx, name)
	if errors.Is(err, stream.ErrStreamExists) {
		// Lost a creation race.
		return s.store.GetStreamByName(ctx, name)
	}
	if err == nil {
		s.logger.InfoContext(ctx, "stream created", logger.StreamName(st.Name))
	}
	return st, err
}

func (s *Service) authorize(ctx context.Context, subscriberID uuid.UUID, key string) (stream.Subscriber, error) {
	sub, err := s.store.GetSubscriber(ctx, subscriberID)
	if err != nil {
		return stream.Subscriber{}, err
	}
	if bcrypt.CompareHashAndPassword(sub.KeyHash, []byte(key)) != nil {
		return stream.Subscriber{}, stream.ErrInvalidSubscriberKey
	}
	return sub, nil
}

func (s *Service) newKey() (string, []byte, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", nil, fmt.Errorf("generate subscriber key: %w", err)
	}
	key := base64.RawURLEncoding.EncodeToString(b)
	hash, err := bcrypt.GenerateFromPassword([]byte(key), s.bcryptCost)
	if err != nil {
		return "", nil, fmt.Errorf("hash subscriber key: %w", err)
	}
	return key, hash, nil
}
