package stream

import (
	"context"
	"io"
	"log/slog"

	"github.com/dmitrymomot/eventstream/core/logger"
)

// Publisher receives every committed batch. Implementations must not block the caller.
type Publisher interface {
	Publish(ctx context.Context, streamID int64, batch []Event)
}

// Store is a Repository whose appends notify a Publisher after commit.
// It is what producers and the association processor write through.
type Store struct {
	Repository
	publisher Publisher
	logger    *slog.Logger
}

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithStoreLogger sets the logger.
func WithStoreLogger(l *slog.Logger) StoreOption {
	return func(s *Store) {
		if l != nil {
			s.logger = l
		}
	}
}

// NewStore wraps repo. A nil publisher disables notifications.
func NewStore(repo Repository, publisher Publisher, opts ...StoreOption) *Store {
	s := &Store{
		Repository: repo,
		publisher:  publisher,
		logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Append commits events to the stream and publishes exactly one notification
// carrying the committed batch. The notification is sent only after the
// repository has returned, so handlers can read the events back.
func (s *Store) Append(ctx context.Context, streamID int64, events []Event) ([]Event, error) {
	if len(events) == 0 {
		return nil, ErrEmptyBatch
	}
	for _, e := range events {
		if e.Type == "" {
			return nil, ErrInvalidEventType
		}
	}

	committed, err := s.Repository.AppendEvents(ctx, streamID, events)
	if err != nil {
		return nil, err
	}

	s.logger.DebugContext(ctx, "events committed",
		logger.StreamID(streamID),
		logger.EventCount(len(committed)),
		logger.Cursor("max_order_id", Max(committed)),
	)

	if s.publisher != nil {
		s.publisher.Publish(ctx, streamID, committed)
	}
	return committed, nil
}

// AppendEvents shadows the embedded repository method so that every append
// through a Store is notified.
func (s *Store) AppendEvents(ctx context.Context, streamID int64, events []Event) ([]Event, error) {
	return s.Append(ctx, streamID, events)
}

// Close closes the underlying repository if it holds resources.
func (s *Store) Close() error {
	if c, ok := s.Repository.(Closer); ok {
		return c.Close()
	}
	return nil
}
