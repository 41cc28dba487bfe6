// Package sqlite implements stream.Repository on SQLite.
//
// Writes run in IMMEDIATE transactions (see integration/database/sqlite), which
// serializes appends on the database lock, so order ids are assigned in commit
// order. Cursor updates use MAX() and never move a cursor backwards.
package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pressly/goose/v3"

	"github.com/dmitrymomot/eventstream/core/logger"
	"github.com/dmitrymomot/eventstream/core/stream"
	sqlitedb "github.com/dmitrymomot/eventstream/integration/database/sqlite"
)

//go:embed migrations/*.sql
var migrations embed.FS

// Repository is a SQLite backed stream.Repository.
type Repository struct {
	db  *sql.DB
	log *slog.Logger
}

var _ stream.Repository = (*Repository)(nil)

// Option configures a Repository.
type Option func(*Repository)

// WithLogger sets the logger used for migration output.
func WithLogger(log *slog.Logger) Option {
	return func(r *Repository) {
		if log != nil {
			r.log = log
		}
	}
}

// New applies pending migrations to db and returns the repository.
func New(ctx context.Context, db *sql.DB, opts ...Option) (*Repository, error) {
	r := &Repository{db: db, log: logger.Discard()}
	for _, opt := range opts {
		opt(r)
	}
	if err := r.migrate(ctx); err != nil {
		return nil, err
	}
	return r, nil
}

// Close closes the underlying database.
func (r *Repository) Close() error {
	return r.db.Close()
}

func (r *Repository) migrate(ctx context.Context) error {
	fsys, err := fs.Sub(migrations, "migrations")
	if err != nil {
		return err
	}
	provider, err := goose.NewProvider(goose.DialectSQLite3, r.db, fsys)
	if err != nil {
		return fmt.Errorf("sqlite migrations: %w", err)
	}
	results, err := provider.Up(ctx)
	if err != nil {
		return fmt.Errorf("sqlite migrations: %w", err)
	}
	for _, res := range results {
		r.log.InfoContext(ctx, "migration applied",
			logger.Key("version", res.Source.Version),
			logger.Duration(res.Duration),
		)
	}
	return nil
}

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// tx runs fn in a write transaction, retrying on lock contention.
func (r *Repository) tx(ctx context.Context, fn func(q querier) error) error {
	return sqlitedb.Retry(ctx, func(ctx context.Context) error {
		tx, err := r.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback() }()

		if err := fn(tx); err != nil {
			return err
		}
		return tx.Commit()
	})
}

// exec runs a single write statement and returns the affected row count.
func (r *Repository) exec(ctx context.Context, query string, args ...any) (int64, error) {
	var n int64
	err := sqlitedb.Retry(ctx, func(ctx context.Context) error {
		res, err := r.db.ExecContext(ctx, query, args...)
		if err != nil {
			return err
		}
		n, err = res.RowsAffected()
		return err
	})
	return n, err
}

func now() int64 { return time.Now().UTC().UnixNano() }

func fromNanos(n int64) time.Time { return time.Unix(0, n).UTC() }

func nanos(t time.Time) int64 { return t.UTC().UnixNano() }

// Streams

const streamColumns = `id, external_id, name, merge_cursor, created_at`

func scanStream(row interface{ Scan(...any) error }) (stream.Stream, error) {
	var (
		s       stream.Stream
		created int64
	)
	if err := row.Scan(&s.ID, &s.ExternalID, &s.Name, &s.MergeCursor, &created); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return stream.Stream{}, stream.ErrStreamNotFound
		}
		return stream.Stream{}, err
	}
	s.CreatedAt = fromNanos(created)
	return s, nil
}

func (r *Repository) CreateStream(ctx context.Context, name string) (stream.Stream, error) {
	name, err := stream.NormalizeName(name)
	if err != nil {
		return stream.Stream{}, err
	}

	s := stream.Stream{ExternalID: uuid.New(), Name: name}
	created := now()
	err = r.tx(ctx, func(q querier) error {
		res, err := q.ExecContext(ctx,
			`INSERT INTO streams (external_id, name, name_key, created_at) VALUES (?, ?, ?, ?)`,
			s.ExternalID, name, stream.NameKey(name), created,
		)
		if err != nil {
			return err
		}
		s.ID, err = res.LastInsertId()
		return err
	})
	if sqlitedb.IsUniqueViolation(err) {
		return stream.Stream{}, stream.ErrStreamExists
	}
	if err != nil {
		return stream.Stream{}, err
	}
	s.CreatedAt = fromNanos(created)
	return s, nil
}

func (r *Repository) GetStream(ctx context.Context, id int64) (stream.Stream, error) {
	return scanStream(r.db.QueryRowContext(ctx, `SELECT `+streamColumns+` FROM streams WHERE id = ?`, id))
}

func (r *Repository) GetStreamByExternalID(ctx context.Context, id uuid.UUID) (stream.Stream, error) {
	return scanStream(r.db.QueryRowContext(ctx, `SELECT `+streamColumns+` FROM streams WHERE external_id = ?`, id))
}

func (r *Repository) GetStreamByName(ctx context.Context, name string) (stream.Stream, error) {
	return scanStream(r.db.QueryRowContext(ctx, `SELECT `+streamColumns+` FROM streams WHERE name_key = ?`, stream.NameKey(name)))
}

func (r *Repository) ListStreams(ctx context.Context, q stream.StreamQuery) ([]stream.Stream, error) {
	var (
		where []string
		args  []any
	)
	if fragment := stream.NameKey(q.Name); fragment != "" {
		where = append(where, "instr(name_key, ?) > 0")
		args = append(args, fragment)
	}
	if q.ExternalID != uuid.Nil {
		where = append(where, "external_id = ?")
		args = append(args, q.ExternalID)
	}
	if !q.CreatedFrom.IsZero() {
		where = append(where, "created_at >= ?")
		args = append(args, nanos(q.CreatedFrom))
	}
	if !q.CreatedTo.IsZero() {
		where = append(where, "created_at <= ?")
		args = append(args, nanos(q.CreatedTo))
	}

	query := `SELECT ` + streamColumns + ` FROM streams` + whereClause(where) + ` ORDER BY id` + limitClause(q.Limit, q.Offset)
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []stream.Stream
	for rows.Next() {
		s, err := scanStream(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (r *Repository) UpdateStream(ctx context.Context, s stream.Stream) error {
	name, err := stream.NormalizeName(s.Name)
	if err != nil {
		return err
	}
	n, err := r.exec(ctx, `UPDATE streams SET name = ?, name_key = ? WHERE id = ?`, name, stream.NameKey(name), s.ID)
	if sqlitedb.IsUniqueViolation(err) {
		return stream.ErrStreamExists
	}
	if err != nil {
		return err
	}
	if n == 0 {
		return stream.ErrStreamNotFound
	}
	return nil
}

// DeleteStream relies on ON DELETE CASCADE for events, edges and subscribers.
func (r *Repository) DeleteStream(ctx context.Context, id int64) error {
	n, err := r.exec(ctx, `DELETE FROM streams WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if n == 0 {
		return stream.ErrStreamNotFound
	}
	return nil
}

func (r *Repository) AdvanceMergeCursor(ctx context.Context, streamID, cursor int64) error {
	n, err := r.exec(ctx, `UPDATE streams SET merge_cursor = MAX(merge_cursor, ?) WHERE id = ?`, cursor, streamID)
	if err != nil {
		return err
	}
	if n == 0 {
		return stream.ErrStreamNotFound
	}
	return nil
}

// Events

const eventColumns = `order_id, public_id, stream_id, type, payload, metadata, originating_event_id, created_at`

func scanEvent(row interface{ Scan(...any) error }) (stream.Event, error) {
	var (
		e       stream.Event
		created int64
	)
	err := row.Scan(&e.OrderID, &e.PublicID, &e.StreamID, &e.Type, &e.Payload, &e.Metadata, &e.OriginatingEventID, &created)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return stream.Event{}, stream.ErrEventNotFound
		}
		return stream.Event{}, err
	}
	e.CreatedAt = fromNanos(created)
	return e, nil
}

func (r *Repository) AppendEvents(ctx context.Context, streamID int64, events []stream.Event) ([]stream.Event, error) {
	if len(events) == 0 {
		return nil, stream.ErrEmptyBatch
	}

	var committed []stream.Event
	err := r.tx(ctx, func(q querier) error {
		if err := streamExists(ctx, q, streamID); err != nil {
			return err
		}

		committed = make([]stream.Event, len(events))
		created := now()
		for i, e := range events {
			e.StreamID = streamID
			if e.PublicID == uuid.Nil {
				e.PublicID = uuid.New()
			}
			if e.CreatedAt.IsZero() {
				e.CreatedAt = fromNanos(created)
			}
			res, err := q.ExecContext(ctx,
				`INSERT INTO events (public_id, stream_id, type, payload, metadata, originating_event_id, created_at)
				 VALUES (?, ?, ?, ?, ?, ?, ?)`,
				e.PublicID, streamID, e.Type, e.Payload, e.Metadata, e.OriginatingEventID, nanos(e.CreatedAt),
			)
			if err != nil {
				return err
			}
			if e.OrderID, err = res.LastInsertId(); err != nil {
				return err
			}
			committed[i] = e
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return committed, nil
}

func (r *Repository) ListEvents(ctx context.Context, q stream.EventQuery) ([]stream.Event, error) {
	where := []string{"order_id > ?"}
	args := []any{q.AfterID}
	if q.StreamID != 0 {
		where = append(where, "stream_id = ?")
		args = append(args, q.StreamID)
	}
	if q.ToID > 0 {
		where = append(where, "order_id <= ?")
		args = append(args, q.ToID)
	}
	if q.Type != "" {
		where = append(where, "type = ?")
		args = append(args, q.Type)
	}
	if !q.CreatedFrom.IsZero() {
		where = append(where, "created_at >= ?")
		args = append(args, nanos(q.CreatedFrom))
	}
	if !q.CreatedTo.IsZero() {
		where = append(where, "created_at <= ?")
		args = append(args, nanos(q.CreatedTo))
	}

	query := `SELECT ` + eventColumns + ` FROM events` + whereClause(where) + ` ORDER BY order_id` + limitClause(q.Limit, 0)
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []stream.Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (r *Repository) GetEvent(ctx context.Context, publicID uuid.UUID) (stream.Event, error) {
	return scanEvent(r.db.QueryRowContext(ctx, `SELECT `+eventColumns+` FROM events WHERE public_id = ?`, publicID))
}

// Associations

const associationColumns = `target_stream_id, source_stream_id, source_cursor, created_at`

func scanAssociation(row interface{ Scan(...any) error }) (stream.Association, error) {
	var (
		a       stream.Association
		created int64
	)
	if err := row.Scan(&a.TargetStreamID, &a.SourceStreamID, &a.SourceCursor, &created); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return stream.Association{}, stream.ErrAssociationNotFound
		}
		return stream.Association{}, err
	}
	a.CreatedAt = fromNanos(created)
	return a, nil
}

func (r *Repository) AddAssociation(ctx context.Context, targetID, sourceID int64) (stream.Association, bool, error) {
	if targetID == sourceID {
		return stream.Association{}, false, stream.ErrSelfAssociation
	}

	var (
		a       stream.Association
		created bool
	)
	err := r.tx(ctx, func(q querier) error {
		created = false
		if err := streamExists(ctx, q, targetID); err != nil {
			return err
		}
		if err := streamExists(ctx, q, sourceID); err != nil {
			return err
		}

		var err error
		a, err = scanAssociation(q.QueryRowContext(ctx,
			`SELECT `+associationColumns+` FROM associations WHERE target_stream_id = ? AND source_stream_id = ?`,
			targetID, sourceID,
		))
		if err == nil {
			return nil
		}
		if !errors.Is(err, stream.ErrAssociationNotFound) {
			return err
		}

		var head int64
		if err := q.QueryRowContext(ctx,
			`SELECT COALESCE(MAX(order_id), 0) FROM events WHERE stream_id = ?`, sourceID,
		).Scan(&head); err != nil {
			return err
		}
		a = stream.Association{
			TargetStreamID: targetID,
			SourceStreamID: sourceID,
			SourceCursor:   head,
			CreatedAt:      fromNanos(now()),
		}
		if _, err := q.ExecContext(ctx,
			`INSERT INTO associations (`+associationColumns+`) VALUES (?, ?, ?, ?)`,
			targetID, sourceID, head, nanos(a.CreatedAt),
		); err != nil {
			return err
		}
		created = true
		return nil
	})
	if err != nil {
		return stream.Association{}, false, err
	}
	return a, created, nil
}

func (r *Repository) GetAssociation(ctx context.Context, targetID, sourceID int64) (stream.Association, error) {
	return scanAssociation(r.db.QueryRowContext(ctx,
		`SELECT `+associationColumns+` FROM associations WHERE target_stream_id = ? AND source_stream_id = ?`,
		targetID, sourceID,
	))
}

func (r *Repository) ListOutboundAssociations(ctx context.Context, sourceID int64) ([]stream.Association, error) {
	return r.listAssociations(ctx, ` WHERE source_stream_id = ?`, sourceID)
}

func (r *Repository) ListInboundAssociations(ctx context.Context, targetID int64) ([]stream.Association, error) {
	return r.listAssociations(ctx, ` WHERE target_stream_id = ?`, targetID)
}

func (r *Repository) ListAssociations(ctx context.Context) ([]stream.Association, error) {
	return r.listAssociations(ctx, ``)
}

func (r *Repository) listAssociations(ctx context.Context, where string, args ...any) ([]stream.Association, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+associationColumns+` FROM associations`+where+` ORDER BY target_stream_id, source_stream_id`,
		args...,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []stream.Association
	for rows.Next() {
		a, err := scanAssociation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (r *Repository) AdvanceAssociationCursor(ctx context.Context, targetID, sourceID, cursor int64) error {
	n, err := r.exec(ctx,
		`UPDATE associations SET source_cursor = MAX(source_cursor, ?) WHERE target_stream_id = ? AND source_stream_id = ?`,
		cursor, targetID, sourceID,
	)
	if err != nil {
		return err
	}
	if n == 0 {
		return stream.ErrAssociationNotFound
	}
	return nil
}

// Subscribers

const subscriberColumns = `id, key_hash, stream_id, connection_ref, callback_ref, last_delivered_id, requested_from_id, requested_to_id, created_at`

func scanSubscriber(row interface{ Scan(...any) error }) (stream.Subscriber, error) {
	var (
		s       stream.Subscriber
		created int64
	)
	err := row.Scan(&s.ID, &s.KeyHash, &s.StreamID, &s.ConnectionRef, &s.CallbackRef,
		&s.LastDeliveredID, &s.RequestedFromID, &s.RequestedToID, &created)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return stream.Subscriber{}, stream.ErrSubscriberNotFound
		}
		return stream.Subscriber{}, err
	}
	s.CreatedAt = fromNanos(created)
	return s, nil
}

func (r *Repository) CreateSubscriber(ctx context.Context, sub stream.Subscriber) (stream.Subscriber, error) {
	if sub.ID == uuid.Nil {
		sub.ID = uuid.New()
	}
	if sub.CreatedAt.IsZero() {
		sub.CreatedAt = fromNanos(now())
	}
	err := r.tx(ctx, func(q querier) error {
		if err := streamExists(ctx, q, sub.StreamID); err != nil {
			return err
		}
		_, err := q.ExecContext(ctx,
			`INSERT INTO subscribers (`+subscriberColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			sub.ID, sub.KeyHash, sub.StreamID, sub.ConnectionRef, sub.CallbackRef,
			sub.LastDeliveredID, sub.RequestedFromID, sub.RequestedToID, nanos(sub.CreatedAt),
		)
		return err
	})
	if err != nil {
		return stream.Subscriber{}, err
	}
	return sub, nil
}

func (r *Repository) GetSubscriber(ctx context.Context, id uuid.UUID) (stream.Subscriber, error) {
	return scanSubscriber(r.db.QueryRowContext(ctx, `SELECT `+subscriberColumns+` FROM subscribers WHERE id = ?`, id))
}

func (r *Repository) ListActiveSubscribers(ctx context.Context, streamID int64) ([]stream.Subscriber, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+subscriberColumns+` FROM subscribers WHERE stream_id = ? ORDER BY created_at, id`, streamID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []stream.Subscriber
	for rows.Next() {
		s, err := scanSubscriber(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (r *Repository) UpdateSubscriber(ctx context.Context, sub stream.Subscriber) error {
	n, err := r.exec(ctx,
		`UPDATE subscribers SET connection_ref = ?, callback_ref = ?, requested_from_id = ?, requested_to_id = ? WHERE id = ?`,
		sub.ConnectionRef, sub.CallbackRef, sub.RequestedFromID, sub.RequestedToID, sub.ID,
	)
	if err != nil {
		return err
	}
	if n == 0 {
		return stream.ErrSubscriberNotFound
	}
	return nil
}

func (r *Repository) AdvanceSubscriberCursor(ctx context.Context, id uuid.UUID, cursor int64) error {
	n, err := r.exec(ctx,
		`UPDATE subscribers SET last_delivered_id = MAX(last_delivered_id, ?) WHERE id = ?`, cursor, id,
	)
	if err != nil {
		return err
	}
	if n == 0 {
		return stream.ErrSubscriberNotFound
	}
	return nil
}

func (r *Repository) DeleteSubscriber(ctx context.Context, id uuid.UUID) error {
	n, err := r.exec(ctx, `DELETE FROM subscribers WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if n == 0 {
		return stream.ErrSubscriberNotFound
	}
	return nil
}

func (r *Repository) DeleteSubscribersByConnection(ctx context.Context, connectionRef string) (int, error) {
	n, err := r.exec(ctx, `DELETE FROM subscribers WHERE connection_ref = ?`, connectionRef)
	return int(n), err
}

func (r *Repository) DeleteAllSubscribers(ctx context.Context) error {
	_, err := r.exec(ctx, `DELETE FROM subscribers`)
	return err
}

func streamExists(ctx context.Context, q querier, id int64) error {
	var one int
	err := q.QueryRowContext(ctx, `SELECT 1 FROM streams WHERE id = ?`, id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return stream.ErrStreamNotFound
	}
	return err
}

func whereClause(conds []string) string {
	if len(conds) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(conds, " AND ")
}

func limitClause(limit, offset int) string {
	switch {
	case limit > 0 && offset > 0:
		return fmt.Sprintf(" LIMIT %d OFFSET %d", limit, offset)
	case limit > 0:
		return fmt.Sprintf(" LIMIT %d", limit)
	case offset > 0:
		return fmt.Sprintf(" LIMIT -1 OFFSET %d", offset)
	}
	return ""
}
