// Package postgres implements stream.Repository on PostgreSQL.
//
// Order ids come from a sequence. A sequence hands out values before commit, so
// AppendEvents takes a transaction scoped advisory lock first: appends commit one
// at a time and a reader that saw order id N will never later see a smaller one.
// Methods join a transaction carried by the context (pg.WithTx).
package postgres

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/dmitrymomot/eventstream/core/logger"
	"github.com/dmitrymomot/eventstream/core/stream"
	"github.com/dmitrymomot/eventstream/integration/database/pg"
)

//go:embed migrations/*.sql
var migrations embed.FS

// appendLockKey is the advisory lock serializing appends.
const appendLockKey int64 = 0x65767374726d // "evstrm"

// Repository is a PostgreSQL backed stream.Repository.
type Repository struct {
	pool  *pgxpool.Pool
	log   *slog.Logger
	table string
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

// WithMigrationsTable overrides the goose version table.
func WithMigrationsTable(table string) Option {
	return func(r *Repository) {
		if table != "" {
			r.table = table
		}
	}
}

// New migrates the schema and returns the repository. The pool stays owned by the caller.
func New(ctx context.Context, pool *pgxpool.Pool, opts ...Option) (*Repository, error) {
	r := &Repository{pool: pool, log: logger.Discard(), table: "eventstream_migrations"}
	for _, opt := range opts {
		opt(r)
	}

	fsys, err := fs.Sub(migrations, "migrations")
	if err != nil {
		return nil, err
	}
	if err := pg.Migrate(ctx, pool, pg.Config{MigrationsTable: r.table}, fsys, r.log); err != nil {
		return nil, err
	}
	return r, nil
}

type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type beginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

func (r *Repository) q(ctx context.Context) querier {
	if tx, ok := pg.TxFromContext(ctx); ok {
		return tx
	}
	return r.pool
}

// tx runs fn in a transaction, or in a savepoint when ctx already carries one.
func (r *Repository) tx(ctx context.Context, fn func(ctx context.Context, tx pgx.Tx) error) error {
	var b beginner = r.pool
	if tx, ok := pg.TxFromContext(ctx); ok {
		b = tx
	}
	return pgx.BeginFunc(ctx, b, func(tx pgx.Tx) error {
		return fn(pg.WithTx(ctx, tx), tx)
	})
}

func now() time.Time { return time.Now().UTC() }

// Streams

const streamColumns = `id, external_id, name, merge_cursor, created_at`

func scanStream(row pgx.Row) (stream.Stream, error) {
	var s stream.Stream
	if err := row.Scan(&s.ID, &s.ExternalID, &s.Name, &s.MergeCursor, &s.CreatedAt); err != nil {
		if pg.IsNotFoundError(err) {
			return stream.Stream{}, stream.ErrStreamNotFound
		}
		return stream.Stream{}, err
	}
	s.CreatedAt = s.CreatedAt.UTC()
	return s, nil
}

func (r *Repository) CreateStream(ctx context.Context, name string) (stream.Stream, error) {
	name, err := stream.NormalizeName(name)
	if err != nil {
		return stream.Stream{}, err
	}

	s, err := scanStream(r.q(ctx).QueryRow(ctx,
		`INSERT INTO streams (external_id, name, name_key, created_at) VALUES ($1, $2, $3, $4)
		 RETURNING `+streamColumns,
		uuid.New(), name, stream.NameKey(name), now(),
	))
	if pg.IsDuplicateKeyError(err) {
		return stream.Stream{}, stream.ErrStreamExists
	}
	return s, err
}

func (r *Repository) GetStream(ctx context.Context, id int64) (stream.Stream, error) {
	return scanStream(r.q(ctx).QueryRow(ctx, `SELECT `+streamColumns+` FROM streams WHERE id = $1`, id))
}

func (r *Repository) GetStreamByExternalID(ctx context.Context, id uuid.UUID) (stream.Stream, error) {
	return scanStream(r.q(ctx).QueryRow(ctx, `SELECT `+streamColumns+` FROM streams WHERE external_id = $1`, id))
}

func (r *Repository) GetStreamByName(ctx context.Context, name string) (stream.Stream, error) {
	return scanStream(r.q(ctx).QueryRow(ctx, `SELECT `+streamColumns+` FROM streams WHERE name_key = $1`, stream.NameKey(name)))
}

func (r *Repository) ListStreams(ctx context.Context, q stream.StreamQuery) ([]stream.Stream, error) {
	var f filter
	if fragment := stream.NameKey(q.Name); fragment != "" {
		f.add("strpos(name_key, %s) > 0", fragment)
	}
	if q.ExternalID != uuid.Nil {
		f.add("external_id = %s", q.ExternalID)
	}
	if !q.CreatedFrom.IsZero() {
		f.add("created_at >= %s", q.CreatedFrom)
	}
	if !q.CreatedTo.IsZero() {
		f.add("created_at <= %s", q.CreatedTo)
	}

	rows, err := r.q(ctx).Query(ctx,
		`SELECT `+streamColumns+` FROM streams`+f.where()+` ORDER BY id`+limitClause(q.Limit, q.Offset),
		f.args...,
	)
	if err != nil {
		return nil, err
	}
	return collect(rows, scanStream)
}

func (r *Repository) UpdateStream(ctx context.Context, s stream.Stream) error {
	name, err := stream.NormalizeName(s.Name)
	if err != nil {
		return err
	}
	tag, err := r.q(ctx).Exec(ctx,
		`UPDATE streams SET name = $1, name_key = $2 WHERE id = $3`, name, stream.NameKey(name), s.ID,
	)
	if pg.IsDuplicateKeyError(err) {
		return stream.ErrStreamExists
	}
	return affected(tag, err, stream.ErrStreamNotFound)
}

// DeleteStream relies on ON DELETE CASCADE for events, edges and subscribers.
func (r *Repository) DeleteStream(ctx context.Context, id int64) error {
	tag, err := r.q(ctx).Exec(ctx, `DELETE FROM streams WHERE id = $1`, id)
	return affected(tag, err, stream.ErrStreamNotFound)
}

func (r *Repository) AdvanceMergeCursor(ctx context.Context, streamID, cursor int64) error {
	tag, err := r.q(ctx).Exec(ctx,
		`UPDATE streams SET merge_cursor = GREATEST(merge_cursor, $1) WHERE id = $2`, cursor, streamID,
	)
	return affected(tag, err, stream.ErrStreamNotFound)
}

// Events

const eventColumns = `order_id, public_id, stream_id, type, payload, metadata, originating_event_id, created_at`

func scanEvent(row pgx.Row) (stream.Event, error) {
	var e stream.Event
	err := row.Scan(&e.OrderID, &e.PublicID, &e.StreamID, &e.Type, &e.Payload, &e.Metadata, &e.OriginatingEventID, &e.CreatedAt)
	if err != nil {
		if pg.IsNotFoundError(err) {
			return stream.Event{}, stream.ErrEventNotFound
		}
		return stream.Event{}, err
	}
	e.CreatedAt = e.CreatedAt.UTC()
	return e, nil
}

func (r *Repository) AppendEvents(ctx context.Context, streamID int64, events []stream.Event) ([]stream.Event, error) {
	if len(events) == 0 {
		return nil, stream.ErrEmptyBatch
	}

	var committed []stream.Event
	err := r.tx(ctx, func(ctx context.Context, tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, appendLockKey); err != nil {
			return err
		}
		if err := streamExists(ctx, tx, streamID); err != nil {
			return err
		}

		committed = make([]stream.Event, 0, len(events))
		created := now()
		for _, e := range events {
			if e.PublicID == uuid.Nil {
				e.PublicID = uuid.New()
			}
			if e.CreatedAt.IsZero() {
				e.CreatedAt = created
			}
			c, err := scanEvent(tx.QueryRow(ctx,
				`INSERT INTO events (public_id, stream_id, type, payload, metadata, originating_event_id, created_at)
				 VALUES ($1, $2, $3, $4, $5, $6, $7)
				 RETURNING `+eventColumns,
				e.PublicID, streamID, e.Type, e.Payload, e.Metadata, e.OriginatingEventID, e.CreatedAt,
			))
			if err != nil {
				return err
			}
			committed = append(committed, c)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return committed, nil
}

func (r *Repository) ListEvents(ctx context.Context, q stream.EventQuery) ([]stream.Event, error) {
	var f filter
	f.add("order_id > %s", q.AfterID)
	if q.StreamID != 0 {
		f.add("stream_id = %s", q.StreamID)
	}
	if q.ToID > 0 {
		f.add("order_id <= %s", q.ToID)
	}
	if q.Type != "" {
		f.add("type = %s", q.Type)
	}
	if !q.CreatedFrom.IsZero() {
		f.add("created_at >= %s", q.CreatedFrom)
	}
	if !q.CreatedTo.IsZero() {
		f.add("created_at <= %s", q.CreatedTo)
	}

	rows, err := r.q(ctx).Query(ctx,
		`SELECT `+eventColumns+` FROM events`+f.where()+` ORDER BY order_id`+limitClause(q.Limit, 0),
		f.args...,
	)
	if err != nil {
		return nil, err
	}
	return collect(rows, scanEvent)
}

func (r *Repository) GetEvent(ctx context.Context, publicID uuid.UUID) (stream.Event, error) {
	return scanEvent(r.q(ctx).QueryRow(ctx, `SELECT `+eventColumns+` FROM events WHERE public_id = $1`, publicID))
}

// Associations

const associationColumns = `target_stream_id, source_stream_id, source_cursor, created_at`

func scanAssociation(row pgx.Row) (stream.Association, error) {
	var a stream.Association
	if err := row.Scan(&a.TargetStreamID, &a.SourceStreamID, &a.SourceCursor, &a.CreatedAt); err != nil {
		if pg.IsNotFoundError(err) {
			return stream.Association{}, stream.ErrAssociationNotFound
		}
		return stream.Association{}, err
	}
	a.CreatedAt = a.CreatedAt.UTC()
	return a, nil
}

// AddAssociation takes the append lock so the edge cursor is the source head at
// a point no concurrent append can straddle.
func (r *Repository) AddAssociation(ctx context.Context, targetID, sourceID int64) (stream.Association, bool, error) {
	if targetID == sourceID {
		return stream.Association{}, false, stream.ErrSelfAssociation
	}

	var (
		a       stream.Association
		created bool
	)
	err := r.tx(ctx, func(ctx context.Context, tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, appendLockKey); err != nil {
			return err
		}
		if err := streamExists(ctx, tx, targetID); err != nil {
			return err
		}
		if err := streamExists(ctx, tx, sourceID); err != nil {
			return err
		}

		var err error
		a, err = scanAssociation(tx.QueryRow(ctx,
			`INSERT INTO associations (target_stream_id, source_stream_id, source_cursor, created_at)
			 SELECT $1, $2, COALESCE(MAX(order_id), 0), $3 FROM events WHERE stream_id = $2
			 ON CONFLICT (target_stream_id, source_stream_id) DO NOTHING
			 RETURNING `+associationColumns,
			targetID, sourceID, now(),
		))
		if err == nil {
			created = true
			return nil
		}
		if !errors.Is(err, stream.ErrAssociationNotFound) {
			return err
		}
		a, err = scanAssociation(tx.QueryRow(ctx,
			`SELECT `+associationColumns+` FROM associations WHERE target_stream_id = $1 AND source_stream_id = $2`,
			targetID, sourceID,
		))
		return err
	})
	if err != nil {
		return stream.Association{}, false, err
	}
	return a, created, nil
}

func (r *Repository) GetAssociation(ctx context.Context, targetID, sourceID int64) (stream.Association, error) {
	return scanAssociation(r.q(ctx).QueryRow(ctx,
		`SELECT `+associationColumns+` FROM associations WHERE target_stream_id = $1 AND source_stream_id = $2`,
		targetID, sourceID,
	))
}

func (r *Repository) ListOutboundAssociations(ctx context.Context, sourceID int64) ([]stream.Association, error) {
	return r.listAssociations(ctx, ` WHERE source_stream_id = $1`, sourceID)
}

func (r *Repository) ListInboundAssociations(ctx context.Context, targetID int64) ([]stream.Association, error) {
	return r.listAssociations(ctx, ` WHERE target_stream_id = $1`, targetID)
}

func (r *Repository) ListAssociations(ctx context.Context) ([]stream.Association, error) {
	return r.listAssociations(ctx, ``)
}

func (r *Repository) listAssociations(ctx context.Context, where string, args ...any) ([]stream.Association, error) {
	rows, err := r.q(ctx).Query(ctx,
		`SELECT `+associationColumns+` FROM associations`+where+` ORDER BY target_stream_id, source_stream_id`,
		args...,
	)
	if err != nil {
		return nil, err
	}
	return collect(rows, scanAssociation)
}

func (r *Repository) AdvanceAssociationCursor(ctx context.Context, targetID, sourceID, cursor int64) error {
	tag, err := r.q(ctx).Exec(ctx,
		`UPDATE associations SET source_cursor = GREATEST(source_cursor, $1)
		 WHERE target_stream_id = $2 AND source_stream_id = $3`,
		cursor, targetID, sourceID,
	)
	return affected(tag, err, stream.ErrAssociationNotFound)
}

// Subscribers

const subscriberColumns = `id, key_hash, stream_id, connection_ref, callback_ref, last_delivered_id, requested_from_id, requested_to_id, created_at`

func scanSubscriber(row pgx.Row) (stream.Subscriber, error) {
	var s stream.Subscriber
	err := row.Scan(&s.ID, &s.KeyHash, &s.StreamID, &s.ConnectionRef, &s.CallbackRef,
		&s.LastDeliveredID, &s.RequestedFromID, &s.RequestedToID, &s.CreatedAt)
	if err != nil {
		if pg.IsNotFoundError(err) {
			return stream.Subscriber{}, stream.ErrSubscriberNotFound
		}
		return stream.Subscriber{}, err
	}
	s.CreatedAt = s.CreatedAt.UTC()
	return s, nil
}

func (r *Repository) CreateSubscriber(ctx context.Context, sub stream.Subscriber) (stream.Subscriber, error) {
	if sub.ID == uuid.Nil {
		sub.ID = uuid.New()
	}
	if sub.CreatedAt.IsZero() {
		sub.CreatedAt = now()
	}
	s, err := scanSubscriber(r.q(ctx).QueryRow(ctx,
		`INSERT INTO subscribers (`+subscriberColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 RETURNING `+subscriberColumns,
		sub.ID, sub.KeyHash, sub.StreamID, sub.ConnectionRef, sub.CallbackRef,
		sub.LastDeliveredID, sub.RequestedFromID, sub.RequestedToID, sub.CreatedAt,
	))
	if pg.IsForeignKeyViolationError(err) {
		return stream.Subscriber{}, stream.ErrStreamNotFound
	}
	return s, err
}

func (r *Repository) GetSubscriber(ctx context.Context, id uuid.UUID) (stream.Subscriber, error) {
	return scanSubscriber(r.q(ctx).QueryRow(ctx, `SELECT `+subscriberColumns+` FROM subscribers WHERE id = $1`, id))
}

func (r *Repository) ListActiveSubscribers(ctx context.Context, streamID int64) ([]stream.Subscriber, error) {
	rows, err := r.q(ctx).Query(ctx,
		`SELECT `+subscriberColumns+` FROM subscribers WHERE stream_id = $1 ORDER BY created_at, id`, streamID,
	)
	if err != nil {
		return nil, err
	}
	return collect(rows, scanSubscriber)
}

func (r *Repository) UpdateSubscriber(ctx context.Context, sub stream.Subscriber) error {
	tag, err := r.q(ctx).Exec(ctx,
		`UPDATE subscribers SET connection_ref = $1, callback_ref = $2, requested_from_id = $3, requested_to_id = $4
		 WHERE id = $5`,
		sub.ConnectionRef, sub.CallbackRef, sub.RequestedFromID, sub.RequestedToID, sub.ID,
	)
	return affected(tag, err, stream.ErrSubscriberNotFound)
}

func (r *Repository) AdvanceSubscriberCursor(ctx context.Context, id uuid.UUID, cursor int64) error {
	tag, err := r.q(ctx).Exec(ctx,
		`UPDATE subscribers SET last_delivered_id = GREATEST(last_delivered_id, $1) WHERE id = $2`, cursor, id,
	)
	return affected(tag, err, stream.ErrSubscriberNotFound)
}

func (r *Repository) DeleteSubscriber(ctx context.Context, id uuid.UUID) error {
	tag, err := r.q(ctx).Exec(ctx, `DELETE FROM subscribers WHERE id = $1`, id)
	return affected(tag, err, stream.ErrSubscriberNotFound)
}

func (r *Repository) DeleteSubscribersByConnection(ctx context.Context, connectionRef string) (int, error) {
	tag, err := r.q(ctx).Exec(ctx, `DELETE FROM subscribers WHERE connection_ref = $1`, connectionRef)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

func (r *Repository) DeleteAllSubscribers(ctx context.Context) error {
	_, err := r.q(ctx).Exec(ctx, `DELETE FROM subscribers`)
	return err
}

func streamExists(ctx context.Context, q querier, id int64) error {
	var one int
	err := q.QueryRow(ctx, `SELECT 1 FROM streams WHERE id = $1`, id).Scan(&one)
	if pg.IsNotFoundError(err) {
		return stream.ErrStreamNotFound
	}
	return err
}

func affected(tag pgconn.CommandTag, err, notFound error) error {
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return notFound
	}
	return nil
}

func collect[T any](rows pgx.Rows, scan func(pgx.Row) (T, error)) ([]T, error) {
	defer rows.Close()

	var out []T
	for rows.Next() {
		v, err := scan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// filter accumulates WHERE conditions with numbered placeholders.
type filter struct {
	conds []string
	args  []any
}

// add appends cond, whose single %s is replaced by the next placeholder.
func (f *filter) add(cond string, arg any) {
	f.args = append(f.args, arg)
	f.conds = append(f.conds, fmt.Sprintf(cond, fmt.Sprintf("$%d", len(f.args))))
}

func (f *filter) where() string {
	if len(f.conds) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(f.conds, " AND ")
}

func limitClause(limit, offset int) string {
	var b strings.Builder
	if limit > 0 {
		fmt.Fprintf(&b, " LIMIT %d", limit)
	}
	if offset > 0 {
		fmt.Fprintf(&b, " OFFSET %d", offset)
	}
	return b.String()
}
