// Package mongo implements stream.Repository on MongoDB.
//
// Integer ids come from counter documents. Appends reserve a block of order ids
// and insert the batch while holding a process local lock, so a single process
// must own appends for a database. Cursor updates use $max.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/dmitrymomot/eventstream/core/stream"
)

const (
	streamsCollection      = "streams"
	eventsCollection       = "events"
	associationsCollection = "associations"
	subscribersCollection  = "subscribers"
	countersCollection     = "counters"
)

// Repository is a MongoDB backed stream.Repository.
type Repository struct {
	db *mongo.Database

	streams      *mongo.Collection
	events       *mongo.Collection
	associations *mongo.Collection
	subscribers  *mongo.Collection
	counters     *mongo.Collection

	appendMu sync.Mutex
}

var _ stream.Repository = (*Repository)(nil)

type streamDoc struct {
	ID          int64     `bson:"_id"`
	ExternalID  string    `bson:"external_id"`
	Name        string    `bson:"name"`
	NameKey     string    `bson:"name_key"`
	MergeCursor int64     `bson:"merge_cursor"`
	CreatedAt   time.Time `bson:"created_at"`
}

type eventDoc struct {
	OrderID            int64     `bson:"_id"`
	PublicID           string    `bson:"public_id"`
	StreamID           int64     `bson:"stream_id"`
	Type               string    `bson:"type"`
	Payload            []byte    `bson:"payload,omitempty"`
	Metadata           []byte    `bson:"metadata,omitempty"`
	OriginatingEventID string    `bson:"originating_event_id,omitempty"`
	CreatedAt          time.Time `bson:"created_at"`
}

type associationDoc struct {
	TargetStreamID int64     `bson:"target_stream_id"`
	SourceStreamID int64     `bson:"source_stream_id"`
	SourceCursor   int64     `bson:"source_cursor"`
	CreatedAt      time.Time `bson:"created_at"`
}

type subscriberDoc struct {
	ID              string    `bson:"_id"`
	KeyHash         []byte    `bson:"key_hash,omitempty"`
	StreamID        int64     `bson:"stream_id"`
	ConnectionRef   string    `bson:"connection_ref"`
	CallbackRef     string    `bson:"callback_ref"`
	LastDeliveredID int64     `bson:"last_delivered_id"`
	RequestedFromID int64     `bson:"requested_from_id"`
	RequestedToID   int64     `bson:"requested_to_id"`
	CreatedAt       time.Time `bson:"created_at"`
}

type counterDoc struct {
	Seq int64 `bson:"seq"`
}

// New ensures indexes on db and returns the repository.
func New(ctx context.Context, db *mongo.Database) (*Repository, error) {
	r := &Repository{
		db:           db,
		streams:      db.Collection(streamsCollection),
		events:       db.Collection(eventsCollection),
		associations: db.Collection(associationsCollection),
		subscribers:  db.Collection(subscribersCollection),
		counters:     db.Collection(countersCollection),
	}
	if err := r.ensureIndexes(ctx); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Repository) ensureIndexes(ctx context.Context) error {
	unique := func() *options.IndexOptionsBuilder { return options.Index().SetUnique(true) }

	indexes := map[*mongo.Collection][]mongo.IndexModel{
		r.streams: {
			{Keys: bson.D{{Key: "name_key", Value: 1}}, Options: unique()},
			{Keys: bson.D{{Key: "external_id", Value: 1}}, Options: unique()},
			{Keys: bson.D{{Key: "created_at", Value: 1}}},
		},
		r.events: {
			{Keys: bson.D{{Key: "public_id", Value: 1}}, Options: unique()},
			{Keys: bson.D{{Key: "stream_id", Value: 1}, {Key: "_id", Value: 1}}},
			{Keys: bson.D{{Key: "type", Value: 1}}},
		},
		r.associations: {
			{Keys: bson.D{{Key: "target_stream_id", Value: 1}, {Key: "source_stream_id", Value: 1}}, Options: unique()},
			{Keys: bson.D{{Key: "source_stream_id", Value: 1}}},
		},
		r.subscribers: {
			{Keys: bson.D{{Key: "stream_id", Value: 1}, {Key: "created_at", Value: 1}}},
			{Keys: bson.D{{Key: "connection_ref", Value: 1}}},
		},
	}
	for coll, models := range indexes {
		if _, err := coll.Indexes().CreateMany(ctx, models); err != nil {
			return err
		}
	}
	return nil
}

// Close disconnects the client owning the database.
func (r *Repository) Close() error {
	return r.db.Client().Disconnect(context.Background())
}

// reserve advances the named counter by n and returns the first reserved value.
func (r *Repository) reserve(ctx context.Context, name string, n int64) (int64, error) {
	var c counterDoc
	err := r.counters.FindOneAndUpdate(ctx,
		bson.M{"_id": name},
		bson.M{"$inc": bson.M{"seq": n}},
		options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After),
	).Decode(&c)
	if err != nil {
		return 0, err
	}
	return c.Seq - n + 1, nil
}

func now() time.Time { return time.Now().UTC().Truncate(time.Millisecond) }

// ErrMalformedDocument is returned when a stored document cannot be decoded into the model.
var ErrMalformedDocument = errors.New("malformed document")

func parseUUID(field, v string) (uuid.UUID, error) {
	id, err := uuid.Parse(v)
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: %s %q: %v", ErrMalformedDocument, field, v, err)
	}
	return id, nil
}

// Streams

func (d streamDoc) model() (stream.Stream, error) {
	externalID, err := parseUUID("external_id", d.ExternalID)
	if err != nil {
		return stream.Stream{}, err
	}
	return stream.Stream{
		ID:          d.ID,
		ExternalID:  externalID,
		Name:        d.Name,
		CreatedAt:   d.CreatedAt.UTC(),
		MergeCursor: d.MergeCursor,
	}, nil
}

func (r *Repository) findStream(ctx context.Context, filter bson.M) (stream.Stream, error) {
	var d streamDoc
	if err := r.streams.FindOne(ctx, filter).Decode(&d); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return stream.Stream{}, stream.ErrStreamNotFound
		}
		return stream.Stream{}, err
	}
	return d.model()
}

func (r *Repository) CreateStream(ctx context.Context, name string) (stream.Stream, error) {
	name, err := stream.NormalizeName(name)
	if err != nil {
		return stream.Stream{}, err
	}
	key := stream.NameKey(name)

	if _, err := r.findStream(ctx, bson.M{"name_key": key}); err == nil {
		return stream.Stream{}, stream.ErrStreamExists
	}

	id, err := r.reserve(ctx, streamsCollection, 1)
	if err != nil {
		return stream.Stream{}, err
	}
	d := streamDoc{
		ID:         id,
		ExternalID: uuid.NewString(),
		Name:       name,
		NameKey:    key,
		CreatedAt:  now(),
	}
	if _, err := r.streams.InsertOne(ctx, d); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return stream.Stream{}, stream.ErrStreamExists
		}
		return stream.Stream{}, err
	}
	return d.model()
}

func (r *Repository) GetStream(ctx context.Context, id int64) (stream.Stream, error) {
	return r.findStream(ctx, bson.M{"_id": id})
}

func (r *Repository) GetStreamByExternalID(ctx context.Context, id uuid.UUID) (stream.Stream, error) {
	return r.findStream(ctx, bson.M{"external_id": id.String()})
}

func (r *Repository) GetStreamByName(ctx context.Context, name string) (stream.Stream, error) {
	return r.findStream(ctx, bson.M{"name_key": stream.NameKey(name)})
}

func (r *Repository) ListStreams(ctx context.Context, q stream.StreamQuery) ([]stream.Stream, error) {
	filter := bson.M{}
	if fragment := stream.NameKey(q.Name); fragment != "" {
		filter["name_key"] = bson.Regex{Pattern: regexp.QuoteMeta(fragment)}
	}
	if q.ExternalID != uuid.Nil {
		filter["external_id"] = q.ExternalID.String()
	}
	if created := timeRange(q.CreatedFrom, q.CreatedTo); created != nil {
		filter["created_at"] = created
	}

	opts := options.Find().SetSort(bson.D{{Key: "_id", Value: 1}})
	if q.Limit > 0 {
		opts.SetLimit(int64(q.Limit))
	}
	if q.Offset > 0 {
		opts.SetSkip(int64(q.Offset))
	}

	var docs []streamDoc
	if err := r.findAll(ctx, r.streams, filter, &docs, opts); err != nil {
		return nil, err
	}
	out := make([]stream.Stream, len(docs))
	for i, d := range docs {
		m, err := d.model()
		if err != nil {
			return nil, err
		}
		out[i] = m
	}
	return out, nil
}

func (r *Repository) UpdateStream(ctx context.Context, s stream.Stream) error {
	name, err := stream.NormalizeName(s.Name)
	if err != nil {
		return err
	}
	res, err := r.streams.UpdateOne(ctx,
		bson.M{"_id": s.ID},
		bson.M{"$set": bson.M{"name": name, "name_key": stream.NameKey(name)}},
	)
	if mongo.IsDuplicateKeyError(err) {
		return stream.ErrStreamExists
	}
	return matched(res, err, stream.ErrStreamNotFound)
}

func (r *Repository) DeleteStream(ctx context.Context, id int64) error {
	res, err := r.streams.DeleteOne(ctx, bson.M{"_id": id})
	if err != nil {
		return err
	}
	if res.DeletedCount == 0 {
		return stream.ErrStreamNotFound
	}

	_, evErr := r.events.DeleteMany(ctx, bson.M{"stream_id": id})
	_, asErr := r.associations.DeleteMany(ctx, bson.M{"$or": bson.A{
		bson.M{"target_stream_id": id},
		bson.M{"source_stream_id": id},
	}})
	_, subErr := r.subscribers.DeleteMany(ctx, bson.M{"stream_id": id})
	return errors.Join(evErr, asErr, subErr)
}

func (r *Repository) AdvanceMergeCursor(ctx context.Context, streamID, cursor int64) error {
	res, err := r.streams.UpdateOne(ctx,
		bson.M{"_id": streamID},
		bson.M{"$max": bson.M{"merge_cursor": cursor}},
	)
	return matched(res, err, stream.ErrStreamNotFound)
}

// Events

func (d eventDoc) model() (stream.Event, error) {
	publicID, err := parseUUID("public_id", d.PublicID)
	if err != nil {
		return stream.Event{}, err
	}
	e := stream.Event{
		OrderID:   d.OrderID,
		PublicID:  publicID,
		StreamID:  d.StreamID,
		Type:      d.Type,
		Payload:   d.Payload,
		Metadata:  d.Metadata,
		CreatedAt: d.CreatedAt.UTC(),
	}
	if d.OriginatingEventID != "" {
		origin, err := parseUUID("originating_event_id", d.OriginatingEventID)
		if err != nil {
			return stream.Event{}, err
		}
		e.OriginatingEventID = uuid.NullUUID{UUID: origin, Valid: true}
	}
	return e, nil
}

func (r *Repository) AppendEvents(ctx context.Context, streamID int64, events []stream.Event) ([]stream.Event, error) {
	if len(events) == 0 {
		return nil, stream.ErrEmptyBatch
	}
	if _, err := r.GetStream(ctx, streamID); err != nil {
		return nil, err
	}

	r.appendMu.Lock()
	defer r.appendMu.Unlock()

	first, err := r.reserve(ctx, eventsCollection, int64(len(events)))
	if err != nil {
		return nil, err
	}

	created := now()
	docs := make([]any, len(events))
	committed := make([]stream.Event, len(events))
	for i, e := range events {
		if e.PublicID == uuid.Nil {
			e.PublicID = uuid.New()
		}
		if e.CreatedAt.IsZero() {
			e.CreatedAt = created
		}
		d := eventDoc{
			OrderID:   first + int64(i),
			PublicID:  e.PublicID.String(),
			StreamID:  streamID,
			Type:      e.Type,
			Payload:   e.Payload,
			Metadata:  e.Metadata,
			CreatedAt: e.CreatedAt.UTC().Truncate(time.Millisecond),
		}
		if e.OriginatingEventID.Valid {
			d.OriginatingEventID = e.OriginatingEventID.UUID.String()
		}
		docs[i] = d
		m, err := d.model()
		if err != nil {
			return nil, err
		}
		committed[i] = m
	}

	if _, err := r.events.InsertMany(ctx, docs); err != nil {
		return nil, err
	}
	return committed, nil
}

func (r *Repository) ListEvents(ctx context.Context, q stream.EventQuery) ([]stream.Event, error) {
	order := bson.M{"$gt": q.AfterID}
	if q.ToID > 0 {
		order["$lte"] = q.ToID
	}
	filter := bson.M{"_id": order}
	if q.StreamID != 0 {
		filter["stream_id"] = q.StreamID
	}
	if q.Type != "" {
		filter["type"] = q.Type
	}
	if created := timeRange(q.CreatedFrom, q.CreatedTo); created != nil {
		filter["created_at"] = created
	}

	opts := options.Find().SetSort(bson.D{{Key: "_id", Value: 1}})
	if q.Limit > 0 {
		opts.SetLimit(int64(q.Limit))
	}

	var docs []eventDoc
	if err := r.findAll(ctx, r.events, filter, &docs, opts); err != nil {
		return nil, err
	}
	out := make([]stream.Event, len(docs))
	for i, d := range docs {
		m, err := d.model()
		if err != nil {
			return nil, err
		}
		out[i] = m
	}
	return out, nil
}

func (r *Repository) GetEvent(ctx context.Context, publicID uuid.UUID) (stream.Event, error) {
	var d eventDoc
	if err := r.events.FindOne(ctx, bson.M{"public_id": publicID.String()}).Decode(&d); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return stream.Event{}, stream.ErrEventNotFound
		}
		return stream.Event{}, err
	}
	return d.model()
}

// Associations

func (d associationDoc) model() stream.Association {
	return stream.Association{
		TargetStreamID: d.TargetStreamID,
		SourceStreamID: d.SourceStreamID,
		SourceCursor:   d.SourceCursor,
		CreatedAt:      d.CreatedAt.UTC(),
	}
}

func edgeFilter(targetID, sourceID int64) bson.M {
	return bson.M{"target_stream_id": targetID, "source_stream_id": sourceID}
}

// AddAssociation holds the append lock so the edge cursor is an exact source head.
func (r *Repository) AddAssociation(ctx context.Context, targetID, sourceID int64) (stream.Association, bool, error) {
	if targetID == sourceID {
		return stream.Association{}, false, stream.ErrSelfAssociation
	}
	if _, err := r.GetStream(ctx, targetID); err != nil {
		return stream.Association{}, false, err
	}
	if _, err := r.GetStream(ctx, sourceID); err != nil {
		return stream.Association{}, false, err
	}

	r.appendMu.Lock()
	defer r.appendMu.Unlock()

	if a, err := r.GetAssociation(ctx, targetID, sourceID); err == nil {
		return a, false, nil
	} else if !errors.Is(err, stream.ErrAssociationNotFound) {
		return stream.Association{}, false, err
	}

	var head eventDoc
	err := r.events.FindOne(ctx,
		bson.M{"stream_id": sourceID},
		options.FindOne().SetSort(bson.D{{Key: "_id", Value: -1}}).SetProjection(bson.M{"_id": 1}),
	).Decode(&head)
	if err != nil && !errors.Is(err, mongo.ErrNoDocuments) {
		return stream.Association{}, false, err
	}

	d := associationDoc{
		TargetStreamID: targetID,
		SourceStreamID: sourceID,
		SourceCursor:   head.OrderID,
		CreatedAt:      now(),
	}
	if _, err := r.associations.InsertOne(ctx, d); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			a, err := r.GetAssociation(ctx, targetID, sourceID)
			return a, false, err
		}
		return stream.Association{}, false, err
	}
	return d.model(), true, nil
}

func (r *Repository) GetAssociation(ctx context.Context, targetID, sourceID int64) (stream.Association, error) {
	var d associationDoc
	if err := r.associations.FindOne(ctx, edgeFilter(targetID, sourceID)).Decode(&d); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return stream.Association{}, stream.ErrAssociationNotFound
		}
		return stream.Association{}, err
	}
	return d.model(), nil
}

func (r *Repository) ListOutboundAssociations(ctx context.Context, sourceID int64) ([]stream.Association, error) {
	return r.listAssociations(ctx, bson.M{"source_stream_id": sourceID})
}

func (r *Repository) ListInboundAssociations(ctx context.Context, targetID int64) ([]stream.Association, error) {
	return r.listAssociations(ctx, bson.M{"target_stream_id": targetID})
}

func (r *Repository) ListAssociations(ctx context.Context) ([]stream.Association, error) {
	return r.listAssociations(ctx, bson.M{})
}

func (r *Repository) listAssociations(ctx context.Context, filter bson.M) ([]stream.Association, error) {
	opts := options.Find().SetSort(bson.D{{Key: "target_stream_id", Value: 1}, {Key: "source_stream_id", Value: 1}})
	var docs []associationDoc
	if err := r.findAll(ctx, r.associations, filter, &docs, opts); err != nil {
		return nil, err
	}
	out := make([]stream.Association, len(docs))
	for i, d := range docs {
		out[i] = d.model()
	}
	return out, nil
}

func (r *Repository) AdvanceAssociationCursor(ctx context.Context, targetID, sourceID, cursor int64) error {
	res, err := r.associations.UpdateOne(ctx,
		edgeFilter(targetID, sourceID),
		bson.M{"$max": bson.M{"source_cursor": cursor}},
	)
	return matched(res, err, stream.ErrAssociationNotFound)
}

// Subscribers

func (d subscriberDoc) model() (stream.Subscriber, error) {
	id, err := parseUUID("_id", d.ID)
	if err != nil {
		return stream.Subscriber{}, err
	}
	return stream.Subscriber{
		ID:              id,
		KeyHash:         d.KeyHash,
		StreamID:        d.StreamID,
		ConnectionRef:   d.ConnectionRef,
		CallbackRef:     d.CallbackRef,
		LastDeliveredID: d.LastDeliveredID,
		RequestedFromID: d.RequestedFromID,
		RequestedToID:   d.RequestedToID,
		CreatedAt:       d.CreatedAt.UTC(),
	}, nil
}

func (r *Repository) CreateSubscriber(ctx context.Context, sub stream.Subscriber) (stream.Subscriber, error) {
	if _, err := r.GetStream(ctx, sub.StreamID); err != nil {
		return stream.Subscriber{}, err
	}
	if sub.ID == uuid.Nil {
		sub.ID = uuid.New()
	}
	if sub.CreatedAt.IsZero() {
		sub.CreatedAt = now()
	}
	d := subscriberDoc{
		ID:              sub.ID.String(),
		KeyHash:         sub.KeyHash,
		StreamID:        sub.StreamID,
		ConnectionRef:   sub.ConnectionRef,
		CallbackRef:     sub.CallbackRef,
		LastDeliveredID: sub.LastDeliveredID,
		RequestedFromID: sub.RequestedFromID,
		RequestedToID:   sub.RequestedToID,
		CreatedAt:       sub.CreatedAt.UTC().Truncate(time.Millisecond),
	}
	if _, err := r.subscribers.InsertOne(ctx, d); err != nil {
		return stream.Subscriber{}, err
	}
	return d.model()
}

func (r *Repository) GetSubscriber(ctx context.Context, id uuid.UUID) (stream.Subscriber, error) {
	var d subscriberDoc
	if err := r.subscribers.FindOne(ctx, bson.M{"_id": id.String()}).Decode(&d); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return stream.Subscriber{}, stream.ErrSubscriberNotFound
		}
		return stream.Subscriber{}, err
	}
	return d.model()
}

func (r *Repository) ListActiveSubscribers(ctx context.Context, streamID int64) ([]stream.Subscriber, error) {
	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}, {Key: "_id", Value: 1}})
	var docs []subscriberDoc
	if err := r.findAll(ctx, r.subscribers, bson.M{"stream_id": streamID}, &docs, opts); err != nil {
		return nil, err
	}
	out := make([]stream.Subscriber, len(docs))
	for i, d := range docs {
		m, err := d.model()
		if err != nil {
			return nil, err
		}
		out[i] = m
	}
	return out, nil
}

func (r *Repository) UpdateSubscriber(ctx context.Context, sub stream.Subscriber) error {
	res, err := r.subscribers.UpdateOne(ctx,
		bson.M{"_id": sub.ID.String()},
		bson.M{"$set": bson.M{
			"connection_ref":    sub.ConnectionRef,
			"callback_ref":      sub.CallbackRef,
			"requested_from_id": sub.RequestedFromID,
			"requested_to_id":   sub.RequestedToID,
		}},
	)
	return matched(res, err, stream.ErrSubscriberNotFound)
}

func (r *Repository) AdvanceSubscriberCursor(ctx context.Context, id uuid.UUID, cursor int64) error {
	res, err := r.subscribers.UpdateOne(ctx,
		bson.M{"_id": id.String()},
		bson.M{"$max": bson.M{"last_delivered_id": cursor}},
	)
	return matched(res, err, stream.ErrSubscriberNotFound)
}

func (r *Repository) DeleteSubscriber(ctx context.Context, id uuid.UUID) error {
	res, err := r.subscribers.DeleteOne(ctx, bson.M{"_id": id.String()})
	if err != nil {
		return err
	}
	if res.DeletedCount == 0 {
		return stream.ErrSubscriberNotFound
	}
	return nil
}

func (r *Repository) DeleteSubscribersByConnection(ctx context.Context, connectionRef string) (int, error) {
	res, err := r.subscribers.DeleteMany(ctx, bson.M{"connection_ref": connectionRef})
	if err != nil {
		return 0, err
	}
	return int(res.DeletedCount), nil
}

func (r *Repository) DeleteAllSubscribers(ctx context.Context) error {
	_, err := r.subscribers.DeleteMany(ctx, bson.M{})
	return err
}

func (r *Repository) findAll(ctx context.Context, coll *mongo.Collection, filter bson.M, out any, opts *options.FindOptionsBuilder) error {
	cur, err := coll.Find(ctx, filter, opts)
	if err != nil {
		return err
	}
	return cur.All(ctx, out)
}

func matched(res *mongo.UpdateResult, err, notFound error) error {
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return notFound
	}
	return nil
}

func timeRange(from, to time.Time) bson.M {
	if from.IsZero() && to.IsZero() {
		return nil
	}
	m := bson.M{}
	if !from.IsZero() {
		m["$gte"] = from.UTC()
	}
	if !to.IsZero() {
		m["$lte"] = to.UTC()
	}
	return m
}
