package httpapi

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/dmitrymomot/eventstream/core/logger"
	"github.com/dmitrymomot/eventstream/core/service"
	"github.com/dmitrymomot/eventstream/core/stream"
	"github.com/dmitrymomot/eventstream/core/supervisor"
)

// Service is the part of service.Service exposed over HTTP.
type Service interface {
	Publish(ctx context.Context, streamName string, events []stream.Event) ([]stream.Event, error)
	Associate(ctx context.Context, req service.AssociateRequest) (service.AssociateResult, error)
	GetStream(ctx context.Context, ref service.StreamRef) (stream.Stream, error)
	StreamByID(ctx context.Context, id int64) (stream.Stream, error)
	SearchStreams(ctx context.Context, q stream.StreamQuery) ([]stream.Stream, error)
	RenameStream(ctx context.Context, ref service.StreamRef, name string) (stream.Stream, error)
	DeleteStream(ctx context.Context, ref service.StreamRef) error
	GetEvent(ctx context.Context, ref service.StreamRef, publicID uuid.UUID) (stream.Event, error)
	SearchEvents(ctx context.Context, ref service.StreamRef, q stream.EventQuery) ([]stream.Event, error)
	ListAssociations(ctx context.Context, ref service.StreamRef) (inbound, outbound []stream.Association, err error)
	GetSubscriber(ctx context.Context, id uuid.UUID) (stream.Subscriber, error)
	Unsubscribe(ctx context.Context, subscriberID uuid.UUID, key string) error
	UpdateWindow(ctx context.Context, subscriberID uuid.UUID, key string, from, to int64) error
}

// Processors controls background processors at runtime.
type Processors interface {
	Start(name string) error
	Stop(name string) error
	Get(name string) (supervisor.Status, error)
	Status() []supervisor.Status
}

// maxBodyBytes bounds request bodies.
const maxBodyBytes = 4 << 20

type handlerFunc func(w http.ResponseWriter, r *http.Request) error

// API serves the REST surface.
type API struct {
	svc        Service
	processors Processors
	logger     *slog.Logger
}

// Option configures an API.
type Option func(*API)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(a *API) {
		if l != nil {
			a.logger = l
		}
	}
}

// WithProcessors enables the processor control endpoints.
func WithProcessors(p Processors) Option {
	return func(a *API) {
		a.processors = p
	}
}

// New creates the API.
func New(svc Service, opts ...Option) *API {
	a := &API{
		svc:    svc,
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Register mounts every route on mux.
func (a *API) Register(mux *http.ServeMux) {
	mux.Handle("GET /api/streams", a.handle(a.searchStreams))
	mux.Handle("POST /api/streams/associate", a.handle(a.associate))
	mux.Handle("GET /api/streams/{stream}", a.handle(a.getStream))
	mux.Handle("PATCH /api/streams/{stream}", a.handle(a.renameStream))
	mux.Handle("DELETE /api/streams/{stream}", a.handle(a.deleteStream))
	mux.Handle("GET /api/streams/{stream}/events", a.handle(a.searchEvents))
	mux.Handle("POST /api/streams/{stream}/events", a.handle(a.publish))
	mux.Handle("GET /api/streams/{stream}/events/{event}", a.handle(a.getEvent))
	mux.Handle("GET /api/streams/{stream}/associations", a.handle(a.listAssociations))
	mux.Handle("GET /api/subscribers/{subscriber}", a.handle(a.getSubscriber))
	mux.Handle("DELETE /api/subscribers/{subscriber}", a.handle(a.unsubscribe))
	mux.Handle("PUT /api/subscribers/{subscriber}/window", a.handle(a.updateWindow))

	if a.processors != nil {
		mux.Handle("GET /api/processors", a.handle(a.listProcessors))
		mux.Handle("POST /api/processors/{name}/start", a.handle(a.startProcessor))
		mux.Handle("POST /api/processors/{name}/stop", a.handle(a.stopProcessor))
	}
}

// Handler returns a mux with every route mounted.
func (a *API) Handler() http.Handler {
	mux := http.NewServeMux()
	a.Register(mux)
	return mux
}

func (a *API) handle(fn handlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		err := fn(w, r)
		if err == nil {
			return
		}

		httpErr := toHTTPError(err)
		if httpErr.Status >= http.StatusInternalServerError {
			a.logger.ErrorContext(r.Context(), "request failed",
				slog.String("method", r.Method),
				logger.Path(r.URL.Path),
				logger.StatusCode(httpErr.Status),
				logger.Elapsed(start),
				logger.Error(err))
		}
		_ = writeJSON(w, httpErr.Status, httpErr)
	})
}

func (a *API) searchStreams(w http.ResponseWriter, r *http.Request) error {
	q := r.URL.Query()
	query := stream.StreamQuery{Name: q.Get("name")}

	var err error
	if v := q.Get("stream_id"); v != "" {
		if query.ExternalID, err = uuid.Parse(v); err != nil {
			return badRequest("stream_id must be a UUID")
		}
	}
	if query.CreatedFrom, err = parseTime(q.Get("created_from")); err != nil {
		return badRequest("created_from must be RFC 3339")
	}
	if query.CreatedTo, err = parseTime(q.Get("created_to")); err != nil {
		return badRequest("created_to must be RFC 3339")
	}
	if query.Limit, err = parseInt(q.Get("limit")); err != nil {
		return badRequest("limit must be an integer")
	}
	if query.Offset, err = parseInt(q.Get("offset")); err != nil {
		return badRequest("offset must be an integer")
	}

	streams, err := a.svc.SearchStreams(r.Context(), query)
	if err != nil {
		return err
	}
	out := make([]streamView, len(streams))
	for i, s := range streams {
		out[i] = viewStream(s)
	}
	return writeJSON(w, http.StatusOK, out)
}

func (a *API) associate(w http.ResponseWriter, r *http.Request) error {
	var req associateRequest
	if err := readBody(r, &req); err != nil {
		return err
	}
	if len(req.Sources) == 0 {
		return badRequest("at least one source stream is required")
	}

	in := service.AssociateRequest{
		Target:       service.StreamRef{ExternalID: req.Target.StreamID, Name: req.Target.Name},
		CreateTarget: req.CreateTarget,
	}
	for _, s := range req.Sources {
		in.Sources = append(in.Sources, service.StreamRef{ExternalID: s.StreamID, Name: s.Name})
	}

	res, err := a.svc.Associate(r.Context(), in)
	if err != nil {
		return err
	}

	created, err := a.viewAssociations(r.Context(), res.Created)
	if err != nil {
		return err
	}
	existing, err := a.viewAssociations(r.Context(), res.Existed)
	if err != nil {
		return err
	}
	status := http.StatusOK
	if len(created) > 0 {
		status = http.StatusCreated
	}
	return writeJSON(w, status, associateResponse{
		Target:   viewStream(res.Target),
		Created:  created,
		Existing: existing,
	})
}

func (a *API) getStream(w http.ResponseWriter, r *http.Request) error {
	s, err := a.svc.GetStream(r.Context(), streamRef(r))
	if err != nil {
		return err
	}
	return writeJSON(w, http.StatusOK, viewStream(s))
}

func (a *API) renameStream(w http.ResponseWriter, r *http.Request) error {
	var req renameRequest
	if err := readBody(r, &req); err != nil {
		return err
	}
	s, err := a.svc.RenameStream(r.Context(), streamRef(r), req.Name)
	if err != nil {
		return err
	}
	return writeJSON(w, http.StatusOK, viewStream(s))
}

func (a *API) deleteStream(w http.ResponseWriter, r *http.Request) error {
	if err := a.svc.DeleteStream(r.Context(), streamRef(r)); err != nil {
		return err
	}
	return writeJSON(w, http.StatusNoContent, nil)
}

func (a *API) searchEvents(w http.ResponseWriter, r *http.Request) error {
	q := r.URL.Query()
	query := stream.EventQuery{Type: q.Get("type")}

	var err error
	if query.AfterID, err = parseInt64(q.Get("after_id")); err != nil {
		return badRequest("after_id must be an integer")
	}
	if query.ToID, err = parseInt64(q.Get("to_id")); err != nil {
		return badRequest("to_id must be an integer")
	}
	if query.CreatedFrom, err = parseTime(q.Get("created_from")); err != nil {
		return badRequest("created_from must be RFC 3339")
	}
	if query.CreatedTo, err = parseTime(q.Get("created_to")); err != nil {
		return badRequest("created_to must be RFC 3339")
	}
	if query.Limit, err = parseInt(q.Get("limit")); err != nil {
		return badRequest("limit must be an integer")
	}

	events, err := a.svc.SearchEvents(r.Context(), streamRef(r), query)
	if err != nil {
		return err
	}
	return writeJSON(w, http.StatusOK, viewEvents(events))
}

func (a *API) publish(w http.ResponseWriter, r *http.Request) error {
	var req publishRequest
	if err := readBody(r, &req); err != nil {
		return err
	}

	events := make([]stream.Event, len(req.Events))
	for i, f := range req.Events {
		payload, metadata, err := f.Bytes()
		if err != nil {
			return badRequest("events[" + strconv.Itoa(i) + "]: invalid base64 payload")
		}
		events[i] = stream.Event{Type: f.Type, Payload: payload, Metadata: metadata}
	}

	// Publishing by external id only reaches existing streams.
	name := r.PathValue("stream")
	if ref := streamRef(r); ref.ExternalID != uuid.Nil {
		s, err := a.svc.GetStream(r.Context(), ref)
		if err != nil {
			return err
		}
		name = s.Name
	}

	committed, err := a.svc.Publish(r.Context(), name, events)
	if err != nil {
		return err
	}
	return writeJSON(w, http.StatusCreated, viewEvents(committed))
}

func (a *API) getEvent(w http.ResponseWriter, r *http.Request) error {
	id, err := uuid.Parse(r.PathValue("event"))
	if err != nil {
		return badRequest("event id must be a UUID")
	}
	e, err := a.svc.GetEvent(r.Context(), streamRef(r), id)
	if err != nil {
		return err
	}
	return writeJSON(w, http.StatusOK, viewEvents([]stream.Event{e})[0])
}

func (a *API) listAssociations(w http.ResponseWriter, r *http.Request) error {
	inbound, outbound, err := a.svc.ListAssociations(r.Context(), streamRef(r))
	if err != nil {
		return err
	}
	in, err := a.viewAssociations(r.Context(), inbound)
	if err != nil {
		return err
	}
	out, err := a.viewAssociations(r.Context(), outbound)
	if err != nil {
		return err
	}
	return writeJSON(w, http.StatusOK, associationsResponse{Inbound: in, Outbound: out})
}

func (a *API) getSubscriber(w http.ResponseWriter, r *http.Request) error {
	id, err := subscriberID(r)
	if err != nil {
		return err
	}
	sub, err := a.svc.GetSubscriber(r.Context(), id)
	if err != nil {
		return err
	}
	s, err := a.svc.StreamByID(r.Context(), sub.StreamID)
	if err != nil {
		return err
	}
	return writeJSON(w, http.StatusOK, subscriberView{
		SubscriberID:    sub.ID,
		StreamID:        s.ExternalID,
		StreamName:      s.Name,
		ConnectionRef:   sub.ConnectionRef,
		CallbackRef:     sub.CallbackRef,
		LastDeliveredID: sub.LastDeliveredID,
		RequestedFromID: sub.RequestedFromID,
		RequestedToID:   sub.RequestedToID,
		CreatedAt:       sub.CreatedAt,
	})
}

func (a *API) unsubscribe(w http.ResponseWriter, r *http.Request) error {
	id, err := subscriberID(r)
	if err != nil {
		return err
	}
	var req unsubscribeRequest
	if err := readBody(r, &req); err != nil {
		return err
	}
	if err := a.svc.Unsubscribe(r.Context(), id, req.SubscriberKey); err != nil {
		return err
	}
	return writeJSON(w, http.StatusNoContent, nil)
}

func (a *API) updateWindow(w http.ResponseWriter, r *http.Request) error {
	id, err := subscriberID(r)
	if err != nil {
		return err
	}
	var req windowRequest
	if err := readBody(r, &req); err != nil {
		return err
	}
	if err := a.svc.UpdateWindow(r.Context(), id, req.SubscriberKey, req.FromID, req.ToID); err != nil {
		return err
	}
	return writeJSON(w, http.StatusNoContent, nil)
}

func (a *API) listProcessors(w http.ResponseWriter, r *http.Request) error {
	return writeJSON(w, http.StatusOK, processorsResponse{Processors: a.processors.Status()})
}

func (a *API) startProcessor(w http.ResponseWriter, r *http.Request) error {
	return a.controlProcessor(w, r, a.processors.Start)
}

func (a *API) stopProcessor(w http.ResponseWriter, r *http.Request) error {
	return a.controlProcessor(w, r, a.processors.Stop)
}

func (a *API) controlProcessor(w http.ResponseWriter, r *http.Request, action func(string) error) error {
	name := r.PathValue("name")
	if err := action(name); err != nil {
		return err
	}
	st, err := a.processors.Get(name)
	if err != nil {
		return err
	}
	a.logger.InfoContext(r.Context(), "processor state changed",
		logger.Processor(name),
		slog.Bool("running", st.Running))
	return writeJSON(w, http.StatusOK, st)
}

func (a *API) viewAssociations(ctx context.Context, edges []stream.Association) ([]associationView, error) {
	cache := make(map[int64]streamRefView)
	ref := func(id int64) (streamRefView, error) {
		if v, ok := cache[id]; ok {
			return v, nil
		}
		s, err := a.svc.StreamByID(ctx, id)
		if err != nil {
			return streamRefView{}, err
		}
		v := streamRefView{StreamID: s.ExternalID, Name: s.Name}
		cache[id] = v
		return v, nil
	}

	out := make([]associationView, 0, len(edges))
	for _, e := range edges {
		target, err := ref(e.TargetStreamID)
		if err != nil {
			return nil, err
		}
		source, err := ref(e.SourceStreamID)
		if err != nil {
			return nil, err
		}
		out = append(out, associationView{
			Target:       target,
			Source:       source,
			SourceCursor: e.SourceCursor,
			CreatedAt:    e.CreatedAt,
		})
	}
	return out, nil
}

// streamRef reads the {stream} path value: a UUID addresses the external id,
// anything else the name.
func streamRef(r *http.Request) service.StreamRef {
	v := r.PathValue("stream")
	if id, err := uuid.Parse(v); err == nil {
		return service.StreamRef{ExternalID: id}
	}
	return service.StreamRef{Name: v}
}

func subscriberID(r *http.Request) (uuid.UUID, error) {
	id, err := uuid.Parse(r.PathValue("subscriber"))
	if err != nil {
		return uuid.Nil, badRequest("subscriber id must be a UUID")
	}
	return id, nil
}

func readBody(r *http.Request, v any) error {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes+1))
	if err != nil {
		return badRequest("failed to read request body")
	}
	if len(body) > maxBodyBytes {
		return HTTPError{Status: http.StatusRequestEntityTooLarge, Code: "body_too_large", Message: "request body too large"}
	}
	return decodeBody(body, v)
}

func parseTime(v string) (time.Time, error) {
	if v == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339, v)
}

func parseInt(v string) (int, error) {
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err == nil && n < 0 {
		err = errors.New("negative")
	}
	return n, err
}

func parseInt64(v string) (int64, error) {
	if v == "" {
		return 0, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err == nil && n < 0 {
		err = errors.New("negative")
	}
	return n, err
}
