package httpapi_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/dmitrymomot/eventstream/core/httpapi"
	"github.com/dmitrymomot/eventstream/core/service"
	"github.com/dmitrymomot/eventstream/core/stream"
	"github.com/dmitrymomot/eventstream/core/supervisor"
)

type apiEnv struct {
	svc *service.Service
	srv *httptest.Server
	sup *supervisor.Supervisor
}

type idleUnit struct{}

func (idleUnit) Start(ctx context.Context) error {
	<-ctx.Done()
	return ctx.Err()
}

func newAPI(t *testing.T) *apiEnv {
	t.Helper()
	store := stream.NewStore(stream.NewMemoryRepository(), nil)
	svc := service.New(store, nil, service.WithBcryptCost(bcrypt.MinCost))

	sup := supervisor.New()
	require.NoError(t, sup.Register("fanout", idleUnit{}, true))
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { _ = sup.Run(ctx) }()
	require.Eventually(t, func() bool {
		st, _ := sup.Get("fanout")
		return st.Running
	}, time.Second, 5*time.Millisecond)

	api := httpapi.New(svc, httpapi.WithProcessors(sup))
	srv := httptest.NewServer(api.Handler())
	t.Cleanup(srv.Close)
	return &apiEnv{svc: svc, srv: srv, sup: sup}
}

func (e *apiEnv) do(t *testing.T, method, path string, body any) (int, []byte) {
	t.Helper()
	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		r = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, e.srv.URL+path, r)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	out, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, out
}

func decode[T any](t *testing.T, b []byte) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(b, &v), string(b))
	return v
}

type streamOut struct {
	StreamID    string `json:"stream_id"`
	Name        string `json:"name"`
	MergeCursor int64  `json:"merge_cursor"`
}

type eventOut struct {
	OrderID  int64           `json:"order_id"`
	PublicID string          `json:"public_id"`
	Type     string          `json:"type"`
	Payload  json.RawMessage `json:"payload"`
}

type errOut struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func TestAPI_PublishAndQueryEvents(t *testing.T) {
	t.Parallel()
	e := newAPI(t)

	code, body := e.do(t, http.MethodPost, "/api/streams/orders/events", map[string]any{
		"events": []map[string]any{
			{"type": "order.placed", "payload": map[string]int{"id": 1}},
			{"type": "order.paid", "payload": map[string]int{"id": 1}},
		},
	})
	require.Equal(t, http.StatusCreated, code, string(body))
	published := decode[[]eventOut](t, body)
	require.Len(t, published, 2)

	code, body = e.do(t, http.MethodGet, "/api/streams/orders/events?type=order.paid", nil)
	require.Equal(t, http.StatusOK, code)
	paid := decode[[]eventOut](t, body)
	require.Len(t, paid, 1)
	assert.JSONEq(t, `{"id":1}`, string(paid[0].Payload))

	code, body = e.do(t, http.MethodGet, "/api/streams/orders/events?after_id="+strconv.FormatInt(published[0].OrderID, 10), nil)
	require.Equal(t, http.StatusOK, code)
	assert.Len(t, decode[[]eventOut](t, body), 1)

	code, body = e.do(t, http.MethodGet, "/api/streams/orders/events/"+published[1].PublicID, nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "order.paid", decode[eventOut](t, body).Type)

	code, _ = e.do(t, http.MethodGet, "/api/streams/orders/events/not-a-uuid", nil)
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = e.do(t, http.MethodGet, "/api/streams/orders/events?limit=abc", nil)
	assert.Equal(t, http.StatusBadRequest, code)

	code, body = e.do(t, http.MethodPost, "/api/streams/orders/events", map[string]any{"events": []any{}})
	require.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "empty_batch", decode[errOut](t, body).Code)
}

func TestAPI_Streams(t *testing.T) {
	t.Parallel()
	e := newAPI(t)
	ctx := context.Background()

	_, err := e.svc.Publish(ctx, "orders", []stream.Event{{Type: "x"}})
	require.NoError(t, err)
	_, err = e.svc.Publish(ctx, "invoices", []stream.Event{{Type: "x"}})
	require.NoError(t, err)

	code, body := e.do(t, http.MethodGet, "/api/streams?name=ORD", nil)
	require.Equal(t, http.StatusOK, code)
	found := decode[[]streamOut](t, body)
	require.Len(t, found, 1)
	assert.Equal(t, "orders", found[0].Name)

	code, body = e.do(t, http.MethodGet, "/api/streams/"+found[0].StreamID, nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "orders", decode[streamOut](t, body).Name)

	code, body = e.do(t, http.MethodGet, "/api/streams/ghost", nil)
	require.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, "stream_not_found", decode[errOut](t, body).Code)

	code, body = e.do(t, http.MethodPatch, "/api/streams/orders", map[string]string{"name": "purchases"})
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "purchases", decode[streamOut](t, body).Name)

	code, _ = e.do(t, http.MethodPatch, "/api/streams/purchases", map[string]string{"name": "Invoices"})
	assert.Equal(t, http.StatusConflict, code)

	code, _ = e.do(t, http.MethodPatch, "/api/streams/purchases", nil)
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = e.do(t, http.MethodDelete, "/api/streams/purchases", nil)
	assert.Equal(t, http.StatusNoContent, code)
	code, _ = e.do(t, http.MethodGet, "/api/streams/purchases", nil)
	assert.Equal(t, http.StatusNotFound, code)
}

func TestAPI_Associate(t *testing.T) {
	t.Parallel()
	e := newAPI(t)
	ctx := context.Background()

	for _, n := range []string{"a", "b"} {
		_, err := e.svc.Publish(ctx, n, []stream.Event{{Type: "x"}})
		require.NoError(t, err)
	}

	req := map[string]any{
		"target":        map[string]string{"name": "all"},
		"create_target": true,
		"sources":       []map[string]string{{"name": "a"}, {"name": "b"}},
	}
	code, body := e.do(t, http.MethodPost, "/api/streams/associate", req)
	require.Equal(t, http.StatusCreated, code, string(body))

	type edgeOut struct {
		Source streamOut `json:"source"`
	}
	type assocOut struct {
		Target   streamOut         `json:"target"`
		Created  []edgeOut         `json:"created"`
		Existing []json.RawMessage `json:"existing"`
	}
	res := decode[assocOut](t, body)
	assert.Equal(t, "all", res.Target.Name)
	require.Len(t, res.Created, 2)
	assert.Equal(t, "a", res.Created[0].Source.Name)

	code, body = e.do(t, http.MethodPost, "/api/streams/associate", req)
	require.Equal(t, http.StatusOK, code)
	assert.Len(t, decode[assocOut](t, body).Existing, 2)

	code, body = e.do(t, http.MethodGet, "/api/streams/a/associations", nil)
	require.Equal(t, http.StatusOK, code)
	var edges struct {
		Inbound  []json.RawMessage `json:"inbound"`
		Outbound []json.RawMessage `json:"outbound"`
	}
	require.NoError(t, json.Unmarshal(body, &edges))
	assert.Empty(t, edges.Inbound)
	assert.Len(t, edges.Outbound, 1)

	code, body = e.do(t, http.MethodPost, "/api/streams/associate", map[string]any{
		"target":  map[string]string{"name": "a"},
		"sources": []map[string]string{{"name": "all"}},
	})
	require.Equal(t, http.StatusConflict, code)
	assert.Equal(t, "association_cycle", decode[errOut](t, body).Code)

	code, _ = e.do(t, http.MethodPost, "/api/streams/associate", map[string]any{
		"target": map[string]string{"name": "a"},
	})
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestAPI_Subscribers(t *testing.T) {
	t.Parallel()
	e := newAPI(t)
	ctx := context.Background()

	sub, err := e.svc.Subscribe(ctx, service.SubscribeRequest{StreamName: "orders", ConnectionRef: "conn-1"})
	require.NoError(t, err)
	path := "/api/subscribers/" + sub.SubscriberID.String()

	code, body := e.do(t, http.MethodGet, path, nil)
	require.Equal(t, http.StatusOK, code)
	assert.NotContains(t, string(body), "key")
	var view struct {
		StreamName    string `json:"stream_name"`
		ConnectionRef string `json:"connection_ref"`
	}
	require.NoError(t, json.Unmarshal(body, &view))
	assert.Equal(t, "orders", view.StreamName)
	assert.Equal(t, "conn-1", view.ConnectionRef)

	code, _ = e.do(t, http.MethodPut, path+"/window", map[string]any{"subscriber_key": "bad", "from_id": 1})
	assert.Equal(t, http.StatusForbidden, code)

	code, _ = e.do(t, http.MethodPut, path+"/window", map[string]any{"subscriber_key": sub.Key, "from_id": 3})
	assert.Equal(t, http.StatusNoContent, code)

	stored, err := e.svc.GetSubscriber(ctx, sub.SubscriberID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), stored.RequestedFromID)

	code, _ = e.do(t, http.MethodDelete, path, map[string]any{"subscriber_key": sub.Key})
	assert.Equal(t, http.StatusNoContent, code)
	code, _ = e.do(t, http.MethodGet, path, nil)
	assert.Equal(t, http.StatusNotFound, code)

	code, _ = e.do(t, http.MethodGet, "/api/subscribers/nope", nil)
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestAPI_Processors(t *testing.T) {
	t.Parallel()
	e := newAPI(t)

	code, body := e.do(t, http.MethodGet, "/api/processors", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Contains(t, string(body), `"name":"fanout"`)

	code, body = e.do(t, http.MethodPost, "/api/processors/fanout/stop", nil)
	require.Equal(t, http.StatusOK, code, string(body))
	assert.Contains(t, string(body), `"running":false`)

	code, _ = e.do(t, http.MethodPost, "/api/processors/fanout/stop", nil)
	assert.Equal(t, http.StatusConflict, code)

	code, body = e.do(t, http.MethodPost, "/api/processors/fanout/start", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Contains(t, string(body), `"running":true`)

	code, _ = e.do(t, http.MethodPost, "/api/processors/ghost/start", nil)
	assert.Equal(t, http.StatusNotFound, code)
}
