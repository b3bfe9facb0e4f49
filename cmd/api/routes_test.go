package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	gws "github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lllypuk/matreq/internal/config"
	"github.com/lllypuk/matreq/internal/domain/access"
	"github.com/lllypuk/matreq/internal/domain/change"
	"github.com/lllypuk/matreq/internal/domain/errs"
	"github.com/lllypuk/matreq/internal/domain/material"
	httphandler "github.com/lllypuk/matreq/internal/handler/http"
	wshandler "github.com/lllypuk/matreq/internal/handler/websocket"
	"github.com/lllypuk/matreq/internal/infrastructure/auth"
	"github.com/lllypuk/matreq/internal/infrastructure/eventbus"
	"github.com/lllypuk/matreq/internal/infrastructure/httpserver"
	"github.com/lllypuk/matreq/internal/infrastructure/websocket"
	"github.com/lllypuk/matreq/internal/publisher"
)

const (
	testSecret    = "a-test-secret-that-is-long-enough-for-hs256"
	streamTimeout = 5 * time.Second
)

// publishingRepo is an in-memory repository that publishes committed writes
// the way the MongoDB repositories do.
type publishingRepo[T material.Aggregate] struct {
	pub *publisher.Publisher

	mu     sync.Mutex
	values map[string]T
}

func newPublishingRepo[T material.Aggregate](pub *publisher.Publisher) *publishingRepo[T] {
	return &publishingRepo[T]{pub: pub, values: make(map[string]T)}
}

func (r *publishingRepo[T]) List(context.Context) ([]T, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]T, 0, len(r.values))
	for _, v := range r.values {
		out = append(out, v)
	}
	return out, nil
}

func (r *publishingRepo[T]) FindByID(_ context.Context, id string) (T, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	v, ok := r.values[id]
	if !ok {
		var zero T
		return zero, errs.ErrNotFound
	}
	return v, nil
}

func (r *publishingRepo[T]) Save(ctx context.Context, actorID string, v T) error {
	if err := v.Validate(); err != nil {
		return errs.ErrInvalidInput
	}
	r.mu.Lock()
	_, existed := r.values[v.AggregateID()]
	r.values[v.AggregateID()] = v
	r.mu.Unlock()

	eventType := change.EventCreated
	if existed {
		eventType = change.EventUpdated
	}
	doc, err := material.ToDocument(v)
	if err != nil {
		return err
	}
	return r.pub.Publish(ctx, v.Kind(), eventType, actorID, doc)
}

func (r *publishingRepo[T]) SaveMany(ctx context.Context, actorID string, values []T) error {
	for _, v := range values {
		if err := r.Save(ctx, actorID, v); err != nil {
			return err
		}
	}
	return nil
}

func (r *publishingRepo[T]) Delete(ctx context.Context, actorID, id string) (T, error) {
	r.mu.Lock()
	v, ok := r.values[id]
	delete(r.values, id)
	r.mu.Unlock()
	if !ok {
		var zero T
		return zero, errs.ErrNotFound
	}
	doc, err := material.ToDocument(v)
	if err != nil {
		return v, err
	}
	return v, r.pub.Publish(ctx, v.Kind(), change.EventDeleted, actorID, doc)
}

// newStreamContainer wires the change stream on the in-memory bus. Storage is
// in memory and no external service is needed.
func newStreamContainer(t *testing.T) *Container {
	t.Helper()

	cfg := config.DefaultConfig()
	cfg.Log.Level = "info"
	cfg.EventBus.Type = config.EventBusInMemory

	c := &Container{
		Config:     cfg,
		Logger:     quietLogger(),
		Registerer: prometheus.NewRegistry(),
	}
	c.setupMetrics()
	c.EventBus = eventbus.NewInMemoryEventBus(c.Logger)
	c.setupPublisher()
	c.setupHub()

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(func() {
		cancel()
		_ = c.Close()
	})
	require.NoError(t, c.setupBroadcaster(ctx))

	tokens, err := auth.NewTokenService(testSecret, auth.WithLogger(c.Logger))
	require.NoError(t, err)
	c.TokenService = tokens
	c.TokenValidator = tokens

	handler, err := httphandler.NewSyncHandler(c.Gateway.Policy(), []httphandler.KindStore{
		httphandler.NewTypedStore[*material.MaterialRequest](
			newPublishingRepo[*material.MaterialRequest](c.Publisher),
			func() *material.MaterialRequest { return &material.MaterialRequest{} }),
		httphandler.NewTypedStore[*material.ItemGroup](
			newPublishingRepo[*material.ItemGroup](c.Publisher),
			func() *material.ItemGroup { return &material.ItemGroup{} }),
	}, httphandler.WithSyncLogger(c.Logger))
	require.NoError(t, err)
	c.SyncHandler = handler
	c.WSHandler = wshandler.NewHandler(c.Hub, c.websocketHandlerConfig())

	c.StartHub(ctx)
	require.NoError(t, c.StartEventBus(ctx))
	require.Eventually(t, c.Hub.IsRunning, streamTimeout, 10*time.Millisecond)

	return c
}

func newEcho() *echo.Echo {
	return httpserver.NewServer(httpserver.DefaultServerConfig(), quietLogger()).Echo()
}

func issue(t *testing.T, c *Container, userID string, role access.Role) string {
	t.Helper()
	token, err := c.TokenService.Issue(context.Background(), userID, userID, role)
	require.NoError(t, err)
	return token
}

func dialStream(t *testing.T, server *httptest.Server, token string) *gws.Conn {
	t.Helper()
	header := http.Header{}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}
	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/api/v1/ws"
	conn, resp, err := gws.DefaultDialer.Dial(url, header)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *gws.Conn) websocket.Message {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(streamTimeout)))
	var msg websocket.Message
	require.NoError(t, conn.ReadJSON(&msg))
	return msg
}

func subscribe(t *testing.T, conn *gws.Conn, kind change.Kind) websocket.Message {
	t.Helper()
	require.NoError(t, conn.WriteJSON(websocket.ClientMessage{Type: "subscribe", EntityKind: kind}))
	return readFrame(t, conn)
}

func putRequest(t *testing.T, server *httptest.Server, token string, req *material.MaterialRequest) int {
	t.Helper()
	body, err := json.Marshal(req)
	require.NoError(t, err)

	httpReq, err := http.NewRequestWithContext(context.Background(), http.MethodPut,
		server.URL+"/api/v1/MaterialRequest/"+req.ID, strings.NewReader(string(body)))
	require.NoError(t, err)
	httpReq.Header.Set("Content-Type", "application/json")
	if token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := http.DefaultClient.Do(httpReq)
	require.NoError(t, err)
	defer resp.Body.Close()
	return resp.StatusCode
}

func newRequest(id, requester string) *material.MaterialRequest {
	return &material.MaterialRequest{
		ID:          id,
		Title:       "Request " + id,
		RequesterID: requester,
		Status:      material.StatusDraft,
		Items:       []material.LineItem{{ID: id + "-i1", Name: "Bolt", Quantity: 4}},
	}
}

func TestSetupRoutes_RegistersEndpoints(t *testing.T) {
	c := newStreamContainer(t)
	e := SetupRoutes(c, newEcho()).Echo()

	registered := map[string]bool{}
	for _, route := range e.Routes() {
		registered[route.Method+" "+route.Path] = true
	}

	for _, want := range []string{
		"GET /health",
		"GET /ready",
		"GET /health/details",
		"GET /metrics",
		"GET /api/v1/ws",
		"GET /api/v1/sync/:kind",
		"PUT /api/v1/:kind/:id",
		"POST /api/v1/:kind/batch",
		"DELETE /api/v1/:kind/:id",
	} {
		assert.True(t, registered[want], want)
	}
}

func TestSetupRoutes_HealthEndpoints(t *testing.T) {
	c := newStreamContainer(t)
	e := SetupRoutes(c, newEcho()).Echo()

	tests := []struct {
		path string
		want int
	}{
		{"/health", http.StatusOK},
		{"/ready", http.StatusServiceUnavailable},
		{"/health/details", http.StatusServiceUnavailable},
		{"/metrics", http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			rec := httptest.NewRecorder()
			e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, tt.path, nil))
			assert.Equal(t, tt.want, rec.Code)
		})
	}
}

func TestSetupRoutes_WritesRequireCredential(t *testing.T) {
	c := newStreamContainer(t)
	server := httptest.NewServer(SetupRoutes(c, newEcho()).Echo())
	t.Cleanup(server.Close)

	assert.Equal(t, http.StatusUnauthorized, putRequest(t, server, "", newRequest("r-1", "u-1")))
	assert.Equal(t, http.StatusUnauthorized, putRequest(t, server, "forged", newRequest("r-1", "u-1")))
}

func TestSetupRoutes_AnonymousStreamCannotSubscribe(t *testing.T) {
	c := newStreamContainer(t)
	server := httptest.NewServer(SetupRoutes(c, newEcho()).Echo())
	t.Cleanup(server.Close)

	conn := dialStream(t, server, "")
	frame := subscribe(t, conn, change.KindMaterialRequest)

	assert.Equal(t, "error", frame.Type)
	assert.Equal(t, websocket.CodeUnauthorized, frame.Code)
}

func TestSetupRoutes_WriteReachesAuthorizedSubscribers(t *testing.T) {
	c := newStreamContainer(t)
	server := httptest.NewServer(SetupRoutes(c, newEcho()).Echo())
	t.Cleanup(server.Close)

	managerToken := issue(t, c, "u-manager", access.RoleManager)
	writerToken := issue(t, c, "u-1", access.RoleEmployee)
	otherToken := issue(t, c, "u-3", access.RoleEmployee)

	manager := dialStream(t, server, managerToken)
	other := dialStream(t, server, otherToken)

	for _, conn := range []*gws.Conn{manager, other} {
		ack := subscribe(t, conn, change.KindMaterialRequest)
		require.Equal(t, "ack", ack.Type)
		require.Equal(t, "subscribed", ack.Action)
	}

	require.Equal(t, http.StatusOK, putRequest(t, server, writerToken, newRequest("r-1", "u-1")))
	require.Equal(t, http.StatusOK, putRequest(t, server, otherToken, newRequest("r-2", "u-3")))

	first := readFrame(t, manager)
	require.Equal(t, "change", first.Type)
	require.NotNil(t, first.Event)
	assert.Equal(t, change.KindMaterialRequest, first.Event.Kind)
	assert.Equal(t, change.EventCreated, first.Event.Type)
	assert.Equal(t, "u-1", first.Event.ActorID)
	assert.Equal(t, "r-1", first.Event.Aggregates()[0].ID())

	second := readFrame(t, manager)
	require.NotNil(t, second.Event)
	assert.Equal(t, "r-2", second.Event.Aggregates()[0].ID())

	// The other employee never sees r-1; its first frame is its own request.
	own := readFrame(t, other)
	require.NotNil(t, own.Event)
	assert.Equal(t, "r-2", own.Event.Aggregates()[0].ID())
}
