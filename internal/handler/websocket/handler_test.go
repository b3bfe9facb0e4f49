package websocket_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lllypuk/matreq/internal/domain/access"
	"github.com/lllypuk/matreq/internal/domain/change"
	"github.com/lllypuk/matreq/internal/gateway"
	wshandler "github.com/lllypuk/matreq/internal/handler/websocket"
	"github.com/lllypuk/matreq/internal/infrastructure/httpserver"
	ws "github.com/lllypuk/matreq/internal/infrastructure/websocket"
	"github.com/lllypuk/matreq/internal/middleware"
)

// mockTokenValidator accepts exactly one token.
type mockTokenValidator struct {
	token  string
	claims *middleware.TokenClaims
}

func (m *mockTokenValidator) ValidateToken(_ context.Context, token string) (*middleware.TokenClaims, error) {
	if token != m.token {
		return nil, middleware.ErrInvalidToken
	}
	return m.claims, nil
}

func runHub(t *testing.T) *ws.Hub {
	t.Helper()

	hub := ws.NewHub(gateway.New(gateway.DefaultPolicy()))
	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)
	t.Cleanup(cancel)
	require.Eventually(t, hub.IsRunning, time.Second, 5*time.Millisecond)
	return hub
}

// newServer mounts the handler behind the optional auth middleware the API uses.
func newServer(t *testing.T, handler *wshandler.Handler) string {
	t.Helper()

	validator := &mockTokenValidator{
		token: "valid-token",
		claims: &middleware.TokenClaims{
			UserID:   "u-1",
			Username: "alice",
			Role:     access.RoleEmployee,
		},
	}
	cfg := middleware.DefaultAuthConfig()
	cfg.TokenValidator = validator
	cfg.Optional = true
	cfg.QueryParam = "token"

	e := echo.New()
	handler.Mount(e.Group(""), middleware.Auth(cfg))

	server := httptest.NewServer(e)
	t.Cleanup(server.Close)
	return "ws" + strings.TrimPrefix(server.URL, "http") + "/ws"
}

func dial(t *testing.T, url string, header http.Header) *websocket.Conn {
	t.Helper()

	conn, resp, err := websocket.DefaultDialer.Dial(url, header)
	require.NoError(t, err)
	assert.Equal(t, http.StatusSwitchingProtocols, resp.StatusCode)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func roundTrip(t *testing.T, conn *websocket.Conn, frame map[string]any) ws.Message {
	t.Helper()

	require.NoError(t, conn.WriteJSON(frame))
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(time.Second)))
	var msg ws.Message
	require.NoError(t, conn.ReadJSON(&msg))
	return msg
}

func TestNewHandler_FillsDefaults(t *testing.T) {
	handler := wshandler.NewHandler(runHub(t), wshandler.HandlerConfig{})

	conn := dial(t, newServer(t, handler)+"?token=valid-token", nil)
	assert.Equal(t, ws.TypePong, roundTrip(t, conn, map[string]any{"type": "ping"}).Type)
}

func TestHandler_CheckOrigin(t *testing.T) {
	config := wshandler.DefaultHandlerConfig()
	config.CheckOrigin = func(r *http.Request) bool {
		return r.Header.Get("Origin") == "https://plant.example"
	}
	url := newServer(t, wshandler.NewHandler(runHub(t), config))

	header := http.Header{}
	header.Set("Origin", "https://elsewhere.example")
	_, resp, err := websocket.DefaultDialer.Dial(url+"?token=valid-token", header)
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	header.Set("Origin", "https://plant.example")
	dial(t, url+"?token=valid-token", header)
}

func TestDefaultHandlerConfig(t *testing.T) {
	config := wshandler.DefaultHandlerConfig()

	assert.Equal(t, 1024, config.ReadBufferSize)
	assert.Equal(t, 1024, config.WriteBufferSize)
	assert.Nil(t, config.CheckOrigin)
	assert.NotNil(t, config.Logger)
	assert.Equal(t, ws.DefaultClientConfig(), config.ClientConfig)
	assert.True(t, config.AllowAnonymous)
}

func TestHandler_Stream(t *testing.T) {
	t.Run("bearer header attaches the principal", func(t *testing.T) {
		hub := runHub(t)
		url := newServer(t, wshandler.NewHandler(hub, wshandler.DefaultHandlerConfig()))

		header := http.Header{}
		header.Set("Authorization", "Bearer valid-token")
		conn := dial(t, url, header)

		ack := roundTrip(t, conn, map[string]any{"type": "subscribe", "entity_kind": change.KindMaterialRequest})
		assert.Equal(t, ws.TypeAck, ack.Type)
		assert.Equal(t, 1, hub.SubscriberCount(change.KindMaterialRequest))
	})

	t.Run("query token attaches the principal", func(t *testing.T) {
		hub := runHub(t)
		conn := dial(t, newServer(t, wshandler.NewHandler(hub, wshandler.DefaultHandlerConfig()))+"?token=valid-token", nil)

		ack := roundTrip(t, conn, map[string]any{"type": "subscribe", "entity_kind": change.KindItemGroup})
		assert.Equal(t, ws.TypeAck, ack.Type)
	})

	t.Run("capabilities of the principal apply", func(t *testing.T) {
		hub := runHub(t)
		conn := dial(t, newServer(t, wshandler.NewHandler(hub, wshandler.DefaultHandlerConfig()))+"?token=valid-token", nil)

		frame := roundTrip(t, conn, map[string]any{"type": "subscribe", "entity_kind": change.KindUser})
		assert.Equal(t, ws.TypeAck, frame.Type, "employees may view themselves")
	})

	t.Run("anonymous connection is kept but cannot subscribe", func(t *testing.T) {
		hub := runHub(t)
		conn := dial(t, newServer(t, wshandler.NewHandler(hub, wshandler.DefaultHandlerConfig())), nil)

		frame := roundTrip(t, conn, map[string]any{"type": "subscribe", "entity_kind": change.KindItemGroup})
		assert.Equal(t, ws.TypeError, frame.Type)
		assert.Equal(t, ws.CodeUnauthorized, frame.Code)

		assert.Equal(t, ws.TypePong, roundTrip(t, conn, map[string]any{"type": "ping"}).Type)
	})

	t.Run("anonymous connection is refused when disallowed", func(t *testing.T) {
		config := wshandler.DefaultHandlerConfig()
		config.AllowAnonymous = false
		handler := wshandler.NewHandler(runHub(t), config)

		e := echo.New()
		rec := httptest.NewRecorder()
		c := e.NewContext(httptest.NewRequest(http.MethodGet, "/ws", nil), rec)

		require.NoError(t, handler.Stream(c))
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("invalid token is rejected before upgrade", func(t *testing.T) {
		url := newServer(t, wshandler.NewHandler(runHub(t), wshandler.DefaultHandlerConfig()))

		_, resp, err := websocket.DefaultDialer.Dial(url+"?token=forged", nil)

		require.ErrorIs(t, err, websocket.ErrBadHandshake)
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	})
}

func TestHandler_RegisterRoutes(t *testing.T) {
	e := echo.New()
	router := httpserver.NewRouter(e, httpserver.DefaultRouterConfig())

	router.RegisterAll(wshandler.NewHandler(runHub(t), wshandler.DefaultHandlerConfig()))

	assert.True(t, hasRoute(e, "/api/v1"+wshandler.StreamPath))
}

func hasRoute(e *echo.Echo, path string) bool {
	for _, r := range e.Routes() {
		if r.Path == path && r.Method == http.MethodGet {
			return true
		}
	}
	return false
}

func TestHandler_ConnectionLifecycle(t *testing.T) {
	hub := runHub(t)
	url := newServer(t, wshandler.NewHandler(hub, wshandler.DefaultHandlerConfig()))

	conn, _, err := websocket.DefaultDialer.Dial(url+"?token=valid-token", nil)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, time.Second, 10*time.Millisecond)
	assert.Equal(t, ws.TypePong, roundTrip(t, conn, map[string]any{"type": "ping"}).Type)

	conn.Close()

	require.Eventually(t, func() bool { return hub.ClientCount() == 0 }, time.Second, 10*time.Millisecond)
}
