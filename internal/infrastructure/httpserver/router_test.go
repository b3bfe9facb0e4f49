package httpserver_test

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lllypuk/matreq/internal/infrastructure/httpserver"
)

// headerMiddleware marks responses so tests can see which groups a route passed through.
func headerMiddleware(name string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			c.Response().Header().Add("X-Passed", name)
			return next(c)
		}
	}
}

func rejectAll(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		return c.NoContent(http.StatusUnauthorized)
	}
}

func serve(e *echo.Echo, method, path string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(method, path, nil))
	return rec
}

func ok(c echo.Context) error { return c.NoContent(http.StatusOK) }

func TestDefaultRouterConfig(t *testing.T) {
	config := httpserver.DefaultRouterConfig()

	assert.NotNil(t, config.Logger)
	assert.Equal(t, "/api/v1", config.APIPrefix)
	assert.Equal(t, []string{"*"}, config.CORSConfig.AllowOrigins)
}

func TestNewRouter_Defaults(t *testing.T) {
	router := httpserver.NewRouter(echo.New(), httpserver.RouterConfig{})

	require.NotNil(t, router)
	router.Public().GET("/ping", ok)
	router.Auth().GET("/me", ok)

	assert.Equal(t, http.StatusOK, serve(router.Echo(), http.MethodGet, "/api/v1/ping").Code)
	assert.Equal(t, http.StatusOK, serve(router.Echo(), http.MethodGet, "/api/v1/me").Code,
		"without auth middleware authenticated routes are public")
}

func TestRouter_Groups(t *testing.T) {
	config := httpserver.DefaultRouterConfig()
	config.AuthMiddleware = headerMiddleware("auth")
	config.WriteRateLimitMiddleware = headerMiddleware("ratelimit")
	config.StreamAuthMiddleware = headerMiddleware("stream")
	router := httpserver.NewRouter(echo.New(), config)

	router.Public().GET("/public", ok)
	router.Auth().GET("/sync/:kind", ok)
	router.Writes().PUT("/:kind/:id", ok)
	router.Stream().GET("/ws", ok)

	tests := []struct {
		method string
		path   string
		passed []string
	}{
		{http.MethodGet, "/api/v1/public", nil},
		{http.MethodGet, "/api/v1/sync/User", []string{"auth"}},
		{http.MethodPut, "/api/v1/User/u-1", []string{"auth", "ratelimit"}},
		{http.MethodGet, "/api/v1/ws", []string{"stream"}},
	}

	for _, tt := range tests {
		t.Run(tt.method+" "+tt.path, func(t *testing.T) {
			rec := serve(router.Echo(), tt.method, tt.path)

			assert.Equal(t, http.StatusOK, rec.Code)
			assert.Equal(t, tt.passed, rec.Header().Values("X-Passed"))
			assert.NotEmpty(t, rec.Header().Get("X-Request-ID"), "global logging middleware applies")
		})
	}
}

func TestRouter_AuthRejects(t *testing.T) {
	config := httpserver.DefaultRouterConfig()
	config.AuthMiddleware = rejectAll
	router := httpserver.NewRouter(echo.New(), config)
	router.Writes().DELETE("/:kind/:id", ok)
	router.Stream().GET("/ws", ok)

	assert.Equal(t, http.StatusUnauthorized, serve(router.Echo(), http.MethodDelete, "/api/v1/User/u-1").Code)
	assert.Equal(t, http.StatusOK, serve(router.Echo(), http.MethodGet, "/api/v1/ws").Code,
		"the stream group does not use the strict auth middleware")
}

func TestRouter_RecoversPanics(t *testing.T) {
	router := httpserver.NewRouter(echo.New(), httpserver.DefaultRouterConfig())
	router.Public().GET("/panic", func(echo.Context) error { panic("boom") })

	rec := serve(router.Echo(), http.MethodGet, "/api/v1/panic")

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, rec.Body.String(), "INTERNAL_ERROR")
}

type testRegistrar struct {
	path string
}

func (r testRegistrar) RegisterRoutes(router *httpserver.Router) {
	router.Public().GET(r.path, ok)
}

func TestRouter_RegisterAll(t *testing.T) {
	router := httpserver.NewRouter(echo.New(), httpserver.DefaultRouterConfig())

	router.RegisterAll(testRegistrar{path: "/a"}, testRegistrar{path: "/b"})
	router.PrintRoutes()

	assert.Equal(t, http.StatusOK, serve(router.Echo(), http.MethodGet, "/api/v1/a").Code)
	assert.Equal(t, http.StatusOK, serve(router.Echo(), http.MethodGet, "/api/v1/b").Code)
}

func TestRouter_MetricsEndpoint(t *testing.T) {
	registry := prometheus.NewRegistry()
	counter := prometheus.NewCounter(prometheus.CounterOpts{Name: "router_test_hits_total"})
	registry.MustRegister(counter)
	counter.Inc()

	router := httpserver.NewRouter(echo.New(), httpserver.DefaultRouterConfig())
	router.RegisterMetricsEndpoint(registry)

	rec := serve(router.Echo(), http.MethodGet, "/metrics")

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "router_test_hits_total 1")
	assert.NotContains(t, rec.Body.String(), "go_goroutines")
}

func TestRouter_MetricsEndpoint_DefaultRegistry(t *testing.T) {
	router := httpserver.NewRouter(echo.New(), httpserver.DefaultRouterConfig())
	router.RegisterMetricsEndpoint(nil)

	rec := serve(router.Echo(), http.MethodGet, "/metrics")

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}
