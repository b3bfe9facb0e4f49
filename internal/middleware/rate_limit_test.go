package middleware_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lllypuk/matreq/internal/domain/access"
	"github.com/lllypuk/matreq/internal/middleware"
	"github.com/lllypuk/matreq/tests/testutil"
)

func newLimitedEcho(t *testing.T, config middleware.RateLimitConfig, as *access.Principal) *echo.Echo {
	t.Helper()

	e := echo.New()
	if as != nil {
		e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
			return func(c echo.Context) error {
				c.Set(string(middleware.ContextKeyPrincipal), as)
				return next(c)
			}
		})
	}
	e.Use(middleware.RateLimit(config))
	e.GET("/test", func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})
	e.GET("/health", func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})
	return e
}

func hit(e *echo.Echo, path, remoteAddr string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	if remoteAddr != "" {
		req.RemoteAddr = remoteAddr
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func redisStore(t *testing.T) *middleware.RedisRateLimitStore {
	t.Helper()
	return middleware.NewRedisRateLimitStore(testutil.SetupTestRedis(t), "")
}

func TestDefaultRateLimitConfig(t *testing.T) {
	config := middleware.DefaultRateLimitConfig()

	assert.NotNil(t, config.Logger)
	assert.Equal(t, middleware.DefaultRateLimit, config.Limit)
	assert.Equal(t, middleware.DefaultRateLimitWindow, config.Window)
	assert.Equal(t, "api", config.Scope)
	assert.Contains(t, config.SkipPaths, "/health")
}

func TestRateLimit_NoStore(t *testing.T) {
	e := newLimitedEcho(t, middleware.RateLimitConfig{Limit: 1}, nil)

	for range 5 {
		assert.Equal(t, http.StatusOK, hit(e, "/test", "").Code)
	}
}

func TestRateLimit_ExceedsLimit(t *testing.T) {
	config := middleware.RateLimitConfig{Store: redisStore(t), Limit: 3, Window: time.Minute}
	e := newLimitedEcho(t, config, nil)

	for i := range 3 {
		rec := hit(e, "/test", "")
		require.Equal(t, http.StatusOK, rec.Code, "request %d", i+1)
		assert.Equal(t, "3", rec.Header().Get("X-Ratelimit-Limit"))
		assert.Equal(t, strconv.Itoa(2-i), rec.Header().Get("X-Ratelimit-Remaining"))
		assert.NotEmpty(t, rec.Header().Get("X-Ratelimit-Reset"))
	}

	rec := hit(e, "/test", "")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Contains(t, rec.Body.String(), "RATE_LIMIT_EXCEEDED")
	assert.Equal(t, "0", rec.Header().Get("X-Ratelimit-Remaining"))
	assert.Equal(t, "60", rec.Header().Get("Retry-After"))
}

func TestRateLimit_SkipPaths(t *testing.T) {
	config := middleware.DefaultRateLimitConfig()
	config.Store = redisStore(t)
	config.Limit = 1
	e := newLimitedEcho(t, config, nil)

	for range 5 {
		assert.Equal(t, http.StatusOK, hit(e, "/health", "").Code)
	}
}

func TestRateLimit_KeysByPrincipal(t *testing.T) {
	store := redisStore(t)
	config := middleware.RateLimitConfig{Store: store, Limit: 1, Window: time.Minute, Scope: "writes"}

	alice, err := access.NewPrincipal("u-alice", "alice", access.RoleEmployee)
	require.NoError(t, err)
	bob, err := access.NewPrincipal("u-bob", "bob", access.RoleEmployee)
	require.NoError(t, err)

	asAlice := newLimitedEcho(t, config, alice)
	asBob := newLimitedEcho(t, config, bob)

	assert.Equal(t, http.StatusOK, hit(asAlice, "/test", "10.0.0.1:1").Code)
	assert.Equal(t, http.StatusTooManyRequests, hit(asAlice, "/test", "10.0.0.2:1").Code,
		"the same user is limited across addresses")
	assert.Equal(t, http.StatusOK, hit(asBob, "/test", "10.0.0.1:1").Code)
}

func TestRateLimit_KeysAnonymousByIP(t *testing.T) {
	config := middleware.RateLimitConfig{Store: redisStore(t), Limit: 1, Window: time.Minute}
	e := newLimitedEcho(t, config, nil)

	assert.Equal(t, http.StatusOK, hit(e, "/test", "10.0.0.1:1").Code)
	assert.Equal(t, http.StatusTooManyRequests, hit(e, "/test", "10.0.0.1:1").Code)
	assert.Equal(t, http.StatusOK, hit(e, "/test", "10.0.0.2:1").Code)
}

func TestRateLimit_CustomKeyFunc(t *testing.T) {
	config := middleware.RateLimitConfig{
		Store:   redisStore(t),
		Limit:   1,
		Window:  time.Minute,
		KeyFunc: func(echo.Context) string { return "global" },
	}
	e := newLimitedEcho(t, config, nil)

	assert.Equal(t, http.StatusOK, hit(e, "/test", "10.0.0.1:1").Code)
	assert.Equal(t, http.StatusTooManyRequests, hit(e, "/test", "10.0.0.2:1").Code)
}

func TestRateLimit_StoreFailureLetsRequestsThrough(t *testing.T) {
	client, server := testutil.SetupTestRedisServer(t)
	config := middleware.RateLimitConfig{
		Store: middleware.NewRedisRateLimitStore(client, ""),
		Limit: 1,
	}
	e := newLimitedEcho(t, config, nil)
	server.Close()

	for range 3 {
		assert.Equal(t, http.StatusOK, hit(e, "/test", "").Code)
	}
}

func TestRedisRateLimitStore(t *testing.T) {
	client, server := testutil.SetupTestRedisServer(t)
	store := middleware.NewRedisRateLimitStore(client, "")
	ctx := context.Background()

	first, err := store.Hit(ctx, "writes:user:u-1", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(1), first.Count)
	assert.InDelta(t, time.Minute, first.Reset, float64(time.Second))

	second, err := store.Hit(ctx, "writes:user:u-1", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(2), second.Count)
	assert.LessOrEqual(t, second.Reset, first.Reset, "later hits do not extend the window")

	assert.True(t, server.Exists("matreq:ratelimit:writes:user:u-1"), "default prefix applies")

	server.FastForward(time.Minute + time.Second)

	reopened, err := store.Hit(ctx, "writes:user:u-1", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(1), reopened.Count, "a new window starts after expiry")
}

func TestRedisRateLimitStore_Unavailable(t *testing.T) {
	client, server := testutil.SetupTestRedisServer(t)
	store := middleware.NewRedisRateLimitStore(client, "custom:")
	server.Close()

	_, err := store.Hit(context.Background(), "k", time.Minute)
	assert.ErrorIs(t, err, middleware.ErrRateLimiterFailed)
}
