package middleware

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/redis/go-redis/v9"
)

const (
	DefaultRateLimit       = 100
	DefaultRateLimitWindow = time.Minute

	defaultRateLimitPrefix = "matreq:ratelimit:"
)

var ErrRateLimiterFailed = errors.New("rate limiter failed")

// WindowState is a counter after one hit.
type WindowState struct {
	Count int64

	// Reset is the time left until the window closes.
	Reset time.Duration
}

// RateLimitStore counts hits per key inside fixed windows.
type RateLimitStore interface {
	// Hit counts one request against key, opening a window of the given
	// length when none is open.
	Hit(ctx context.Context, key string, window time.Duration) (WindowState, error)
}

// RateLimitConfig configures RateLimit. A nil Store disables limiting.
type RateLimitConfig struct {
	Logger *slog.Logger
	Store  RateLimitStore
	Limit  int
	Window time.Duration

	// Scope namespaces the counters so separate route groups do not share
	// a budget.
	Scope string

	// KeyFunc identifies the caller. Defaults to the principal, falling back
	// to the client IP for anonymous requests.
	KeyFunc func(c echo.Context) string

	SkipPaths []string
}

func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		Logger:    slog.Default(),
		Limit:     DefaultRateLimit,
		Window:    DefaultRateLimitWindow,
		Scope:     "api",
		SkipPaths: []string{"/health", "/ready"},
	}
}

// RateLimit rejects callers over their budget with 429. Requests pass when
// the store is unavailable.
func RateLimit(config RateLimitConfig) echo.MiddlewareFunc {
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.Limit <= 0 {
		config.Limit = DefaultRateLimit
	}
	if config.Window <= 0 {
		config.Window = DefaultRateLimitWindow
	}
	if config.KeyFunc == nil {
		config.KeyFunc = callerKey
	}
	skip := make(map[string]bool, len(config.SkipPaths))
	for _, p := range config.SkipPaths {
		skip[p] = true
	}
	limit := int64(config.Limit)

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if config.Store == nil || skip[c.Request().URL.Path] {
				return next(c)
			}

			key := config.Scope + ":" + config.KeyFunc(c)
			state, err := config.Store.Hit(c.Request().Context(), key, config.Window)
			if err != nil {
				config.Logger.Error("rate limit store unavailable",
					slog.String("key", key),
					slog.String("error", err.Error()),
				)
				return next(c)
			}

			h := c.Response().Header()
			h.Set("X-Ratelimit-Limit", strconv.FormatInt(limit, 10))
			h.Set("X-Ratelimit-Remaining", strconv.FormatInt(max(limit-state.Count, 0), 10))
			h.Set("X-Ratelimit-Reset", strconv.FormatInt(time.Now().Add(state.Reset).Unix(), 10))

			if state.Count <= limit {
				return next(c)
			}

			retryAfter := int64(state.Reset.Round(time.Second) / time.Second)
			config.Logger.Warn("rate limit exceeded",
				slog.String("key", key),
				slog.Int64("count", state.Count),
				slog.String("path", c.Request().URL.Path),
			)
			h.Set("Retry-After", strconv.FormatInt(retryAfter, 10))
			return writeError(c, http.StatusTooManyRequests, errorDetail{
				Code:       "RATE_LIMIT_EXCEEDED",
				Message:    "Too many requests",
				RetryAfter: retryAfter,
			})
		}
	}
}

func callerKey(c echo.Context) string {
	if p := GetPrincipal(c); p != nil {
		return "user:" + p.UserID
	}
	return "ip:" + c.RealIP()
}

// hitScript increments the counter and opens the window on the first hit,
// atomically. It returns the count and the remaining window in ms.
var hitScript = redis.NewScript(`
local n = redis.call("INCR", KEYS[1])
if n == 1 then
	redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
return {n, redis.call("PTTL", KEYS[1])}
`)

// RedisRateLimitStore keeps fixed-window counters in Redis.
type RedisRateLimitStore struct {
	client redis.Scripter
	prefix string
}

func NewRedisRateLimitStore(client redis.Scripter, prefix string) *RedisRateLimitStore {
	if prefix == "" {
		prefix = defaultRateLimitPrefix
	}
	return &RedisRateLimitStore{client: client, prefix: prefix}
}

func (s *RedisRateLimitStore) Hit(ctx context.Context, key string, window time.Duration) (WindowState, error) {
	res, err := hitScript.Run(ctx, s.client, []string{s.prefix + key}, window.Milliseconds()).Int64Slice()
	if err != nil {
		return WindowState{}, fmt.Errorf("%w: %w", ErrRateLimiterFailed, err)
	}
	if len(res) != 2 {
		return WindowState{}, fmt.Errorf("%w: unexpected script reply %v", ErrRateLimiterFailed, res)
	}
	return WindowState{
		Count: res[0],
		Reset: max(time.Duration(res[1])*time.Millisecond, 0),
	}, nil
}
