package middleware

import (
	"errors"
	"log/slog"
	"net/http"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
)

const (
	RequestIDHeader = "X-Request-ID"
	RequestIDKey    = "request_id"
)

// LoggingConfig configures Logging.
type LoggingConfig struct {
	Logger    *slog.Logger
	SkipPaths []string

	// Observe, when set, receives every logged request keyed by its route
	// template.
	Observe func(method, route string, status int, took time.Duration)
}

func DefaultLoggingConfig() LoggingConfig {
	return LoggingConfig{
		Logger:    slog.Default(),
		SkipPaths: []string{"/health", "/ready", "/metrics"},
	}
}

// Logging writes one access log line per request and tags the request with
// an ID, keeping the caller's X-Request-ID when present.
func Logging(config LoggingConfig) echo.MiddlewareFunc {
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			if slices.Contains(config.SkipPaths, req.URL.Path) {
				return next(c)
			}

			id := req.Header.Get(RequestIDHeader)
			if id == "" {
				id = uuid.NewString()
			}
			c.Response().Header().Set(RequestIDHeader, id)
			c.Set(RequestIDKey, id)

			start := time.Now()
			err := next(c)
			took := time.Since(start)
			status := responseStatus(c, err)

			if config.Observe != nil {
				config.Observe(req.Method, c.Path(), status, took)
			}

			attrs := make([]slog.Attr, 0, 9)
			attrs = append(attrs,
				slog.String("request_id", id),
				slog.String("method", req.Method),
				slog.String("path", req.URL.Path),
				slog.String("route", c.Path()),
				slog.Int("status", status),
				slog.Duration("latency", took),
				slog.String("remote_ip", c.RealIP()),
			)
			// Auth runs inside this middleware, so the principal is known by now.
			if p := GetPrincipal(c); p != nil {
				attrs = append(attrs, slog.String("user_id", p.UserID))
			}
			if err != nil {
				attrs = append(attrs, slog.String("error", err.Error()))
			}
			logger.LogAttrs(req.Context(), levelFor(status), "HTTP request", attrs...)

			return err
		}
	}
}

// responseStatus is the status the client sees, including errors echo has
// not rendered yet.
func responseStatus(c echo.Context, err error) int {
	var he *echo.HTTPError
	if errors.As(err, &he) {
		return he.Code
	}
	if err != nil && !c.Response().Committed {
		return http.StatusInternalServerError
	}
	return c.Response().Status
}

func levelFor(status int) slog.Level {
	switch {
	case status >= http.StatusInternalServerError:
		return slog.LevelError
	case status >= http.StatusBadRequest:
		return slog.LevelWarn
	default:
		return slog.LevelInfo
	}
}

// GetRequestID returns the ID Logging attached, or "".
func GetRequestID(c echo.Context) string {
	id, _ := c.Get(RequestIDKey).(string)
	return id
}
