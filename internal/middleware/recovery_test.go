package middleware_test

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lllypuk/matreq/internal/middleware"
)

func panicking(value any) echo.HandlerFunc {
	return func(echo.Context) error {
		panic(value)
	}
}

func TestRecovery(t *testing.T) {
	for name, value := range map[string]any{
		"string": "kaboom",
		"error":  errors.New("kaboom"),
		"int":    42,
	} {
		t.Run(name, func(t *testing.T) {
			logger, buf := jsonLogger()
			e := echo.New()
			e.Use(middleware.Recovery(logger))
			e.GET("/test", panicking(value))

			rec := httptest.NewRecorder()
			e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/test", nil))

			assert.Equal(t, http.StatusInternalServerError, rec.Code)

			var body struct {
				Success bool              `json:"success"`
				Error   map[string]string `json:"error"`
			}
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
			assert.False(t, body.Success)
			assert.Equal(t, "INTERNAL_ERROR", body.Error["code"])

			entry := lastEntry(t, buf)
			assert.Equal(t, "panic recovered", entry["msg"])
			assert.Equal(t, "/test", entry["path"])
			assert.NotEmpty(t, entry["stack"])
		})
	}
}

func TestRecovery_NoPanic(t *testing.T) {
	e := echo.New()
	e.Use(middleware.Recovery(nil))
	e.GET("/test", func(c echo.Context) error { return c.String(http.StatusOK, "fine") })

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/test", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "fine", rec.Body.String())
}

func TestRecovery_WithRequestIDAndNoStack(t *testing.T) {
	logger, buf := jsonLogger()
	e := echo.New()
	e.Use(middleware.Logging(middleware.LoggingConfig{Logger: slog.New(slog.DiscardHandler)}))
	e.Use(middleware.RecoveryWithConfig(middleware.RecoveryConfig{Logger: logger, DisablePrintStack: true}))
	e.GET("/test", panicking("kaboom"))

	req := httptest.NewRequest(http.MethodGet, "/test", nil)
	req.Header.Set(middleware.RequestIDHeader, "req-9")
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	entry := lastEntry(t, buf)
	assert.Equal(t, "req-9", entry["request_id"])
	assert.NotContains(t, entry, "stack")
}

func TestRecovery_ReraisesAbortHandler(t *testing.T) {
	e := echo.New()
	e.Use(middleware.Recovery(slog.New(slog.DiscardHandler)))
	e.GET("/test", panicking(http.ErrAbortHandler))

	assert.PanicsWithValue(t, http.ErrAbortHandler, func() {
		e.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/test", nil))
	})
}
