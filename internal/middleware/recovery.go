package middleware

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"runtime"

	"github.com/labstack/echo/v4"
)

const DefaultStackSize = 4 << 10

type RecoveryConfig struct {
	Logger *slog.Logger

	// StackSize caps the captured stack trace in bytes.
	StackSize int

	DisablePrintStack bool
}

// Recovery turns handler panics into a 500 and one error log line.
func Recovery(logger *slog.Logger) echo.MiddlewareFunc {
	return RecoveryWithConfig(RecoveryConfig{Logger: logger})
}

// RecoveryWithConfig is Recovery with explicit settings. http.ErrAbortHandler
// is re-raised so net/http can abort the response as intended.
func RecoveryWithConfig(config RecoveryConfig) echo.MiddlewareFunc {
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	stackSize := config.StackSize
	if stackSize <= 0 {
		stackSize = DefaultStackSize
	}

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) (err error) {
			defer func() {
				r := recover()
				if r == nil {
					return
				}
				if e, ok := r.(error); ok && errors.Is(e, http.ErrAbortHandler) {
					panic(r)
				}

				attrs := panicAttrs(c, r)
				if !config.DisablePrintStack {
					stack := make([]byte, stackSize)
					attrs = append(attrs, slog.String("stack", string(stack[:runtime.Stack(stack, false)])))
				}
				logger.LogAttrs(c.Request().Context(), slog.LevelError, "panic recovered", attrs...)

				if !c.Response().Committed {
					err = writeError(c, http.StatusInternalServerError, errorDetail{
						Code:    "INTERNAL_ERROR",
						Message: "An internal error occurred",
					})
				}
			}()

			return next(c)
		}
	}
}

func panicAttrs(c echo.Context, r any) []slog.Attr {
	req := c.Request()
	attrs := []slog.Attr{
		slog.String("error", fmt.Sprint(r)),
		slog.String("method", req.Method),
		slog.String("path", req.URL.Path),
		slog.String("remote_ip", c.RealIP()),
	}
	if id := GetRequestID(c); id != "" {
		attrs = append(attrs, slog.String("request_id", id))
	}
	if p := GetPrincipal(c); p != nil {
		attrs = append(attrs, slog.String("user_id", p.UserID))
	}
	return attrs
}
