package middleware

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/lllypuk/matreq/internal/domain/access"
)

type contextKey string

// ContextKeyPrincipal holds the *access.Principal of an authenticated request.
const ContextKeyPrincipal contextKey = "principal"

var (
	ErrMissingAuthHeader       = errors.New("missing authorization header")
	ErrInvalidAuthHeader       = errors.New("invalid authorization header format")
	ErrInvalidToken            = errors.New("invalid token")
	ErrTokenExpired            = errors.New("token expired")
	ErrTokenRevoked            = errors.New("token revoked")
	ErrInsufficientPermissions = errors.New("insufficient permissions")
)

// TokenClaims is what a TokenValidator vouches for.
type TokenClaims struct {
	UserID    string
	Username  string
	Role      access.Role
	TokenID   string
	ExpiresAt time.Time
}

// TokenValidator verifies a credential. Local HMAC tokens and Keycloak
// realm tokens both sit behind it.
type TokenValidator interface {
	ValidateToken(ctx context.Context, token string) (*TokenClaims, error)
}

type AuthConfig struct {
	Logger         *slog.Logger
	TokenValidator TokenValidator
	SkipPaths      []string

	// Optional admits requests that carry no credential at all. A
	// credential that is present but bad is still refused.
	Optional bool

	// QueryParam names a query parameter read when no Authorization header
	// is sent, for WebSocket handshakes from browsers.
	QueryParam string
}

func DefaultAuthConfig() AuthConfig {
	return AuthConfig{
		Logger:    slog.Default(),
		SkipPaths: []string{"/health", "/ready", "/health/details", "/metrics"},
	}
}

// authFailures renders auth errors; first match wins, anything else is a
// plain 401.
var authFailures = []struct {
	err     error
	status  int
	code    string
	message string
}{
	{ErrMissingAuthHeader, http.StatusUnauthorized, "UNAUTHORIZED", "Missing authorization header"},
	{ErrInvalidAuthHeader, http.StatusUnauthorized, "UNAUTHORIZED", "Invalid authorization header format"},
	{ErrTokenExpired, http.StatusUnauthorized, "TOKEN_EXPIRED", "Token has expired"},
	{ErrTokenRevoked, http.StatusUnauthorized, "TOKEN_REVOKED", "Token has been replaced"},
	{ErrInvalidToken, http.StatusUnauthorized, "UNAUTHORIZED", "Invalid token"},
	{ErrInsufficientPermissions, http.StatusForbidden, "FORBIDDEN", "Insufficient permissions"},
}

// Auth verifies the request credential and attaches the resulting principal,
// see GetPrincipal.
func Auth(config AuthConfig) echo.MiddlewareFunc {
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			path := c.Request().URL.Path
			if slices.Contains(config.SkipPaths, path) {
				return next(c)
			}

			token, err := credential(c, config.QueryParam)
			switch {
			case errors.Is(err, ErrMissingAuthHeader) && config.Optional:
				return next(c)
			case err != nil:
				return rejectAuth(c, err)
			case config.TokenValidator == nil:
				logger.Error("no token validator configured")
				return rejectAuth(c, ErrInvalidToken)
			}

			claims, err := config.TokenValidator.ValidateToken(c.Request().Context(), token)
			if err != nil {
				logger.Warn("credential refused",
					slog.String("path", path),
					slog.String("remote_ip", c.RealIP()),
					slog.String("error", err.Error()),
				)
				return rejectAuth(c, err)
			}

			principal, err := access.NewPrincipal(claims.UserID, claims.Username, claims.Role)
			if err != nil {
				logger.Warn("credential carries no usable role",
					slog.String("user_id", claims.UserID),
					slog.String("role", string(claims.Role)),
				)
				return rejectAuth(c, ErrInsufficientPermissions)
			}

			c.Set(string(ContextKeyPrincipal), principal)
			logger.Debug("request authenticated",
				slog.String("user_id", principal.UserID),
				slog.String("role", string(principal.Role)),
			)
			return next(c)
		}
	}
}

// credential returns the bearer token of the Authorization header, or the
// query parameter when the header is absent.
func credential(c echo.Context, queryParam string) (string, error) {
	header := c.Request().Header.Get(echo.HeaderAuthorization)
	if header == "" {
		if queryParam != "" {
			if token := c.QueryParam(queryParam); token != "" {
				return token, nil
			}
		}
		return "", ErrMissingAuthHeader
	}

	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") || strings.TrimSpace(token) == "" {
		return "", ErrInvalidAuthHeader
	}
	return strings.TrimSpace(token), nil
}

func rejectAuth(c echo.Context, err error) error {
	status, code, message := http.StatusUnauthorized, "UNAUTHORIZED", "Authentication required"
	for _, f := range authFailures {
		if errors.Is(err, f.err) {
			status, code, message = f.status, f.code, f.message
			break
		}
	}
	return writeError(c, status, errorDetail{Code: code, Message: message})
}

// GetPrincipal returns the request's principal, nil when anonymous.
func GetPrincipal(c echo.Context) *access.Principal {
	p, _ := c.Get(string(ContextKeyPrincipal)).(*access.Principal)
	return p
}
