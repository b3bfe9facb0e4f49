// Package auth issues and verifies the bearer credentials of local users.
package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/lllypuk/matreq/internal/domain/access"
	"github.com/lllypuk/matreq/internal/middleware"
)

const (
	defaultIssuer   = "matreq"
	defaultTokenTTL = 24 * time.Hour
	minSecretLength = 32
)

// ErrWeakSecret is returned when the signing secret is too short.
var ErrWeakSecret = errors.New("signing secret must be at least 32 bytes")

// Claims is the payload of a local credential.
type Claims struct {
	Username string `json:"username"`
	Role     string `json:"role"`
	jwt.RegisteredClaims
}

// CurrentCredentials tracks the current credential per user.
type CurrentCredentials interface {
	SetCurrent(ctx context.Context, userID, tokenID string, ttl time.Duration) error
	Current(ctx context.Context, userID string) (string, error)
	Revoke(ctx context.Context, userID string) error
}

// TokenService issues HMAC-signed credentials and validates them.
type TokenService struct {
	secret  []byte
	issuer  string
	ttl     time.Duration
	current CurrentCredentials
	logger  *slog.Logger
	now     func() time.Time
}

// Option configures a TokenService.
type Option func(*TokenService)

// WithIssuer sets the iss claim.
func WithIssuer(issuer string) Option {
	return func(s *TokenService) {
		if issuer != "" {
			s.issuer = issuer
		}
	}
}

// WithTTL sets the credential lifetime.
func WithTTL(ttl time.Duration) Option {
	return func(s *TokenService) {
		if ttl > 0 {
			s.ttl = ttl
		}
	}
}

// WithCurrentCredentials enables rotation: only the most recently issued
// credential of a user validates.
func WithCurrentCredentials(current CurrentCredentials) Option {
	return func(s *TokenService) {
		s.current = current
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *TokenService) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *TokenService) {
		if now != nil {
			s.now = now
		}
	}
}

// NewTokenService creates a TokenService signing with secret.
func NewTokenService(secret string, opts ...Option) (*TokenService, error) {
	if len(secret) < minSecretLength {
		return nil, ErrWeakSecret
	}

	s := &TokenService{
		secret: []byte(secret),
		issuer: defaultIssuer,
		ttl:    defaultTokenTTL,
		logger: slog.Default(),
		now:    time.Now,
	}

	for _, opt := range opts {
		opt(s)
	}

	return s, nil
}

// Issue creates a new credential for a user and makes it the current one.
func (s *TokenService) Issue(ctx context.Context, userID, username string, role access.Role) (string, error) {
	token, tokenID, err := s.Mint(ctx, userID, username, role)
	if err != nil {
		return "", err
	}
	if err = s.Activate(ctx, userID, tokenID); err != nil {
		return "", err
	}
	return token, nil
}

// Mint signs a new credential without making it current. Until Activate is
// called with the returned token id, the user's previous credential keeps
// validating and the minted one does not.
func (s *TokenService) Mint(
	ctx context.Context, userID, username string, role access.Role,
) (token, tokenID string, err error) {
	if userID == "" {
		return "", "", ErrUserIDRequired
	}
	if _, capErr := access.CapabilitiesFor(role); capErr != nil {
		return "", "", fmt.Errorf("issue credential: %w", capErr)
	}

	now := s.now()
	claims := Claims{
		Username: username,
		Role:     string(role),
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Subject:   userID,
			Issuer:    s.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
		},
	}

	token, err = jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", "", fmt.Errorf("sign credential: %w", err)
	}

	s.logger.DebugContext(ctx, "credential minted",
		slog.String("user_id", userID),
		slog.String("token_id", claims.ID),
	)

	return token, claims.ID, nil
}

// Activate makes tokenID the current credential of userID, revoking the one
// before it.
func (s *TokenService) Activate(ctx context.Context, userID, tokenID string) error {
	if s.current == nil {
		return nil
	}
	if err := s.current.SetCurrent(ctx, userID, tokenID, s.ttl); err != nil {
		return fmt.Errorf("register credential: %w", err)
	}
	return nil
}

// Revoke invalidates every credential of userID.
func (s *TokenService) Revoke(ctx context.Context, userID string) error {
	if s.current == nil {
		return nil
	}
	return s.current.Revoke(ctx, userID)
}

// ValidateToken verifies a credential and returns its claims.
func (s *TokenService) ValidateToken(ctx context.Context, token string) (*middleware.TokenClaims, error) {
	if token == "" {
		return nil, middleware.ErrInvalidToken
	}

	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return s.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(s.issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, fmt.Errorf("%w: %w", middleware.ErrTokenExpired, err)
		}
		return nil, fmt.Errorf("%w: %w", middleware.ErrInvalidToken, err)
	}
	if !parsed.Valid || claims.Subject == "" {
		return nil, middleware.ErrInvalidToken
	}

	if s.current != nil {
		if err := s.checkCurrent(ctx, claims); err != nil {
			return nil, err
		}
	}

	var expiresAt time.Time
	if claims.ExpiresAt != nil {
		expiresAt = claims.ExpiresAt.Time
	}

	return &middleware.TokenClaims{
		UserID:    claims.Subject,
		Username:  claims.Username,
		Role:      access.Role(claims.Role),
		TokenID:   claims.ID,
		ExpiresAt: expiresAt,
	}, nil
}

func (s *TokenService) checkCurrent(ctx context.Context, claims *Claims) error {
	current, err := s.current.Current(ctx, claims.Subject)
	if err != nil {
		if errors.Is(err, ErrCredentialNotFound) {
			return middleware.ErrTokenRevoked
		}
		return fmt.Errorf("%w: %w", middleware.ErrInvalidToken, err)
	}
	if current != claims.ID {
		return middleware.ErrTokenRevoked
	}
	return nil
}
