// Package keycloak validates access tokens issued by a Keycloak realm.
package keycloak

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/MicahParks/jwkset"
	"github.com/MicahParks/keyfunc/v3"
	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrInvalidToken    = errors.New("invalid token")
	ErrInvalidClaims   = errors.New("invalid claims")
	ErrMissingSubject  = errors.New("missing subject claim")
	ErrTokenExpired    = errors.New("token expired")
	ErrInvalidIssuer   = errors.New("invalid issuer")
	ErrInvalidAudience = errors.New("invalid audience")
	ErrJWKSFetchFailed = errors.New("failed to fetch JWKS")
)

const (
	DefaultLeeway          = 30 * time.Second
	DefaultRefreshInterval = 1 * time.Hour
)

// TokenClaims is the identity carried by a validated realm token.
type TokenClaims struct {
	Subject  string
	Username string
	Email    string
	TokenID  string

	// Roles holds the realm roles followed by the roles granted on the
	// configured client, without duplicates.
	Roles []string

	IssuedAt  time.Time
	ExpiresAt time.Time
}

// JWTValidator checks realm tokens against the realm's published keys.
type JWTValidator interface {
	Validate(ctx context.Context, tokenString string) (*TokenClaims, error)

	// Close stops the background key refresh.
	Close() error
}

// JWTValidatorConfig configures NewJWTValidator. ClientID doubles as the
// expected audience; when empty any audience is accepted and no client
// roles are read.
type JWTValidatorConfig struct {
	KeycloakURL     string
	Realm           string
	ClientID        string
	Leeway          time.Duration
	RefreshInterval time.Duration
	Logger          *slog.Logger
}

type roleSet struct {
	Roles []string `json:"roles"`
}

// realmClaims is the subset of the Keycloak access token we read.
type realmClaims struct {
	jwt.RegisteredClaims

	PreferredUsername string             `json:"preferred_username"`
	Email             string             `json:"email"`
	RealmAccess       roleSet            `json:"realm_access"`
	ResourceAccess    map[string]roleSet `json:"resource_access"`
}

// parseFailures classifies jwt parse errors, first match wins.
var parseFailures = []struct {
	cause  error
	result error
}{
	{jwt.ErrTokenExpired, ErrTokenExpired},
	{jwt.ErrTokenInvalidIssuer, ErrInvalidIssuer},
	{jwt.ErrTokenInvalidAudience, ErrInvalidAudience},
	{jwt.ErrTokenInvalidClaims, ErrInvalidClaims},
}

type jwtValidator struct {
	keys   keyfunc.Keyfunc
	parser *jwt.Parser
	client string
	logger *slog.Logger
	stop   context.CancelFunc
}

// NewJWTValidator fetches the realm key set once and keeps it fresh in the
// background until Close.
func NewJWTValidator(config JWTValidatorConfig) (JWTValidator, error) {
	switch {
	case config.KeycloakURL == "":
		return nil, fmt.Errorf("%w: keycloak url is required", ErrJWKSFetchFailed)
	case config.Realm == "":
		return nil, fmt.Errorf("%w: realm is required", ErrJWKSFetchFailed)
	}
	if config.Leeway == 0 {
		config.Leeway = DefaultLeeway
	}
	if config.RefreshInterval == 0 {
		config.RefreshInterval = DefaultRefreshInterval
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	issuer := config.KeycloakURL + "/realms/" + config.Realm
	certsURL := issuer + "/protocol/openid-connect/certs"

	ctx, stop := context.WithCancel(context.Background())
	storage, err := jwkset.NewStorageFromHTTP(certsURL, jwkset.HTTPClientStorageOptions{
		Ctx:             ctx,
		RefreshInterval: config.RefreshInterval,
		RefreshErrorHandler: func(ctx context.Context, err error) {
			logger.ErrorContext(ctx, "realm key refresh failed",
				slog.String("url", certsURL),
				slog.String("error", err.Error()),
			)
		},
	})
	if err != nil {
		stop()
		return nil, fmt.Errorf("%w: %w", ErrJWKSFetchFailed, err)
	}

	keys, err := keyfunc.New(keyfunc.Options{Ctx: ctx, Storage: storage})
	if err != nil {
		stop()
		return nil, fmt.Errorf("%w: %w", ErrJWKSFetchFailed, err)
	}

	opts := []jwt.ParserOption{
		jwt.WithLeeway(config.Leeway),
		jwt.WithIssuedAt(),
		jwt.WithExpirationRequired(),
		jwt.WithIssuer(issuer),
	}
	if config.ClientID != "" {
		opts = append(opts, jwt.WithAudience(config.ClientID))
	}

	logger.Info("realm token validation ready",
		slog.String("issuer", issuer),
		slog.Duration("refresh_interval", config.RefreshInterval),
	)

	return &jwtValidator{
		keys:   keys,
		parser: jwt.NewParser(opts...),
		client: config.ClientID,
		logger: logger,
		stop:   stop,
	}, nil
}

func (v *jwtValidator) Validate(_ context.Context, tokenString string) (*TokenClaims, error) {
	if tokenString == "" {
		return nil, ErrInvalidToken
	}

	var claims realmClaims
	token, err := v.parser.ParseWithClaims(tokenString, &claims, v.keys.Keyfunc)
	if err != nil {
		return nil, classify(err)
	}
	if !token.Valid {
		return nil, ErrInvalidToken
	}
	if claims.Subject == "" {
		return nil, ErrMissingSubject
	}

	result := &TokenClaims{
		Subject:  claims.Subject,
		Username: claims.PreferredUsername,
		Email:    claims.Email,
		TokenID:  claims.ID,
		Roles:    v.roles(&claims),
	}
	if claims.IssuedAt != nil {
		result.IssuedAt = claims.IssuedAt.Time
	}
	if claims.ExpiresAt != nil {
		result.ExpiresAt = claims.ExpiresAt.Time
	}
	return result, nil
}

func (v *jwtValidator) roles(claims *realmClaims) []string {
	roles := slices.Clone(claims.RealmAccess.Roles)
	if v.client == "" {
		return roles
	}
	for _, role := range claims.ResourceAccess[v.client].Roles {
		if !slices.Contains(roles, role) {
			roles = append(roles, role)
		}
	}
	return roles
}

func classify(err error) error {
	for _, f := range parseFailures {
		if errors.Is(err, f.cause) {
			return fmt.Errorf("%w: %w", f.result, err)
		}
	}
	return fmt.Errorf("%w: %w", ErrInvalidToken, err)
}

func (v *jwtValidator) Close() error {
	v.stop()
	v.logger.Debug("realm key refresh stopped")
	return nil
}
