package middleware

import (
	"context"
	"errors"
	"slices"

	"github.com/lllypuk/matreq/internal/domain/access"
	"github.com/lllypuk/matreq/internal/infrastructure/keycloak"
)

// rolePrecedence orders application roles from most to least privileged.
var rolePrecedence = []access.Role{access.RoleAdmin, access.RoleManager, access.RoleEmployee}

// KeycloakValidatorAdapter serves realm tokens as a TokenValidator. Realm and
// client roles are translated into one application role.
type KeycloakValidatorAdapter struct {
	validator keycloak.JWTValidator
	roleMap   map[string]access.Role
}

type AdapterOption func(*KeycloakValidatorAdapter)

// WithRoleMapping maps a realm or client role name onto an application role.
// Roles named exactly like an application role are mapped without it.
func WithRoleMapping(realmRole string, role access.Role) AdapterOption {
	return func(a *KeycloakValidatorAdapter) {
		a.roleMap[realmRole] = role
	}
}

func NewKeycloakValidatorAdapter(validator keycloak.JWTValidator, opts ...AdapterOption) *KeycloakValidatorAdapter {
	if validator == nil {
		panic("keycloak validator is required")
	}

	a := &KeycloakValidatorAdapter{
		validator: validator,
		roleMap:   make(map[string]access.Role, len(rolePrecedence)),
	}
	for _, role := range rolePrecedence {
		a.roleMap[string(role)] = role
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

func (a *KeycloakValidatorAdapter) ValidateToken(ctx context.Context, token string) (*TokenClaims, error) {
	claims, err := a.validator.Validate(ctx, token)
	if err != nil {
		return nil, translateKeycloakError(err)
	}

	return &TokenClaims{
		UserID:    claims.Subject,
		Username:  claims.Username,
		Role:      a.resolveRole(claims.Roles),
		TokenID:   claims.TokenID,
		ExpiresAt: claims.ExpiresAt,
	}, nil
}

// resolveRole returns the most privileged mapped role, or "" when none maps.
func (a *KeycloakValidatorAdapter) resolveRole(granted []string) access.Role {
	best := len(rolePrecedence)
	for _, name := range granted {
		role, ok := a.roleMap[name]
		if !ok {
			continue
		}
		if i := slices.Index(rolePrecedence, role); i >= 0 && i < best {
			best = i
		}
	}
	if best == len(rolePrecedence) {
		return ""
	}
	return rolePrecedence[best]
}

func translateKeycloakError(err error) error {
	if errors.Is(err, keycloak.ErrTokenExpired) {
		return ErrTokenExpired
	}
	for _, known := range []error{
		keycloak.ErrInvalidToken,
		keycloak.ErrInvalidClaims,
		keycloak.ErrMissingSubject,
		keycloak.ErrInvalidIssuer,
		keycloak.ErrInvalidAudience,
	} {
		if errors.Is(err, known) {
			return ErrInvalidToken
		}
	}
	// JWKS outages and the like: refuse, but keep the cause for the log.
	return errors.Join(ErrInvalidToken, err)
}

func (a *KeycloakValidatorAdapter) Close() error {
	return a.validator.Close()
}
