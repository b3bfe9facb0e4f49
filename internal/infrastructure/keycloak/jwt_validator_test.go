package keycloak_test

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lllypuk/matreq/internal/infrastructure/keycloak"
)

const (
	realm    = "procurement"
	clientID = "matreq-web"
	keyID    = "realm-key-1"
)

// realmServer serves the certs endpoint of a single realm.
type realmServer struct {
	*httptest.Server

	key *rsa.PrivateKey
}

func newRealmServer(t *testing.T) *realmServer {
	t.Helper()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	certs, err := json.Marshal(map[string]any{
		"keys": []map[string]any{{
			"kty": "RSA",
			"alg": "RS256",
			"use": "sig",
			"kid": keyID,
			"n":   base64.RawURLEncoding.EncodeToString(key.N.Bytes()),
			"e":   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(key.E)).Bytes()),
		}},
	})
	require.NoError(t, err)

	mux := http.NewServeMux()
	mux.HandleFunc("/realms/"+realm+"/protocol/openid-connect/certs", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(certs)
	})

	srv := &realmServer{Server: httptest.NewServer(mux), key: key}
	t.Cleanup(srv.Close)
	return srv
}

func (s *realmServer) issuer() string {
	return s.URL + "/realms/" + realm
}

func (s *realmServer) sign(t *testing.T, key *rsa.PrivateKey, claims jwt.MapClaims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = keyID
	signed, err := token.SignedString(key)
	require.NoError(t, err)
	return signed
}

func (s *realmServer) validator(t *testing.T, client string, leeway time.Duration) keycloak.JWTValidator {
	t.Helper()
	v, err := keycloak.NewJWTValidator(keycloak.JWTValidatorConfig{
		KeycloakURL: s.URL,
		Realm:       realm,
		ClientID:    client,
		Leeway:      leeway,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = v.Close() })
	return v
}

// accessToken returns the claims of a typical employee token.
func (s *realmServer) accessToken() jwt.MapClaims {
	now := time.Now()
	return jwt.MapClaims{
		"iss":                s.issuer(),
		"sub":                "0d6f1c84-employee",
		"aud":                clientID,
		"exp":                now.Add(time.Hour).Unix(),
		"iat":                now.Unix(),
		"jti":                "jti-42",
		"email":              "dana@plant.example",
		"preferred_username": "dana",
		"realm_access":       map[string]any{"roles": []any{"offline_access", "employee"}},
		"resource_access": map[string]any{
			clientID:        map[string]any{"roles": []any{"manager", "employee"}},
			"other-service": map[string]any{"roles": []any{"admin"}},
		},
	}
}

func TestNewJWTValidator_Config(t *testing.T) {
	srv := newRealmServer(t)

	tests := []struct {
		name   string
		config keycloak.JWTValidatorConfig
	}{
		{"missing url", keycloak.JWTValidatorConfig{Realm: realm}},
		{"missing realm", keycloak.JWTValidatorConfig{KeycloakURL: srv.URL}},
		{"unreachable realm", keycloak.JWTValidatorConfig{KeycloakURL: "http://127.0.0.1:1", Realm: realm}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v, err := keycloak.NewJWTValidator(tt.config)
			require.ErrorIs(t, err, keycloak.ErrJWKSFetchFailed)
			assert.Nil(t, v)
		})
	}
}

func TestJWTValidator_Validate(t *testing.T) {
	srv := newRealmServer(t)
	v := srv.validator(t, clientID, 0)

	claims, err := v.Validate(context.Background(), srv.sign(t, srv.key, srv.accessToken()))
	require.NoError(t, err)

	assert.Equal(t, "0d6f1c84-employee", claims.Subject)
	assert.Equal(t, "dana", claims.Username)
	assert.Equal(t, "dana@plant.example", claims.Email)
	assert.Equal(t, "jti-42", claims.TokenID)
	assert.Equal(t, []string{"offline_access", "employee", "manager"}, claims.Roles,
		"client roles follow realm roles; other clients are ignored")
	assert.WithinDuration(t, time.Now().Add(time.Hour), claims.ExpiresAt, 5*time.Second)
	assert.False(t, claims.IssuedAt.IsZero())
}

func TestJWTValidator_Rejects(t *testing.T) {
	srv := newRealmServer(t)
	v := srv.validator(t, clientID, 0)
	stranger, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	tests := []struct {
		name   string
		token  func() string
		target error
	}{
		{"empty", func() string { return "" }, keycloak.ErrInvalidToken},
		{"garbage", func() string { return "a.b.c" }, keycloak.ErrInvalidToken},
		{"foreign key", func() string { return srv.sign(t, stranger, srv.accessToken()) }, keycloak.ErrInvalidToken},
		{"expired", func() string {
			c := srv.accessToken()
			c["exp"] = time.Now().Add(-time.Hour).Unix()
			return srv.sign(t, srv.key, c)
		}, keycloak.ErrTokenExpired},
		{"other realm", func() string {
			c := srv.accessToken()
			c["iss"] = srv.URL + "/realms/master"
			return srv.sign(t, srv.key, c)
		}, keycloak.ErrInvalidIssuer},
		{"other audience", func() string {
			c := srv.accessToken()
			c["aud"] = "account"
			return srv.sign(t, srv.key, c)
		}, keycloak.ErrInvalidAudience},
		{"no expiry", func() string {
			c := srv.accessToken()
			delete(c, "exp")
			return srv.sign(t, srv.key, c)
		}, keycloak.ErrInvalidClaims},
		{"no subject", func() string {
			c := srv.accessToken()
			delete(c, "sub")
			return srv.sign(t, srv.key, c)
		}, keycloak.ErrMissingSubject},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			claims, validateErr := v.Validate(context.Background(), tt.token())
			require.ErrorIs(t, validateErr, tt.target)
			assert.Nil(t, claims)
		})
	}
}

func TestJWTValidator_WithoutClient(t *testing.T) {
	srv := newRealmServer(t)
	v := srv.validator(t, "", 0)

	token := srv.accessToken()
	token["aud"] = "account"

	claims, err := v.Validate(context.Background(), srv.sign(t, srv.key, token))
	require.NoError(t, err)
	assert.Equal(t, []string{"offline_access", "employee"}, claims.Roles, "client roles need a client id")
}

func TestJWTValidator_MinimalToken(t *testing.T) {
	srv := newRealmServer(t)
	v := srv.validator(t, clientID, 0)
	now := time.Now()

	claims, err := v.Validate(context.Background(), srv.sign(t, srv.key, jwt.MapClaims{
		"iss": srv.issuer(),
		"sub": "svc-importer",
		"aud": clientID,
		"exp": now.Add(time.Minute).Unix(),
		"iat": now.Unix(),
	}))
	require.NoError(t, err)

	assert.Equal(t, "svc-importer", claims.Subject)
	assert.Empty(t, claims.Username)
	assert.Empty(t, claims.Roles)
}

func TestJWTValidator_Leeway(t *testing.T) {
	srv := newRealmServer(t)
	v := srv.validator(t, clientID, time.Minute)

	recent := srv.accessToken()
	recent["exp"] = time.Now().Add(-30 * time.Second).Unix()
	_, err := v.Validate(context.Background(), srv.sign(t, srv.key, recent))
	require.NoError(t, err)

	stale := srv.accessToken()
	stale["exp"] = time.Now().Add(-2 * time.Minute).Unix()
	_, err = v.Validate(context.Background(), srv.sign(t, srv.key, stale))
	assert.ErrorIs(t, err, keycloak.ErrTokenExpired)
}

func TestJWTValidator_CloseTwice(t *testing.T) {
	srv := newRealmServer(t)
	v, err := keycloak.NewJWTValidator(keycloak.JWTValidatorConfig{KeycloakURL: srv.URL, Realm: realm})
	require.NoError(t, err)

	require.NoError(t, v.Close())
	assert.NoError(t, v.Close())
}
