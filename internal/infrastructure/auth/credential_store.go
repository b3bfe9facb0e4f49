package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Credential store errors.
var (
	ErrCredentialNotFound = errors.New("credential not found")
	ErrUserIDRequired     = errors.New("userID is required")
	ErrTokenIDRequired    = errors.New("tokenID is required")
)

const defaultKeyPrefix = "auth:current_credential:"

// CredentialStore remembers which credential is current for each user, so a
// rotated or revoked token stops authenticating before it expires.
type CredentialStore struct {
	client    *redis.Client
	keyPrefix string
}

// CredentialStoreConfig contains configuration for CredentialStore.
type CredentialStoreConfig struct {
	Client    *redis.Client
	KeyPrefix string
}

// NewCredentialStore creates a new Redis-based credential store.
func NewCredentialStore(cfg CredentialStoreConfig) *CredentialStore {
	keyPrefix := cfg.KeyPrefix
	if keyPrefix == "" {
		keyPrefix = defaultKeyPrefix
	}

	return &CredentialStore{
		client:    cfg.Client,
		keyPrefix: keyPrefix,
	}
}

func (s *CredentialStore) key(userID string) string {
	return s.keyPrefix + userID
}

// SetCurrent makes tokenID the only valid credential of userID for ttl.
func (s *CredentialStore) SetCurrent(ctx context.Context, userID, tokenID string, ttl time.Duration) error {
	if userID == "" {
		return ErrUserIDRequired
	}
	if tokenID == "" {
		return ErrTokenIDRequired
	}

	if err := s.client.Set(ctx, s.key(userID), tokenID, ttl).Err(); err != nil {
		return fmt.Errorf("failed to store current credential: %w", err)
	}

	return nil
}

// Current returns the id of the current credential of userID.
func (s *CredentialStore) Current(ctx context.Context, userID string) (string, error) {
	if userID == "" {
		return "", ErrUserIDRequired
	}

	tokenID, err := s.client.Get(ctx, s.key(userID)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", ErrCredentialNotFound
		}
		return "", fmt.Errorf("failed to get current credential: %w", err)
	}

	return tokenID, nil
}

// Revoke invalidates every credential of userID.
func (s *CredentialStore) Revoke(ctx context.Context, userID string) error {
	if userID == "" {
		return ErrUserIDRequired
	}

	if err := s.client.Del(ctx, s.key(userID)).Err(); err != nil {
		return fmt.Errorf("failed to revoke credential: %w", err)
	}

	return nil
}
