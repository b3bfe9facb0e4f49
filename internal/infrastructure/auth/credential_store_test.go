package auth_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lllypuk/matreq/internal/infrastructure/auth"
	"github.com/lllypuk/matreq/tests/testutil"
)

func setupCredentialStore(t *testing.T) *auth.CredentialStore {
	t.Helper()

	client := testutil.SetupTestRedis(t)
	return auth.NewCredentialStore(auth.CredentialStoreConfig{Client: client, KeyPrefix: "test:cred:"})
}

func TestCredentialStore_SetAndGet(t *testing.T) {
	store := setupCredentialStore(t)
	ctx := context.Background()

	require.NoError(t, store.SetCurrent(ctx, "u-1", "jti-1", time.Hour))

	current, err := store.Current(ctx, "u-1")
	require.NoError(t, err)
	assert.Equal(t, "jti-1", current)

	require.NoError(t, store.SetCurrent(ctx, "u-1", "jti-2", time.Hour))

	current, err = store.Current(ctx, "u-1")
	require.NoError(t, err)
	assert.Equal(t, "jti-2", current)
}

func TestCredentialStore_NotFound(t *testing.T) {
	store := setupCredentialStore(t)

	_, err := store.Current(context.Background(), "nobody")

	require.ErrorIs(t, err, auth.ErrCredentialNotFound)
}

func TestCredentialStore_Revoke(t *testing.T) {
	store := setupCredentialStore(t)
	ctx := context.Background()
	require.NoError(t, store.SetCurrent(ctx, "u-1", "jti-1", time.Hour))

	require.NoError(t, store.Revoke(ctx, "u-1"))

	_, err := store.Current(ctx, "u-1")
	require.ErrorIs(t, err, auth.ErrCredentialNotFound)
}

func TestCredentialStore_Validation(t *testing.T) {
	store := auth.NewCredentialStore(auth.CredentialStoreConfig{})
	ctx := context.Background()

	require.ErrorIs(t, store.SetCurrent(ctx, "", "jti", time.Hour), auth.ErrUserIDRequired)
	require.ErrorIs(t, store.SetCurrent(ctx, "u-1", "", time.Hour), auth.ErrTokenIDRequired)
	_, err := store.Current(ctx, "")
	require.ErrorIs(t, err, auth.ErrUserIDRequired)
	require.ErrorIs(t, store.Revoke(ctx, ""), auth.ErrUserIDRequired)
}
