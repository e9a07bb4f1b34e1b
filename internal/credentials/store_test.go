package credentials

import (
	"context"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"edubot/internal/kv"
)

func signed(t *testing.T, exp time.Time) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "user-1",
		"exp": exp.Unix(),
	})
	s, err := tok.SignedString([]byte("test-secret"))
	require.NoError(t, err)
	return s
}

func TestSaveLoadClear(t *testing.T) {
	ctx := context.Background()
	backend := kv.NewMemory()
	store := NewStore(backend, time.Hour, 24*time.Hour)

	got, err := store.Load(ctx)
	require.NoError(t, err)
	assert.Empty(t, got.AccessToken)
	assert.False(t, store.Authenticated(ctx))

	require.NoError(t, store.Save(ctx, Tokens{AccessToken: "a1", RefreshToken: "r1"}))
	assert.Equal(t, "a1", store.AccessToken(ctx))
	assert.Equal(t, "r1", store.RefreshToken(ctx))

	raw, err := backend.Get(ctx, AccessTokenKey)
	require.NoError(t, err)
	assert.Equal(t, "a1", raw)

	// a fresh store over the same backend sees the persisted pair
	reloaded := NewStore(backend, time.Hour, 24*time.Hour)
	assert.Equal(t, "r1", reloaded.RefreshToken(ctx))

	require.NoError(t, store.Clear(ctx))
	assert.False(t, store.Authenticated(ctx))
	_, err = backend.Get(ctx, RefreshTokenKey)
	assert.ErrorIs(t, err, kv.ErrNotFound)
}

func TestSaveKeepsRefreshTokenWhenOmitted(t *testing.T) {
	ctx := context.Background()
	store := NewStore(kv.NewMemory(), 0, 0)
	require.NoError(t, store.Save(ctx, Tokens{AccessToken: "a1", RefreshToken: "r1"}))
	require.NoError(t, store.Save(ctx, Tokens{AccessToken: "a2"}))

	tokens, err := store.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, Tokens{AccessToken: "a2", RefreshToken: "r1"}, tokens)
}

func TestSaveRejectsEmptyAccessToken(t *testing.T) {
	store := NewStore(kv.NewMemory(), 0, 0)
	assert.Error(t, store.Save(context.Background(), Tokens{RefreshToken: "r"}))
}

func TestTTLFollowsJWTExpiry(t *testing.T) {
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	store := NewStore(kv.NewMemory(), time.Hour, 24*time.Hour)
	store.now = func() time.Time { return now }

	assert.Equal(t, 15*time.Minute, store.ttlFor(signed(t, now.Add(15*time.Minute)), time.Hour))
	assert.Equal(t, time.Hour, store.ttlFor("opaque-token", time.Hour))
	assert.Equal(t, time.Minute, store.ttlFor(signed(t, now.Add(-time.Hour)), time.Hour))
}

func TestLoadSeesSharedBackendChanges(t *testing.T) {
	ctx := context.Background()
	backend := kv.NewMemory()
	mine := NewStore(backend, time.Hour, 24*time.Hour)
	peer := NewStore(backend, time.Hour, 24*time.Hour)

	require.NoError(t, mine.Save(ctx, Tokens{AccessToken: "a1", RefreshToken: "r1"}))
	assert.Equal(t, "r1", mine.RefreshToken(ctx))

	// a peer renewal rotates the pair
	require.NoError(t, peer.Save(ctx, Tokens{AccessToken: "a2", RefreshToken: "r2"}))
	assert.Equal(t, "a2", mine.AccessToken(ctx))
	assert.Equal(t, "r2", mine.RefreshToken(ctx))

	require.NoError(t, peer.Clear(ctx))
	assert.False(t, mine.Authenticated(ctx))
}

func TestExpiredAccessTokenReadsAbsent(t *testing.T) {
	ctx := context.Background()
	store := NewStore(kv.NewMemory(), time.Millisecond, time.Hour)
	require.NoError(t, store.Save(ctx, Tokens{AccessToken: "opaque", RefreshToken: "r1"}))

	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, store.AccessToken(ctx))
	assert.Equal(t, "r1", store.RefreshToken(ctx))
}
