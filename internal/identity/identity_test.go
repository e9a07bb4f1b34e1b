package identity

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"edubot/internal/kv"
)

type signer bool

func (s signer) Authenticated(context.Context) bool { return bool(s) }

func TestGuestIDIsStable(t *testing.T) {
	ctx := context.Background()
	store := kv.NewMemory()

	first, err := NewResolver(store, nil).GuestID(ctx)
	require.NoError(t, err)
	assert.True(t, isValidAnonID(first))

	second, err := NewResolver(store, nil).GuestID(ctx)
	require.NoError(t, err)
	assert.Equal(t, first, second, "id persists across resolvers sharing storage")
}

func TestInvalidStoredIDIsReplaced(t *testing.T) {
	ctx := context.Background()
	store := kv.NewMemory()
	require.NoError(t, store.Set(ctx, GuestKey, "tampered", 0))

	id, err := NewResolver(store, nil).GuestID(ctx)
	require.NoError(t, err)
	assert.NotEqual(t, "tampered", id)
	assert.True(t, isValidAnonID(id))
}

func TestKeyFollowsSignIn(t *testing.T) {
	ctx := context.Background()
	store := kv.NewMemory()

	key, err := NewResolver(store, signer(true)).Key(ctx)
	require.NoError(t, err)
	assert.Equal(t, "user", key)

	r := NewResolver(store, signer(false))
	assert.True(t, r.Guest(ctx))
	key, err = r.Key(ctx)
	require.NoError(t, err)
	assert.Contains(t, key, "anon_")
}
