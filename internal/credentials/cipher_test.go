package credentials

import (
	"context"
	"encoding/base64"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"edubot/internal/kv"
)

const testKey = "0123456789abcdef0123456789abcdef"

func TestCipherRoundTrip(t *testing.T) {
	c, err := NewCipher(testKey)
	require.NoError(t, err)

	sealed, err := c.Encrypt("secret-token")
	require.NoError(t, err)
	assert.NotContains(t, sealed, "secret-token")

	plain, err := c.Decrypt(sealed)
	require.NoError(t, err)
	assert.Equal(t, "secret-token", plain)

	_, err = c.Decrypt("not base64!")
	assert.ErrorIs(t, err, errInvalidCiphertext)

	b64 := base64.StdEncoding.EncodeToString([]byte(testKey))
	_, err = NewCipher(b64)
	assert.NoError(t, err)
	_, err = NewCipher("short")
	assert.Error(t, err)
}

func TestCipherFromEnv(t *testing.T) {
	t.Setenv(TokenKeyEnv, "")
	c, err := CipherFromEnv()
	require.NoError(t, err)
	assert.Nil(t, c)

	t.Setenv(TokenKeyEnv, testKey)
	c, err = CipherFromEnv()
	require.NoError(t, err)
	assert.NotNil(t, c)
}

func TestStoreSealsTokensAtRest(t *testing.T) {
	ctx := context.Background()
	backend := kv.NewMemory()
	c, err := NewCipher(testKey)
	require.NoError(t, err)
	store := NewStore(backend, time.Hour, time.Hour).WithCipher(c)

	require.NoError(t, store.Save(ctx, Tokens{AccessToken: "a1", RefreshToken: "r1"}))
	raw, err := backend.Get(ctx, AccessTokenKey)
	require.NoError(t, err)
	assert.False(t, strings.Contains(raw, "a1"))

	reopened := NewStore(backend, time.Hour, time.Hour).WithCipher(c)
	assert.Equal(t, "a1", reopened.AccessToken(ctx))
	assert.Equal(t, "r1", reopened.RefreshToken(ctx))

	// tokens written without the key read as signed out
	require.NoError(t, backend.Set(ctx, AccessTokenKey, "plain", 0))
	fresh := NewStore(backend, time.Hour, time.Hour).WithCipher(c)
	assert.False(t, fresh.Authenticated(ctx))
}
