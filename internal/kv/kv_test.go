package kv

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemorySetGetDel(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	_, err := m.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, m.Set(ctx, "a", "1", 0))
	got, err := m.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, "1", got)

	require.NoError(t, m.Del(ctx, "a", "unknown"))
	_, err = m.Get(ctx, "a")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryExpiry(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	m := NewMemory()
	m.now = func() time.Time { return now }

	require.NoError(t, m.Set(ctx, "token", "abc", time.Minute))
	_, err := m.Get(ctx, "token")
	require.NoError(t, err)

	now = now.Add(time.Minute)
	_, err = m.Get(ctx, "token")
	assert.ErrorIs(t, err, ErrNotFound)
}
