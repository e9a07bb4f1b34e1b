package redis

import (
	"context"
	"net"
	"os"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"edubot/internal/config"
	"edubot/internal/kv"
)

func TestClientKVContract(t *testing.T) {
	client := newTestClient(t)
	ctx := context.Background()

	_, err := client.Get(ctx, "missing")
	assert.ErrorIs(t, err, kv.ErrNotFound)

	require.NoError(t, client.Set(ctx, "access_token", "tok", time.Minute))
	got, err := client.Get(ctx, "access_token")
	require.NoError(t, err)
	assert.Equal(t, "tok", got)

	ttl, err := client.TTL(ctx, "access_token")
	require.NoError(t, err)
	assert.Greater(t, ttl, time.Duration(0))

	raw, err := client.Raw().Get(ctx, defaultKeyPrefix+"access_token").Result()
	require.NoError(t, err)
	assert.Equal(t, "tok", raw)

	require.NoError(t, client.Del(ctx, "access_token"))
	_, err = client.Get(ctx, "access_token")
	assert.ErrorIs(t, err, kv.ErrNotFound)
}

func TestNilClientReportsError(t *testing.T) {
	var c *Client
	_, err := c.Get(context.Background(), "k")
	assert.Error(t, err)
	assert.NoError(t, c.Close())
}

func newTestClient(t *testing.T) *Client {
	t.Helper()
	addr := os.Getenv("TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("set TEST_REDIS_ADDR to run redis-backed kv tests")
	}
	host, portStr, err := net.SplitHostPort(addr)
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	db := 0
	if v := os.Getenv("TEST_REDIS_DB"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			db = parsed
		}
	}
	client, err := NewRedisClient(&config.Config{
		Redis: config.RedisConfig{Host: host, Port: port, DB: db},
	})
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, client.Raw().FlushDB(ctx).Err())
	t.Cleanup(func() { client.Close() })
	return client
}

func TestNotifierSkipsOwnOrigin(t *testing.T) {
	client := newTestClient(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	self := NewNotifier(client, "self", nil)
	peer := NewNotifier(client, "peer", nil)

	got := make(chan Invalidation, 4)
	require.NoError(t, self.Listen(ctx, func(inv Invalidation) { got <- inv }))

	require.NoError(t, self.Publish(ctx, Invalidation{ConversationID: "mine"}))
	require.NoError(t, peer.Publish(ctx, Invalidation{ConversationID: "c1", Deleted: true}))

	select {
	case inv := <-got:
		assert.Equal(t, "peer", inv.Origin)
		assert.Equal(t, "c1", inv.ConversationID)
		assert.True(t, inv.Deleted)
	case <-time.After(2 * time.Second):
		t.Fatal("no invalidation received")
	}
	select {
	case inv := <-got:
		t.Fatalf("unexpected invalidation %+v", inv)
	case <-time.After(100 * time.Millisecond):
	}
}
