package lock

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedis(t *testing.T) (*Redis, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedis(client, "batchd:tick:"), mr
}

func TestRedis_TryLock(t *testing.T) {
	l, mr := newTestRedis(t)
	ctx := context.Background()

	unlock, ok, err := l.TryLock(ctx, "rank", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, mr.Exists("batchd:tick:rank"))

	_, ok, err = l.TryLock(ctx, "rank", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	_, ok, err = l.TryLock(ctx, "llm", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	unlock()
	assert.False(t, mr.Exists("batchd:tick:rank"))

	_, ok, err = l.TryLock(ctx, "rank", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRedis_Expires(t *testing.T) {
	l, mr := newTestRedis(t)
	ctx := context.Background()

	_, ok, err := l.TryLock(ctx, "rank", 30*time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	mr.FastForward(31 * time.Second)

	_, ok, err = l.TryLock(ctx, "rank", 30*time.Second)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRedis_StaleUnlockKeepsNewHolder(t *testing.T) {
	l, mr := newTestRedis(t)
	ctx := context.Background()

	staleUnlock, ok, err := l.TryLock(ctx, "rank", 30*time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	mr.FastForward(31 * time.Second)
	_, ok, err = l.TryLock(ctx, "rank", 30*time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	staleUnlock()
	assert.True(t, mr.Exists("batchd:tick:rank"))
}

func TestRedis_ServerDown(t *testing.T) {
	l, mr := newTestRedis(t)
	mr.Close()

	_, ok, err := l.TryLock(context.Background(), "rank", time.Minute)
	require.Error(t, err)
	assert.False(t, ok)
}

func TestConnect(t *testing.T) {
	mr := miniredis.RunT(t)
	client, err := Connect(context.Background(), "redis://"+mr.Addr())
	require.NoError(t, err)
	_ = client.Close()

	_, err = Connect(context.Background(), "not a url")
	require.Error(t, err)
}

func TestLocal_TryLock(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	l := NewLocal()
	l.now = func() time.Time { return now }
	ctx := context.Background()

	unlock, ok, _ := l.TryLock(ctx, "rank", time.Minute)
	require.True(t, ok)
	_, ok, _ = l.TryLock(ctx, "rank", time.Minute)
	assert.False(t, ok)

	unlock()
	_, ok, _ = l.TryLock(ctx, "rank", time.Minute)
	assert.True(t, ok)

	now = now.Add(2 * time.Minute)
	_, ok, _ = l.TryLock(ctx, "rank", time.Minute)
	assert.True(t, ok)
}
