package progress

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRedisStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisStore(client), mr
}

func TestRedisStore_PutFetch(t *testing.T) {
	store, _ := newRedisStore(t)
	ctx := context.Background()

	rec := Record{
		JobID:         "j1",
		Progress:      40,
		Stage:         "streaming conversion in progress",
		CurrentTime:   "00:00:12.34",
		TotalDuration: "00:01:00.00",
		UpdatedAt:     time.Now().UnixMilli(),
	}
	require.NoError(t, store.Put(ctx, "j1", rec))

	got, err := store.Fetch(ctx, "j1")
	require.NoError(t, err)
	assert.Equal(t, rec, *got)
}

func TestRedisStore_Fetch_Missing(t *testing.T) {
	store, _ := newRedisStore(t)
	_, err := store.Fetch(context.Background(), "ghost")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRedisStore_KeyAndTTL(t *testing.T) {
	store, mr := newRedisStore(t)
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, "j1", Record{Progress: 5, Stage: "creating source stream"}))

	require.True(t, mr.Exists("progress:j1"))
	ttl := mr.TTL("progress:j1")
	assert.Equal(t, KeyTTL, ttl)

	// Expired keys read as missing.
	mr.FastForward(KeyTTL + time.Second)
	_, err := store.Fetch(ctx, "j1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRedisStore_WithTieredChannel(t *testing.T) {
	store, _ := newRedisStore(t)
	ch := NewTieredChannel(store, NewMemoryStore(), testLogger())
	ctx := context.Background()

	require.NoError(t, ch.Init(ctx, "j1"))
	require.NoError(t, ch.Set(ctx, "j1", Record{Progress: 70, Stage: "uploading to object store"}))
	require.NoError(t, ch.MarkComplete(ctx, "j1"))

	rec, err := ch.Get(ctx, "j1")
	require.NoError(t, err)
	assert.Equal(t, 100, rec.Progress)
	assert.Equal(t, StageCompleted, rec.Stage)
}
