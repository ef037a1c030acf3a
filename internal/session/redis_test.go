package session

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupRedisStore(t *testing.T, ttl time.Duration) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	store := NewRedisStore(client, ttl)
	t.Cleanup(func() { _ = store.Close() })
	return store, mr
}

func TestRedisStore_GetMissing(t *testing.T) {
	store, _ := setupRedisStore(t, time.Hour)

	got, err := store.Get(context.Background(), "U-none")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestRedisStore_SetGetClear(t *testing.T) {
	store, _ := setupRedisStore(t, time.Hour)
	ctx := context.Background()

	require.NoError(t, Transition(ctx, store, "U1", "edit", StateWaitingDescription, map[string]string{"image": "abc"}))

	got, err := store.Get(ctx, "U1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.True(t, got.Is("edit", StateWaitingDescription))
	assert.False(t, got.Is("colorize", StateWaitingDescription))

	var payload map[string]string
	require.NoError(t, got.Decode(&payload))
	assert.Equal(t, "abc", payload["image"])
	assert.False(t, got.CreatedAt.IsZero())

	require.NoError(t, store.Clear(ctx, "U1"))
	got, err = store.Get(ctx, "U1")
	require.NoError(t, err)
	assert.Nil(t, got)

	// Clearing a missing session is not an error.
	require.NoError(t, store.Clear(ctx, "U1"))
}

func TestRedisStore_OverwriteKeepsCreatedAt(t *testing.T) {
	store, _ := setupRedisStore(t, time.Hour)
	ctx := context.Background()

	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	store.now = func() time.Time { return base }
	require.NoError(t, store.Set(ctx, &Session{UserID: "U1", Feature: "edit", State: StateWaitingImage}))

	store.now = func() time.Time { return base.Add(time.Minute) }
	require.NoError(t, store.Set(ctx, &Session{UserID: "U1", Feature: "edit", State: StateProcessing}))

	got, err := store.Get(ctx, "U1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, StateProcessing, got.State)
	assert.Empty(t, got.Data, "overwrite must drop the previous payload")
	assert.True(t, got.CreatedAt.Equal(base))
	assert.True(t, got.UpdatedAt.Equal(base.Add(time.Minute)))
}

func TestRedisStore_CleanupOlderThan(t *testing.T) {
	store, _ := setupRedisStore(t, 0)
	ctx := context.Background()

	now := time.Date(2025, 1, 2, 12, 0, 0, 0, time.UTC)
	store.now = func() time.Time { return now.Add(-48 * time.Hour) }
	require.NoError(t, store.Set(ctx, &Session{UserID: "old", Feature: "colorize", State: StateWaitingImage}))
	store.now = func() time.Time { return now }
	require.NoError(t, store.Set(ctx, &Session{UserID: "fresh", Feature: "colorize", State: StateWaitingImage}))

	removed, err := store.CleanupOlderThan(ctx, 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(1), removed)

	got, err := store.Get(ctx, "old")
	require.NoError(t, err)
	assert.Nil(t, got)

	got, err = store.Get(ctx, "fresh")
	require.NoError(t, err)
	assert.NotNil(t, got)

	removed, err = store.CleanupOlderThan(ctx, 24*time.Hour)
	require.NoError(t, err)
	assert.Zero(t, removed)
}

func TestRedisStore_TTL(t *testing.T) {
	store, mr := setupRedisStore(t, time.Minute)
	ctx := context.Background()

	require.NoError(t, store.Set(ctx, &Session{UserID: "U1", Feature: "colorize", State: StateWaitingImage}))
	mr.FastForward(2 * time.Minute)

	got, err := store.Get(ctx, "U1")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestRedisStore_SetRejectsEmptyUser(t *testing.T) {
	store, _ := setupRedisStore(t, time.Hour)
	assert.Error(t, store.Set(context.Background(), &Session{Feature: "edit"}))
}

func TestSession_NilHelpers(t *testing.T) {
	t.Parallel()

	var s *Session
	assert.False(t, s.OwnedBy("edit"))
	assert.False(t, s.Is("edit", StateWaitingImage))
	assert.NoError(t, s.Decode(&struct{}{}))
}
