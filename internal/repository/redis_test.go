package repository

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRedisSharedState(t *testing.T) {
	s, err := miniredis.Run()
	require.NoError(t, err)
	defer s.Close()

	client := redis.NewClient(&redis.Options{
		Addr: s.Addr(),
	})
	defer client.Close()

	repo := NewRedisSharedState(client, "sunbed:")
	ctx := context.Background()

	t.Run("SetAndGet", func(t *testing.T) {
		require.NoError(t, repo.SetEX(ctx, "lock:1:status", "locked", 30*time.Second))

		got, ok, err := repo.Get(ctx, "lock:1:status")
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, "locked", got)

		// prefix is applied
		assert.True(t, s.Exists("sunbed:lock:1:status"))

		s.FastForward(31 * time.Second)
		_, ok, err = repo.Get(ctx, "lock:1:status")
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("GetMissing", func(t *testing.T) {
		_, ok, err := repo.Get(ctx, "missing")
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("SetNX", func(t *testing.T) {
		ok, err := repo.SetNX(ctx, "pay:1:2", "1", 5*time.Second)
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = repo.SetNX(ctx, "pay:1:2", "1", 5*time.Second)
		require.NoError(t, err)
		assert.False(t, ok)

		require.NoError(t, repo.Del(ctx, "pay:1:2"))
		ok, err = repo.SetNX(ctx, "pay:1:2", "1", 5*time.Second)
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("IncrWindow", func(t *testing.T) {
		window := time.Minute

		for i := int64(1); i <= 3; i++ {
			n, err := repo.IncrWindow(ctx, "ratelimit:ttlock", window)
			require.NoError(t, err)
			assert.Equal(t, i, n)
		}

		ttl := s.TTL("sunbed:ratelimit:ttlock")
		assert.True(t, ttl > 0 && ttl <= window, "window starts on the first hit: %s", ttl)

		// Wait for window to expire
		s.FastForward(window + time.Millisecond)

		n, err := repo.IncrWindow(ctx, "ratelimit:ttlock", window)
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)
	})

	t.Run("NilClient", func(t *testing.T) {
		repo := NewRedisSharedState(nil, "")
		_, _, err := repo.Get(ctx, "x")
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "redis client is nil")
		_, err = repo.IncrWindow(ctx, "x", time.Second)
		assert.Error(t, err)
	})

	t.Run("ServerDown", func(t *testing.T) {
		s.SetError("LOADING")
		defer s.SetError("")
		_, _, err := repo.Get(ctx, "x")
		assert.Error(t, err)
	})

	t.Run("Ping", func(t *testing.T) {
		err := Ping(ctx, client)
		assert.NoError(t, err)
	})

	t.Run("Close", func(t *testing.T) {
		err := Close(client)
		assert.NoError(t, err)
	})
}
