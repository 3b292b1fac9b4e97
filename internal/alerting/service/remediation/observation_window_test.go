package remediation

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWindowKey(t *testing.T) {
	assert.Equal(t, "abc123:0:2", WindowKey("abc123", 0, 2))
	assert.NotEqual(t, WindowKey("abc123", 1, 0), WindowKey("abc123", 0, 1))
}

func TestRedisObservationWindowManager(t *testing.T) {
	rdb := redis.NewClient(&redis.Options{
		Addr: "localhost:6379",
	})
	defer rdb.Close()

	ctx := context.Background()
	if err := rdb.Ping(ctx).Err(); err != nil {
		t.Skip("Redis not available, skipping test")
	}

	manager := NewRedisObservationWindowManager(rdb)
	prefix := "test:" + time.Now().Format("150405.000000") + ":"

	t.Run("StartObservation", func(t *testing.T) {
		key := prefix + "start"
		defer manager.CancelObservation(ctx, key)

		require.NoError(t, manager.StartObservation(ctx, key, "inv-1", 5*time.Minute))

		window, err := manager.CheckObservation(ctx, key)
		require.NoError(t, err)
		require.NotNil(t, window)
		assert.Equal(t, key, window.Key)
		assert.Equal(t, "inv-1", window.InvocationID)
		assert.Equal(t, 5*time.Minute, window.Duration)
	})

	t.Run("CheckObservation_NotFound", func(t *testing.T) {
		window, err := manager.CheckObservation(ctx, prefix+"missing")
		require.NoError(t, err)
		assert.Nil(t, window)
	})

	t.Run("CancelObservation", func(t *testing.T) {
		key := prefix + "cancel"
		require.NoError(t, manager.StartObservation(ctx, key, "inv-2", 5*time.Minute))
		require.NoError(t, manager.CancelObservation(ctx, key))

		window, err := manager.CheckObservation(ctx, key)
		require.NoError(t, err)
		assert.Nil(t, window)

		// cancelling twice is fine
		assert.NoError(t, manager.CancelObservation(ctx, key))
	})

	t.Run("Expires", func(t *testing.T) {
		key := prefix + "expire"
		require.NoError(t, manager.StartObservation(ctx, key, "inv-3", 50*time.Millisecond))
		time.Sleep(120 * time.Millisecond)

		window, err := manager.CheckObservation(ctx, key)
		require.NoError(t, err)
		assert.Nil(t, window)
	})
}
