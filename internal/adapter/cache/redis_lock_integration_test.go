//go:build integration

package cache_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/smallbiznis/agentkey/internal/adapter/cache"
)

func TestRedisLockerExcludesSecondHolder(t *testing.T) {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set")
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() { _ = client.Close() })

	ctx := context.Background()
	locker := cache.NewRedisLocker(client, "agentkey-test:"+t.Name()+":")

	unlock, ok, err := locker.TryLock(ctx, "tick", 10*time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, err = locker.TryLock(ctx, "tick", 10*time.Second)
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, unlock(ctx))

	unlock, ok, err = locker.TryLock(ctx, "tick", 10*time.Second)
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, unlock(ctx))
}
