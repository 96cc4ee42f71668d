//go:build integration

package cache

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcredis "github.com/testcontainers/testcontainers-go/modules/redis"
)

func TestRedisCacheIntegration(t *testing.T) {
	ctx := context.Background()

	container, err := tcredis.Run(ctx, "redis:7-alpine")
	require.NoError(t, err)
	t.Cleanup(func() { _ = testcontainers.TerminateContainer(container) })

	url, err := container.ConnectionString(ctx)
	require.NoError(t, err)
	opts, err := redis.ParseURL(url)
	require.NoError(t, err)

	// two caches on separate clients stand in for two gateway instances
	a := NewRedis(redis.NewClient(opts), WithOwnedClient())
	b := NewRedis(redis.NewClient(opts), WithOwnedClient())
	t.Cleanup(func() {
		_ = a.Close()
		_ = b.Close()
	})

	t.Run("entry written by one instance is visible to the other", func(t *testing.T) {
		require.NoError(t, a.Put(ctx, "c1", "r1", time.Minute))

		v, ok, err := b.Get(ctx, "c1")
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, "r1", v)
	})

	t.Run("invalidate has a single winner across instances", func(t *testing.T) {
		require.NoError(t, a.Put(ctx, "c2", "r2", time.Minute))

		var wins atomic.Int32
		var wg sync.WaitGroup
		for i := 0; i < 8; i++ {
			c := a
			if i%2 == 1 {
				c = b
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				if ok, err := c.Invalidate(ctx, "c2"); err == nil && ok {
					wins.Add(1)
				}
			}()
		}
		wg.Wait()

		assert.Equal(t, int32(1), wins.Load())
	})

	t.Run("entries expire", func(t *testing.T) {
		require.NoError(t, a.Put(ctx, "c3", "r3", time.Second))

		assert.Eventually(t, func() bool {
			_, ok, err := b.Get(ctx, "c3")
			return err == nil && !ok
		}, 5*time.Second, 100*time.Millisecond)
	})
}
