package cache

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2020, 6, 1, 10, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestMemoryCache(t *testing.T) {
	ctx := context.Background()

	t.Run("put then get", func(t *testing.T) {
		m := NewMemory(WithCleanupInterval(0))
		defer m.Close()

		require.NoError(t, m.Put(ctx, "c1", "r1", time.Minute))

		v, ok, err := m.Get(ctx, "c1")
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, "r1", v)

		_, ok, err = m.Get(ctx, "unknown")
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("rejects bad input", func(t *testing.T) {
		m := NewMemory(WithCleanupInterval(0))
		defer m.Close()

		assert.ErrorIs(t, m.Put(ctx, "", "r1", time.Minute), ErrEmptyKey)
		assert.ErrorIs(t, m.Put(ctx, "c1", "r1", 0), ErrInvalidTTL)
	})

	t.Run("ttl boundary", func(t *testing.T) {
		clock := newTestClock()
		m := NewMemory(WithClock(clock.Now), WithCleanupInterval(0))
		defer m.Close()

		require.NoError(t, m.Put(ctx, "c1", "r1", DefaultTTL))

		clock.Advance(DefaultTTL - time.Millisecond)
		_, ok, err := m.Get(ctx, "c1")
		require.NoError(t, err)
		assert.True(t, ok, "entry should be live just before ttl")

		clock.Advance(2 * time.Millisecond)
		_, ok, err = m.Get(ctx, "c1")
		require.NoError(t, err)
		assert.False(t, ok, "entry should be gone just after ttl")
	})

	t.Run("invalidate has a single winner", func(t *testing.T) {
		m := NewMemory(WithCleanupInterval(0))
		defer m.Close()

		require.NoError(t, m.Put(ctx, "c1", "r1", time.Minute))

		var wins atomic.Int32
		var wg sync.WaitGroup
		for i := 0; i < 16; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				ok, err := m.Invalidate(ctx, "c1")
				assert.NoError(t, err)
				if ok {
					wins.Add(1)
				}
			}()
		}
		wg.Wait()

		assert.Equal(t, int32(1), wins.Load())
		_, ok, _ := m.Get(ctx, "c1")
		assert.False(t, ok)
	})

	t.Run("invalidate of expired entry reports false", func(t *testing.T) {
		clock := newTestClock()
		m := NewMemory(WithClock(clock.Now), WithCleanupInterval(0))
		defer m.Close()

		require.NoError(t, m.Put(ctx, "c1", "r1", time.Second))
		clock.Advance(2 * time.Second)

		ok, err := m.Invalidate(ctx, "c1")
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("sweep removes only expired entries", func(t *testing.T) {
		clock := newTestClock()
		m := NewMemory(WithClock(clock.Now), WithCleanupInterval(0))
		defer m.Close()

		require.NoError(t, m.Put(ctx, "short", "r1", time.Second))
		require.NoError(t, m.Put(ctx, "long", "r2", time.Hour))
		clock.Advance(time.Minute)

		assert.Equal(t, 1, m.Sweep())
		assert.Equal(t, 1, m.Len())
	})

	t.Run("janitor sweeps in the background", func(t *testing.T) {
		m := NewMemory(WithCleanupInterval(10 * time.Millisecond))
		defer m.Close()

		require.NoError(t, m.Put(ctx, "c1", "r1", time.Millisecond))

		assert.Eventually(t, func() bool {
			return m.Len() == 0
		}, time.Second, 5*time.Millisecond)
	})

	t.Run("closed cache fails", func(t *testing.T) {
		m := NewMemory()
		require.NoError(t, m.Close())
		require.NoError(t, m.Close())

		assert.ErrorIs(t, m.Put(ctx, "c1", "r1", time.Minute), ErrClosed)
		_, _, err := m.Get(ctx, "c1")
		assert.ErrorIs(t, err, ErrClosed)
		_, err = m.Invalidate(ctx, "c1")
		assert.ErrorIs(t, err, ErrClosed)
	})
}

func TestEntry(t *testing.T) {
	t.Run("encodes compactly", func(t *testing.T) {
		s, err := Entry{RequestID: "r1", CallerID: "hiu-1", Flow: "consent-request"}.Encode()
		require.NoError(t, err)
		assert.JSONEq(t, `{"requestId":"r1","callerId":"hiu-1","flow":"consent-request"}`, s)

		e, err := DecodeEntry(s)
		require.NoError(t, err)
		assert.Equal(t, "hiu-1", e.CallerID)
	})

	t.Run("rejects incomplete values", func(t *testing.T) {
		_, err := DecodeEntry(`{"requestId":"r1"}`)
		assert.Error(t, err)

		_, err = DecodeEntry(`r1`)
		assert.Error(t, err)
	})
}
