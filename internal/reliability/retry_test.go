package reliability

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExponentialBackoff(t *testing.T) {
	t.Run("creates with jitter enabled", func(t *testing.T) {
		eb := NewExponentialBackoff(5*time.Second, 5*time.Minute, 2.0, 5)

		assert.Equal(t, 5*time.Second, eb.InitialInterval)
		assert.Equal(t, 5*time.Minute, eb.MaxInterval)
		assert.Equal(t, 2.0, eb.Multiplier)
		assert.Equal(t, 5, eb.MaxRetries())
		assert.True(t, eb.Jitter)
	})

	t.Run("ShouldRetry respects max attempts", func(t *testing.T) {
		eb := NewExponentialBackoff(100*time.Millisecond, time.Second, 2.0, 3)

		for i := 0; i < 3; i++ {
			retry, delay := eb.ShouldRetry(i, errors.New("boom"))
			assert.True(t, retry)
			assert.Greater(t, delay, time.Duration(0))
		}

		retry, delay := eb.ShouldRetry(3, errors.New("boom"))
		assert.False(t, retry)
		assert.Zero(t, delay)
	})

	t.Run("NextDelay doubles and caps", func(t *testing.T) {
		eb := NewExponentialBackoff(5*time.Second, 5*time.Minute, 2.0, 10)
		eb.Jitter = false

		tests := []struct {
			attempt  int
			expected time.Duration
		}{
			{0, 5 * time.Second},
			{1, 10 * time.Second},
			{2, 20 * time.Second},
			{3, 40 * time.Second},
			{5, 160 * time.Second},
			{6, 5 * time.Minute},
			{20, 5 * time.Minute},
		}

		for _, tt := range tests {
			t.Run(fmt.Sprintf("attempt %d", tt.attempt), func(t *testing.T) {
				assert.Equal(t, tt.expected, eb.NextDelay(tt.attempt))
			})
		}
	})

	t.Run("jitter stays within fifteen percent", func(t *testing.T) {
		eb := NewExponentialBackoff(time.Second, 10*time.Second, 2.0, 5)

		for i := 0; i < 50; i++ {
			d := eb.NextDelay(0)
			assert.GreaterOrEqual(t, d, 850*time.Millisecond)
			assert.LessOrEqual(t, d, 1150*time.Millisecond)
		}
	})

	t.Run("permanent errors are not retried", func(t *testing.T) {
		eb := NewExponentialBackoff(time.Millisecond, time.Second, 2.0, 5)

		retry, _ := eb.ShouldRetry(0, Permanent(errors.New("bad request")))
		assert.False(t, retry)
	})
}

func TestFixedDelay(t *testing.T) {
	fd := NewFixedDelay(time.Second, 2)

	retry, delay := fd.ShouldRetry(0, errors.New("boom"))
	assert.True(t, retry)
	assert.Equal(t, time.Second, delay)

	retry, _ = fd.ShouldRetry(2, errors.New("boom"))
	assert.False(t, retry)
}

func TestRetry(t *testing.T) {
	t.Run("returns nil once fn succeeds", func(t *testing.T) {
		calls := 0
		err := Retry(context.Background(), "connect", NewFixedDelay(time.Millisecond, 5), func(context.Context) error {
			calls++
			if calls < 3 {
				return errors.New("not yet")
			}
			return nil
		})

		require.NoError(t, err)
		assert.Equal(t, 3, calls)
	})

	t.Run("gives up with RetryError", func(t *testing.T) {
		cause := errors.New("refused")
		calls := 0
		err := Retry(context.Background(), "connect", NewFixedDelay(time.Millisecond, 2), func(context.Context) error {
			calls++
			return cause
		})

		var retryErr *RetryError
		require.ErrorAs(t, err, &retryErr)
		assert.Equal(t, 3, retryErr.Attempts)
		assert.Equal(t, "connect", retryErr.Op)
		assert.ErrorIs(t, err, cause)
		assert.Equal(t, 3, calls)
	})

	t.Run("stops on permanent error", func(t *testing.T) {
		calls := 0
		err := Retry(context.Background(), "connect", NewFixedDelay(time.Millisecond, 5), func(context.Context) error {
			calls++
			return Permanent(errors.New("bad credentials"))
		})

		assert.Error(t, err)
		assert.Equal(t, 1, calls)
	})

	t.Run("honours context cancellation", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		calls := 0
		err := Retry(ctx, "connect", NewFixedDelay(time.Hour, 5), func(context.Context) error {
			calls++
			cancel()
			return errors.New("boom")
		})

		assert.ErrorIs(t, err, context.Canceled)
		assert.Equal(t, 1, calls)
	})
}

func TestIsRetryable(t *testing.T) {
	assert.False(t, IsRetryable(nil))
	assert.True(t, IsRetryable(errors.New("timeout")))
	assert.False(t, IsRetryable(Permanent(errors.New("rejected"))))
	assert.False(t, IsRetryable(fmt.Errorf("wrapped: %w", context.Canceled)))
	assert.Nil(t, Permanent(nil))
}
