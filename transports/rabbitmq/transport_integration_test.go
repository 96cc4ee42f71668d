//go:build integration

package rabbitmq

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcrabbitmq "github.com/testcontainers/testcontainers-go/modules/rabbitmq"

	"github.com/projecteka/gateway/contracts"
	"github.com/projecteka/gateway/forwarding"
	"github.com/projecteka/gateway/internal/rabbitmq"
)

func startBroker(t *testing.T) string {
	t.Helper()
	ctx := context.Background()

	container, err := tcrabbitmq.Run(ctx, "rabbitmq:3.13-management-alpine")
	require.NoError(t, err)
	t.Cleanup(func() { _ = testcontainers.TerminateContainer(container) })

	url, err := container.AmqpURL(ctx)
	require.NoError(t, err)
	return url
}

func TestTransportIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	url := startBroker(t)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	tr, err := New(ctx, Config{URL: url, Queues: []string{"gw.link"}}, WithRequeuePause(10*time.Millisecond))
	require.NoError(t, err)
	defer tr.Close()
	require.NoError(t, tr.Healthy(ctx))

	t.Run("published envelope is consumed and acked", func(t *testing.T) {
		env := testEnvelope()
		require.NoError(t, tr.Publish(ctx, env))

		got := make(chan *forwarding.RetryEnvelope, 1)
		cctx, stop := context.WithCancel(ctx)
		go tr.Consume(cctx, "gw.link", func(_ context.Context, e *forwarding.RetryEnvelope) error {
			got <- e
			return nil
		})

		select {
		case e := <-got:
			assert.Equal(t, env.ID, e.ID)
			assert.Equal(t, env.Attempt, e.Attempt)
		case <-time.After(10 * time.Second):
			t.Fatal("envelope not consumed")
		}
		stop()

		require.Eventually(t, func() bool {
			n, err := tr.Depth(ctx, "gw.link")
			return err == nil && n == 0
		}, 5*time.Second, 100*time.Millisecond)
	})

	t.Run("rescheduled envelope comes back after its delay", func(t *testing.T) {
		env := testEnvelope()
		env.ID = "retry-delayed"
		scheduled := time.Now()
		require.NoError(t, tr.Reschedule(ctx, env, time.Second))

		got := make(chan time.Time, 1)
		cctx, stop := context.WithCancel(ctx)
		defer stop()
		go tr.Consume(cctx, "gw.link", func(_ context.Context, e *forwarding.RetryEnvelope) error {
			if e.ID == "retry-delayed" {
				got <- time.Now()
			}
			return nil
		})

		select {
		case at := <-got:
			assert.GreaterOrEqual(t, at.Sub(scheduled), 900*time.Millisecond)
		case <-time.After(15 * time.Second):
			t.Fatal("rescheduled envelope never returned")
		}
	})

	t.Run("reschedule survives a deleted delay queue", func(t *testing.T) {
		warm := testEnvelope()
		warm.ID = "retry-warm"
		require.NoError(t, tr.Reschedule(ctx, warm, 2*time.Second))

		name := DelayQueue("gw.link", 2*time.Second)
		require.NoError(t, tr.pool.Execute(ctx, func(ch *rabbitmq.PooledChannel) error {
			_, err := ch.QueueDelete(name, false, false, false)
			return err
		}))

		env := testEnvelope()
		env.ID = "retry-after-expiry"
		require.NoError(t, tr.Reschedule(ctx, env, 2*time.Second))

		got := make(chan *forwarding.RetryEnvelope, 1)
		cctx, stop := context.WithCancel(ctx)
		defer stop()
		go tr.Consume(cctx, "gw.link", func(_ context.Context, e *forwarding.RetryEnvelope) error {
			if e.ID == "retry-after-expiry" {
				got <- e
			}
			return nil
		})

		select {
		case e := <-got:
			assert.Equal(t, env.Attempt, e.Attempt)
		case <-time.After(15 * time.Second):
			t.Fatal("envelope rescheduled after the delay queue was deleted never returned")
		}
	})

	t.Run("exhausted envelope lands in the dead-letter queue", func(t *testing.T) {
		env := testEnvelope()
		env.ID = "retry-exhausted"
		require.NoError(t, tr.Publish(ctx, env))

		var calls atomic.Int32
		cctx, stop := context.WithCancel(ctx)
		defer stop()
		go tr.Consume(cctx, "gw.link", func(_ context.Context, e *forwarding.RetryEnvelope) error {
			calls.Add(1)
			e.Attempt = e.MaxAttempts
			return contracts.NewError(contracts.CodeRedeliveryExhausted, "done")
		})

		require.Eventually(t, func() bool {
			n, err := tr.Depth(ctx, DeadLetterQueue("gw.link"))
			return err == nil && n == 1
		}, 10*time.Second, 100*time.Millisecond)
		assert.Equal(t, int32(1), calls.Load())
	})
}
