package forwarding

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/projecteka/gateway/contracts"
	"github.com/projecteka/gateway/internal/metrics"
	"github.com/projecteka/gateway/internal/reliability"
)

// Redeliverer drains retry queues and re-runs the direct delivery. Failed
// attempts are rescheduled with the policy's backoff until the envelope's
// budget is spent.
type Redeliverer struct {
	direct  Action
	queue   RetryQueue
	policy  reliability.RetryPolicy
	queues  []string
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// RedelivererOption configures a Redeliverer
type RedelivererOption func(*Redeliverer)

// WithRedeliveryMetrics records outcomes
func WithRedeliveryMetrics(m *metrics.Metrics) RedelivererOption {
	return func(r *Redeliverer) {
		r.metrics = m
	}
}

// WithRedeliveryLogger sets the logger
func WithRedeliveryLogger(logger *slog.Logger) RedelivererOption {
	return func(r *Redeliverer) {
		r.logger = logger
	}
}

// NewRedeliverer creates a consumer for the named queues
func NewRedeliverer(direct Action, queue RetryQueue, policy reliability.RetryPolicy, queues []string, opts ...RedelivererOption) *Redeliverer {
	r := &Redeliverer{
		direct: direct,
		queue:  queue,
		policy: policy,
		queues: queues,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run consumes every queue until ctx is done or a consumer fails
func (r *Redeliverer) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, q := range r.queues {
		g.Go(func() error {
			r.logger.Info("redelivery consumer started", "queue", q)
			if err := r.queue.Consume(ctx, q, r.Handle); err != nil {
				return fmt.Errorf("consume %s: %w", q, err)
			}
			return nil
		})
	}
	return g.Wait()
}

// Handle processes one envelope
func (r *Redeliverer) Handle(ctx context.Context, env *RetryEnvelope) error {
	log := r.logger.With(
		"flow", env.Flow,
		"queue", env.Queue,
		"target", env.TargetID,
		"correlationId", env.CorrelationID,
		"retryId", env.ID,
		"attempt", env.Attempt+1)

	err := r.direct.Deliver(ctx, env.Delivery())
	if err == nil {
		r.metrics.Redelivery(env.Queue, "delivered")
		log.Info("redelivered", "state", StateDelivered)
		return nil
	}

	// an open circuit refused the call before it reached the target, so the
	// attempt is not charged to the budget
	var refused *reliability.CircuitBreakerError
	if errors.As(err, &refused) {
		return r.postpone(ctx, log, env, refused)
	}

	env.Attempt++
	env.LastError = err.Error()

	// requests that can never be built are abandoned at once
	permanent := ctx.Err() == nil && !reliability.IsRetryable(err)
	if env.Exhausted() || permanent {
		r.metrics.Redelivery(env.Queue, "exhausted")
		log.Error("redelivery exhausted",
			"state", StateAbandoned,
			"maxAttempts", env.MaxAttempts,
			"permanent", permanent,
			"firstFailedAt", env.FirstFailedAt,
			"error", err)
		return contracts.WrapError(contracts.CodeRedeliveryExhausted, err,
			fmt.Sprintf("%d attempts", env.Attempt))
	}

	delay := r.policy.NextDelay(env.Attempt - 1)
	if rerr := r.queue.Reschedule(ctx, env, delay); rerr != nil {
		// the updated envelope goes straight back so the spent attempt is kept
		if perr := r.queue.Publish(ctx, env); perr != nil {
			r.metrics.Redelivery(env.Queue, "requeued")
			log.Warn("reschedule failed, returning to queue", "error", rerr, "publishError", perr)
			return fmt.Errorf("reschedule: %w", errors.Join(rerr, perr))
		}
		r.metrics.Redelivery(env.Queue, "republished")
		log.Warn("reschedule failed, republished without delay", "error", rerr)
		return nil
	}

	r.metrics.Redelivery(env.Queue, "rescheduled")
	log.Warn("redelivery failed, rescheduled",
		"state", StateQueued,
		"delay", delay,
		"error", err)
	return nil
}

// postpone puts env back untouched until the target's circuit may admit a trial call
func (r *Redeliverer) postpone(ctx context.Context, log *slog.Logger, env *RetryEnvelope, refused *reliability.CircuitBreakerError) error {
	delay := r.policy.NextDelay(env.Attempt)
	if wait := time.Until(refused.NextRetry); wait > delay {
		delay = wait
	}
	if err := r.queue.Reschedule(ctx, env, delay); err != nil {
		r.metrics.Redelivery(env.Queue, "requeued")
		log.Warn("reschedule failed, returning to queue", "error", err)
		return fmt.Errorf("reschedule: %w", err)
	}
	r.metrics.Redelivery(env.Queue, "deferred")
	log.Info("target circuit open, redelivery deferred",
		"state", StateQueued,
		"circuit", refused.State,
		"delay", delay)
	return nil
}
