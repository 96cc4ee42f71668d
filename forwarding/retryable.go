package forwarding

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"maps"
	"time"

	"github.com/google/uuid"

	"github.com/projecteka/gateway/contracts"
	"github.com/projecteka/gateway/internal/metrics"
)

// RetryEnvelope is what a retry queue carries: the delivery plus its
// redelivery bookkeeping
type RetryEnvelope struct {
	ID            string            `json:"id"`
	Flow          string            `json:"flow"`
	Queue         string            `json:"queue"`
	RoutingKey    string            `json:"routingKey,omitempty"`
	CorrelationID string            `json:"correlationId,omitempty"`
	TargetID      string            `json:"targetId"`
	TargetURL     string            `json:"targetUrl"`
	Headers       map[string]string `json:"headers,omitempty"`
	Body          json.RawMessage   `json:"body"`
	// Attempt counts redelivery attempts already made
	Attempt       int       `json:"attempt"`
	MaxAttempts   int       `json:"maxAttempts"`
	FirstFailedAt time.Time `json:"firstFailedAt"`
	LastError     string    `json:"lastError,omitempty"`
}

// Delivery rebuilds the outbound call
func (e *RetryEnvelope) Delivery() *Delivery {
	return &Delivery{
		Flow:          e.Flow,
		CorrelationID: e.CorrelationID,
		TargetID:      e.TargetID,
		TargetURL:     e.TargetURL,
		Headers:       maps.Clone(e.Headers),
		Body:          append([]byte(nil), e.Body...),
	}
}

// Exhausted reports whether the redelivery budget is spent
func (e *RetryEnvelope) Exhausted() bool {
	return e.Attempt >= e.MaxAttempts
}

// Marshal encodes the envelope for the broker
func (e *RetryEnvelope) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

// UnmarshalRetryEnvelope decodes a broker message
func UnmarshalRetryEnvelope(body []byte) (*RetryEnvelope, error) {
	var e RetryEnvelope
	if err := json.Unmarshal(body, &e); err != nil {
		return nil, fmt.Errorf("decode retry envelope: %w", err)
	}
	if e.Queue == "" || e.TargetURL == "" {
		return nil, fmt.Errorf("decode retry envelope: missing queue or target")
	}
	return &e, nil
}

// Handler processes one retry envelope. Returning nil acknowledges it; an
// error matching contracts.ErrRedeliveryExhausted dead-letters it; any other
// error returns it to its queue.
type Handler func(ctx context.Context, env *RetryEnvelope) error

// RetryQueue is a durable queue of retry envelopes
type RetryQueue interface {
	// Publish enqueues env on env.Queue
	Publish(ctx context.Context, env *RetryEnvelope) error
	// Reschedule enqueues env on env.Queue once delay has passed
	Reschedule(ctx context.Context, env *RetryEnvelope, delay time.Duration) error
	// Consume feeds envelopes from queue to handler until ctx is done
	Consume(ctx context.Context, queue string, handler Handler) error
}

// Retryable tries the direct path once and queues the delivery for
// redelivery when it fails
type Retryable struct {
	direct      Action
	queue       RetryQueue
	flow        contracts.Flow
	partitions  int
	maxAttempts int
	metrics     *metrics.Metrics
	logger      *slog.Logger
	now         func() time.Time
}

// RetryableOption configures a Retryable action
type RetryableOption func(*Retryable)

// WithPartitions sets how many sub-queues partitioned flows use
func WithPartitions(n int) RetryableOption {
	return func(r *Retryable) {
		if n > 0 {
			r.partitions = n
		}
	}
}

// WithMaxAttempts sets the redelivery budget stamped on new envelopes
func WithMaxAttempts(n int) RetryableOption {
	return func(r *Retryable) {
		if n > 0 {
			r.maxAttempts = n
		}
	}
}

// WithRetryMetrics records enqueues
func WithRetryMetrics(m *metrics.Metrics) RetryableOption {
	return func(r *Retryable) {
		r.metrics = m
	}
}

// WithRetryLogger sets the logger
func WithRetryLogger(logger *slog.Logger) RetryableOption {
	return func(r *Retryable) {
		r.logger = logger
	}
}

// NewRetryable wraps direct for flow
func NewRetryable(direct Action, queue RetryQueue, flow contracts.Flow, opts ...RetryableOption) *Retryable {
	r := &Retryable{
		direct:      direct,
		queue:       queue,
		flow:        flow,
		partitions:  DefaultPartitions,
		maxAttempts: 5,
		logger:      slog.Default(),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Deliver implements Action. A failed first attempt that was queued is not an
// error; a failed publish returns QUEUE_PUBLISH_FAILURE.
func (r *Retryable) Deliver(ctx context.Context, d *Delivery) error {
	err := r.direct.Deliver(ctx, d)
	if err == nil {
		return nil
	}

	env := r.envelope(d, err)
	if perr := r.queue.Publish(ctx, env); perr != nil {
		return contracts.WrapError(contracts.CodeQueuePublishFailure, perr,
			fmt.Sprintf("queue %s after %v", env.Queue, err))
	}

	r.metrics.RetryEnqueued(d.Flow, env.Queue)
	r.logger.Warn("delivery failed, queued for redelivery",
		"flow", d.Flow,
		"target", d.TargetID,
		"correlationId", d.CorrelationID,
		"queue", env.Queue,
		"state", StateQueued,
		"retryId", env.ID,
		"error", err)
	return nil
}

func (r *Retryable) envelope(d *Delivery, cause error) *RetryEnvelope {
	queue := QueueFor(r.flow, d.TargetID, r.partitions)
	routingKey := ""
	if r.flow.PartitionByTarget {
		routingKey = d.TargetID
	}

	return &RetryEnvelope{
		ID:            uuid.NewString(),
		Flow:          d.Flow,
		Queue:         queue,
		RoutingKey:    routingKey,
		CorrelationID: d.CorrelationID,
		TargetID:      d.TargetID,
		TargetURL:     d.TargetURL,
		Headers:       maps.Clone(d.Headers),
		Body:          append(json.RawMessage(nil), d.Body...),
		MaxAttempts:   r.maxAttempts,
		FirstFailedAt: r.now().UTC(),
		LastError:     cause.Error(),
	}
}
