package rabbitmq

import (
	"context"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Publisher publishes persistent messages and waits for the broker to
// confirm each one
type Publisher struct {
	pool           *ChannelPool
	confirmTimeout time.Duration
}

// PublisherOption configures the publisher
type PublisherOption func(*Publisher)

// WithConfirmTimeout bounds the wait for a broker confirm
func WithConfirmTimeout(timeout time.Duration) PublisherOption {
	return func(p *Publisher) {
		p.confirmTimeout = timeout
	}
}

// NewPublisher creates a publisher on pool
func NewPublisher(pool *ChannelPool, options ...PublisherOption) *Publisher {
	p := &Publisher{
		pool:           pool,
		confirmTimeout: 5 * time.Second,
	}
	for _, opt := range options {
		opt(p)
	}
	return p
}

// Publish sends msg as mandatory and returns once the broker has acked it.
// An unroutable message is an error, so nothing is silently dropped.
func (p *Publisher) Publish(ctx context.Context, exchange, routingKey string, msg amqp.Publishing) error {
	if msg.DeliveryMode == 0 {
		msg.DeliveryMode = amqp.Persistent
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}

	ch, err := p.pool.Get(ctx)
	if err != nil {
		return &PublishError{Exchange: exchange, RoutingKey: routingKey, Err: err}
	}

	err = p.publish(ctx, ch, exchange, routingKey, msg)
	if err != nil {
		// the channel may still owe us a confirm
		p.pool.Discard(ch)
		return &PublishError{Exchange: exchange, RoutingKey: routingKey, Err: err}
	}
	p.pool.Put(ch)
	return nil
}

func (p *Publisher) publish(ctx context.Context, ch *PooledChannel, exchange, routingKey string, msg amqp.Publishing) error {
	if err := ch.PublishWithContext(ctx, exchange, routingKey, true, false, msg); err != nil {
		return fmt.Errorf("publish: %w", err)
	}

	timeout := time.NewTimer(p.confirmTimeout)
	defer timeout.Stop()

	returned := false
	for {
		select {
		case _, ok := <-ch.returns:
			if !ok {
				return ErrPublishNotConfirmed
			}
			// the broker still acks a returned message; wait for it
			returned = true
		case confirm, ok := <-ch.confirms:
			switch {
			case !ok:
				return ErrPublishNotConfirmed
			case returned:
				return ErrPublishReturned
			case !confirm.Ack:
				return ErrPublishNacked
			}
			return nil
		case <-timeout.C:
			return ErrPublishNotConfirmed
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
