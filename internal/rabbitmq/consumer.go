package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// Decision is what to do with a delivery once its handler returns
type Decision int

const (
	// Ack removes the message
	Ack Decision = iota
	// Requeue returns the message to the head of its queue
	Requeue
	// Reject dead-letters the message through the queue's DLX
	Reject
)

func (d Decision) String() string {
	switch d {
	case Ack:
		return "ack"
	case Requeue:
		return "requeue"
	case Reject:
		return "reject"
	}
	return "unknown"
}

// MessageHandler processes one delivery
type MessageHandler func(ctx context.Context, delivery amqp.Delivery) Decision

// Consumer reads queues on dedicated channels with manual acks
type Consumer struct {
	manager       *ConnectionManager
	prefetchCount int
	tagPrefix     string
	logger        *slog.Logger
}

// ConsumerOption configures the consumer
type ConsumerOption func(*Consumer)

// WithPrefetchCount sets how many unacked deliveries a channel may hold
func WithPrefetchCount(count int) ConsumerOption {
	return func(c *Consumer) {
		c.prefetchCount = count
	}
}

// WithConsumerTagPrefix prefixes generated consumer tags
func WithConsumerTagPrefix(prefix string) ConsumerOption {
	return func(c *Consumer) {
		c.tagPrefix = prefix
	}
}

// WithConsumerLogger sets the logger
func WithConsumerLogger(logger *slog.Logger) ConsumerOption {
	return func(c *Consumer) {
		c.logger = logger
	}
}

// NewConsumer creates a consumer
func NewConsumer(manager *ConnectionManager, options ...ConsumerOption) *Consumer {
	c := &Consumer{
		manager:       manager,
		prefetchCount: 10,
		tagPrefix:     "gateway",
		logger:        slog.Default(),
	}
	for _, opt := range options {
		opt(c)
	}
	return c
}

// Consume delivers messages from queue to handler until ctx is done, which
// returns nil, or the channel is lost, which returns a *ConsumerError
// wrapping ErrDeliveriesClosed.
func (c *Consumer) Consume(ctx context.Context, queue string, handler MessageHandler) error {
	conn, err := c.manager.Connection()
	if err != nil {
		return &ConsumerError{Queue: queue, Op: "connect", Err: err}
	}
	ch, err := conn.Channel()
	if err != nil {
		return &ConsumerError{Queue: queue, Op: "open channel", Err: err}
	}
	defer ch.Close()

	if err := ch.Qos(c.prefetchCount, 0, false); err != nil {
		return &ConsumerError{Queue: queue, Op: "qos", Err: err}
	}

	tag := fmt.Sprintf("%s-%s-%s", c.tagPrefix, queue, uuid.NewString()[:8])
	deliveries, err := ch.Consume(queue, tag, false, false, false, false, nil)
	if err != nil {
		return &ConsumerError{Queue: queue, Op: "consume", Err: err}
	}
	c.logger.Info("consuming", "queue", queue, "consumerTag", tag, "prefetch", c.prefetchCount)

	for {
		select {
		case <-ctx.Done():
			return nil
		case d, ok := <-deliveries:
			if !ok {
				if ctx.Err() != nil {
					return nil
				}
				return &ConsumerError{Queue: queue, Op: "receive", Err: ErrDeliveriesClosed}
			}
			if err := settle(d, handler(ctx, d)); err != nil {
				c.logger.Error("settle delivery failed", "queue", queue, "messageId", d.MessageId, "error", err)
				if errors.Is(err, amqp.ErrClosed) {
					return &ConsumerError{Queue: queue, Op: "settle", Err: err}
				}
			}
		}
	}
}

func settle(d amqp.Delivery, decision Decision) error {
	switch decision {
	case Requeue:
		return d.Nack(false, true)
	case Reject:
		return d.Nack(false, false)
	default:
		return d.Ack(false)
	}
}
