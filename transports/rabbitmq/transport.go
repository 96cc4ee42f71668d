// Package rabbitmq implements the durable retry queue on RabbitMQ.
//
// Envelopes are published to a direct work exchange and routed to a queue of
// the same name. Rescheduled envelopes wait in a per-queue, per-delay TTL
// queue that dead-letters back to the work exchange. Exhausted envelopes end
// up in <queue>.dlq behind the dead-letter exchange.
package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/projecteka/gateway/contracts"
	"github.com/projecteka/gateway/forwarding"
	"github.com/projecteka/gateway/internal/rabbitmq"
	"github.com/projecteka/gateway/internal/reliability"
)

// Default exchange names
const (
	DefaultExchange           = "gw.retry"
	DefaultDeadLetterExchange = "gw.dlx"
	DefaultDelayExchange      = "gw.retry.delay"
)

const (
	headerFlow    = "x-gateway-flow"
	headerAttempt = "x-gateway-attempt"

	// delay queues outlive their TTL by this much before the broker drops them
	delayQueueGrace = 5 * time.Minute
)

// Config holds the broker settings
type Config struct {
	URL                string
	Exchange           string
	DeadLetterExchange string
	DelayExchange      string
	// Queues are the work queues to declare
	Queues         []string
	Prefetch       int
	ConfirmTimeout time.Duration
	// SingleActiveConsumer keeps per-queue ordering when several gateway
	// instances consume the same queue
	SingleActiveConsumer bool
}

func (c *Config) defaults() {
	if c.Exchange == "" {
		c.Exchange = DefaultExchange
	}
	if c.DeadLetterExchange == "" {
		c.DeadLetterExchange = DefaultDeadLetterExchange
	}
	if c.DelayExchange == "" {
		c.DelayExchange = DefaultDelayExchange
	}
	if c.Prefetch <= 0 {
		c.Prefetch = 10
	}
	if c.ConfirmTimeout <= 0 {
		c.ConfirmTimeout = 5 * time.Second
	}
}

// Transport is a forwarding.RetryQueue backed by RabbitMQ
type Transport struct {
	cfg       Config
	manager   *rabbitmq.ConnectionManager
	pool      *rabbitmq.ChannelPool
	publisher *rabbitmq.Publisher
	consumer  *rabbitmq.Consumer
	logger    *slog.Logger

	resubscribe  reliability.RetryPolicy
	requeuePause time.Duration

	declare func(ctx context.Context, top rabbitmq.Topology) error
	publish func(ctx context.Context, exchange, routingKey string, msg amqp.Publishing) error
}

var _ forwarding.RetryQueue = (*Transport)(nil)

// Option configures the transport
type Option func(*Transport)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(t *Transport) {
		t.logger = logger
	}
}

// WithResubscribeBackoff sets the delay between attempts to resume consuming
// after the channel is lost
func WithResubscribeBackoff(p reliability.RetryPolicy) Option {
	return func(t *Transport) {
		t.resubscribe = p
	}
}

// WithRequeuePause sets how long a handler failure holds the delivery before
// it goes back to the queue
func WithRequeuePause(d time.Duration) Option {
	return func(t *Transport) {
		t.requeuePause = d
	}
}

// New connects to the broker and declares the retry topology
func New(ctx context.Context, cfg Config, opts ...Option) (*Transport, error) {
	cfg.defaults()
	t := &Transport{
		cfg:          cfg,
		logger:       slog.Default(),
		resubscribe:  reliability.NewExponentialBackoff(500*time.Millisecond, 30*time.Second, 2, 0),
		requeuePause: time.Second,
	}
	for _, opt := range opts {
		opt(t)
	}

	t.manager = rabbitmq.NewConnectionManager(cfg.URL,
		rabbitmq.WithLogger(t.logger),
		rabbitmq.WithConnectionName("gateway-retry"))
	if err := t.manager.Connect(ctx); err != nil {
		return nil, err
	}

	pool, err := rabbitmq.NewChannelPool(t.manager)
	if err != nil {
		t.manager.Close()
		return nil, err
	}
	t.pool = pool
	t.publisher = rabbitmq.NewPublisher(pool, rabbitmq.WithConfirmTimeout(cfg.ConfirmTimeout))
	t.declare = func(ctx context.Context, top rabbitmq.Topology) error {
		return rabbitmq.Declare(ctx, pool, top)
	}
	t.publish = t.publisher.Publish
	t.consumer = rabbitmq.NewConsumer(t.manager,
		rabbitmq.WithPrefetchCount(cfg.Prefetch),
		rabbitmq.WithConsumerLogger(t.logger))

	if err := t.declare(ctx, t.Topology()); err != nil {
		t.Close()
		return nil, fmt.Errorf("declare retry topology: %w", err)
	}
	t.manager.AddStateListener(redeclarer{t})
	return t, nil
}

// redeclarer restores the topology after a reconnect
type redeclarer struct {
	t *Transport
}

func (r redeclarer) OnConnected() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := r.t.declare(ctx, r.t.Topology()); err != nil {
		r.t.logger.Error("redeclare retry topology failed", "error", err)
		return
	}
	r.t.logger.Info("retry topology redeclared", "queues", len(r.t.cfg.Queues))
}

func (redeclarer) OnDisconnected(error) {}

func (redeclarer) OnReconnecting(int) {}

// Topology returns the exchanges, work queues and dead-letter queues
func (t *Transport) Topology() rabbitmq.Topology {
	top := rabbitmq.Topology{
		Exchanges: []rabbitmq.Exchange{
			{Name: t.cfg.Exchange, Kind: amqp.ExchangeDirect},
			{Name: t.cfg.DeadLetterExchange, Kind: amqp.ExchangeDirect},
			{Name: t.cfg.DelayExchange, Kind: amqp.ExchangeDirect},
		},
	}
	for _, q := range t.cfg.Queues {
		args := amqp.Table{
			"x-dead-letter-exchange":    t.cfg.DeadLetterExchange,
			"x-dead-letter-routing-key": DeadLetterQueue(q),
		}
		if t.cfg.SingleActiveConsumer {
			args["x-single-active-consumer"] = true
		}
		top.Queues = append(top.Queues,
			rabbitmq.Queue{Name: q, Args: args},
			rabbitmq.Queue{Name: DeadLetterQueue(q)})
		top.Bindings = append(top.Bindings,
			rabbitmq.Binding{Queue: q, Exchange: t.cfg.Exchange, Key: q},
			rabbitmq.Binding{Queue: DeadLetterQueue(q), Exchange: t.cfg.DeadLetterExchange, Key: DeadLetterQueue(q)})
	}
	return top
}

// DeadLetterQueue names the queue exhausted envelopes of queue land in
func DeadLetterQueue(queue string) string {
	return queue + ".dlq"
}

// DelayQueue names the TTL queue holding envelopes for queue for delay,
// rounded up to whole seconds
func DelayQueue(queue string, delay time.Duration) string {
	return queue + ".delay." + strconv.Itoa(delaySeconds(delay)) + "s"
}

func delaySeconds(delay time.Duration) int {
	s := int((delay + time.Second - 1) / time.Second)
	if s < 1 {
		s = 1
	}
	return s
}

// Publish implements forwarding.RetryQueue
func (t *Transport) Publish(ctx context.Context, env *forwarding.RetryEnvelope) error {
	msg, err := publishing(env)
	if err != nil {
		return err
	}
	return t.publish(ctx, t.cfg.Exchange, env.Queue, msg)
}

// Reschedule implements forwarding.RetryQueue. The delay queue is declared on
// every call; only a declare renews its x-expires lease, a publish does not.
func (t *Transport) Reschedule(ctx context.Context, env *forwarding.RetryEnvelope, delay time.Duration) error {
	msg, err := publishing(env)
	if err != nil {
		return err
	}

	name := DelayQueue(env.Queue, delay)
	top := t.delayTopology(env.Queue, delay)
	for attempt := 1; ; attempt++ {
		if err := t.declare(ctx, top); err != nil {
			return fmt.Errorf("declare %s: %w", name, err)
		}
		err := t.publish(ctx, t.cfg.DelayExchange, name, msg)
		// the queue can be deleted between declare and publish
		if attempt == 1 && errors.Is(err, rabbitmq.ErrPublishReturned) {
			t.logger.Warn("delay queue missing, redeclaring", "queue", name, "retryId", env.ID)
			continue
		}
		return err
	}
}

// Consume implements forwarding.RetryQueue. A lost channel is resubscribed
// with backoff; Consume returns nil once ctx is done.
func (t *Transport) Consume(ctx context.Context, queue string, handler forwarding.Handler) error {
	for attempt := 0; ; attempt++ {
		err := t.consumer.Consume(ctx, queue, t.settle(queue, handler))
		if ctx.Err() != nil {
			return nil
		}

		delay := t.resubscribe.NextDelay(attempt)
		t.logger.Warn("retry consumer interrupted, resubscribing", "queue", queue, "in", delay, "error", err)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(delay):
		}
	}
}

// Healthy reports whether the broker connection is up
func (t *Transport) Healthy(context.Context) error {
	if !t.manager.IsConnected() {
		return rabbitmq.ErrConnectionNotReady
	}
	return nil
}

// Depth returns how many envelopes wait in queue
func (t *Transport) Depth(ctx context.Context, queue string) (int, error) {
	q, err := rabbitmq.Inspect(ctx, t.pool, queue)
	if err != nil {
		return 0, err
	}
	return q.Messages, nil
}

// Close releases channels and the connection
func (t *Transport) Close() error {
	if t.pool != nil {
		_ = t.pool.Close()
	}
	return t.manager.Close()
}

func (t *Transport) settle(queue string, handler forwarding.Handler) rabbitmq.MessageHandler {
	return func(ctx context.Context, d amqp.Delivery) rabbitmq.Decision {
		env, err := forwarding.UnmarshalRetryEnvelope(d.Body)
		if err != nil {
			t.logger.Error("undecodable retry envelope, dead-lettering", "queue", queue, "messageId", d.MessageId, "error", err)
			return rabbitmq.Reject
		}

		herr := handler(ctx, env)
		switch {
		case herr == nil:
			return rabbitmq.Ack
		case errors.Is(herr, contracts.ErrRedeliveryExhausted):
			return t.deadLetter(ctx, queue, env)
		default:
			select {
			case <-ctx.Done():
			case <-time.After(t.requeuePause):
			}
			return rabbitmq.Requeue
		}
	}
}

// deadLetter publishes the final state of env to the DLQ. When that fails the
// broker dead-letters the original message instead.
func (t *Transport) deadLetter(ctx context.Context, queue string, env *forwarding.RetryEnvelope) rabbitmq.Decision {
	msg, err := publishing(env)
	if err == nil {
		err = t.publish(ctx, t.cfg.DeadLetterExchange, DeadLetterQueue(queue), msg)
	}
	if err != nil {
		t.logger.Warn("dead-letter publish failed, rejecting original", "queue", queue, "retryId", env.ID, "error", err)
		return rabbitmq.Reject
	}
	return rabbitmq.Ack
}

func (t *Transport) delayTopology(queue string, delay time.Duration) rabbitmq.Topology {
	name := DelayQueue(queue, delay)
	ttl := time.Duration(delaySeconds(delay)) * time.Second
	return rabbitmq.Topology{
		Queues: []rabbitmq.Queue{{
			Name: name,
			Args: amqp.Table{
				"x-message-ttl":             ttl.Milliseconds(),
				"x-expires":                 (ttl + delayQueueGrace).Milliseconds(),
				"x-dead-letter-exchange":    t.cfg.Exchange,
				"x-dead-letter-routing-key": queue,
			},
		}},
		Bindings: []rabbitmq.Binding{{Queue: name, Exchange: t.cfg.DelayExchange, Key: name}},
	}
}

func publishing(env *forwarding.RetryEnvelope) (amqp.Publishing, error) {
	body, err := env.Marshal()
	if err != nil {
		return amqp.Publishing{}, fmt.Errorf("encode retry envelope: %w", err)
	}
	return amqp.Publishing{
		ContentType:   "application/json",
		DeliveryMode:  amqp.Persistent,
		MessageId:     env.ID,
		CorrelationId: env.CorrelationID,
		Timestamp:     time.Now(),
		Headers: amqp.Table{
			headerFlow:    env.Flow,
			headerAttempt: int32(env.Attempt),
		},
		Body: body,
	}, nil
}
