package rabbitmq

import (
	"context"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Exchange is an exchange to declare. Exchanges are always durable.
type Exchange struct {
	Name string
	Kind string
}

// Queue is a durable queue to declare
type Queue struct {
	Name string
	Args amqp.Table
}

// Binding binds Queue to Exchange under Key
type Binding struct {
	Queue    string
	Exchange string
	Key      string
}

// Topology lists everything to declare. Declaration is idempotent as long as
// arguments do not change between runs.
type Topology struct {
	Exchanges []Exchange
	Queues    []Queue
	Bindings  []Binding
}

// Merge appends other's declarations
func (t *Topology) Merge(other Topology) {
	t.Exchanges = append(t.Exchanges, other.Exchanges...)
	t.Queues = append(t.Queues, other.Queues...)
	t.Bindings = append(t.Bindings, other.Bindings...)
}

// Declare declares exchanges, then queues, then bindings
func Declare(ctx context.Context, pool *ChannelPool, t Topology) error {
	return pool.Execute(ctx, func(ch *PooledChannel) error {
		for _, e := range t.Exchanges {
			if err := ch.ExchangeDeclare(e.Name, e.Kind, true, false, false, false, nil); err != nil {
				return &TopologyError{Component: "exchange", Name: e.Name, Err: err}
			}
		}
		for _, q := range t.Queues {
			if _, err := ch.QueueDeclare(q.Name, true, false, false, false, q.Args); err != nil {
				return &TopologyError{Component: "queue", Name: q.Name, Err: err}
			}
		}
		for _, b := range t.Bindings {
			if err := ch.QueueBind(b.Queue, b.Key, b.Exchange, false, nil); err != nil {
				return &TopologyError{Component: "binding", Name: b.Exchange + "->" + b.Queue, Err: err}
			}
		}
		return nil
	})
}

// Inspect returns queue depth and consumer count without declaring it
func Inspect(ctx context.Context, pool *ChannelPool, queue string) (amqp.Queue, error) {
	var q amqp.Queue
	err := pool.Execute(ctx, func(ch *PooledChannel) error {
		var err error
		q, err = ch.QueueDeclarePassive(queue, true, false, false, false, nil)
		return err
	})
	return q, err
}
