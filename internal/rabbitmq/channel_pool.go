package rabbitmq

import (
	"context"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// ChannelPool hands out confirm-mode channels on the managed connection.
// Channels closed by the broker are dropped when they come back.
type ChannelPool struct {
	manager *ConnectionManager
	maxSize int
	wait    time.Duration

	mu       sync.Mutex
	idle     chan *PooledChannel
	open     int
	closed   bool
	released chan struct{}
}

// PooledChannel is a channel in confirm mode with its own confirm and return
// listeners
type PooledChannel struct {
	*amqp.Channel
	confirms chan amqp.Confirmation
	returns  chan amqp.Return
}

// ChannelPoolOption configures the channel pool
type ChannelPoolOption func(*ChannelPool)

// WithMaxSize caps how many channels are open at once
func WithMaxSize(size int) ChannelPoolOption {
	return func(cp *ChannelPool) {
		cp.maxSize = size
	}
}

// WithAcquireTimeout bounds how long Get waits when every channel is busy
func WithAcquireTimeout(d time.Duration) ChannelPoolOption {
	return func(cp *ChannelPool) {
		cp.wait = d
	}
}

// NewChannelPool creates a pool. Channels are opened lazily.
func NewChannelPool(manager *ConnectionManager, options ...ChannelPoolOption) (*ChannelPool, error) {
	if manager == nil {
		return nil, fmt.Errorf("%w: nil connection manager", ErrInvalidConfiguration)
	}

	cp := &ChannelPool{
		manager: manager,
		maxSize: 8,
		wait:    5 * time.Second,
	}
	for _, opt := range options {
		opt(cp)
	}
	if cp.maxSize < 1 {
		return nil, fmt.Errorf("%w: max size must be at least 1", ErrInvalidConfiguration)
	}

	cp.idle = make(chan *PooledChannel, cp.maxSize)
	cp.released = make(chan struct{}, cp.maxSize)
	return cp, nil
}

// Get returns an idle channel, opens a new one, or waits for one to be put
// back
func (cp *ChannelPool) Get(ctx context.Context) (*PooledChannel, error) {
	timeout := time.NewTimer(cp.wait)
	defer timeout.Stop()

	for {
		cp.mu.Lock()
		if cp.closed {
			cp.mu.Unlock()
			return nil, ErrChannelPoolClosed
		}
		select {
		case ch := <-cp.idle:
			cp.mu.Unlock()
			if ch.IsClosed() {
				cp.drop()
				continue
			}
			return ch, nil
		default:
		}
		if cp.open < cp.maxSize {
			cp.open++
			cp.mu.Unlock()
			ch, err := cp.create()
			if err != nil {
				cp.drop()
				return nil, err
			}
			return ch, nil
		}
		cp.mu.Unlock()

		select {
		case <-cp.released:
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timeout.C:
			return nil, ErrChannelPoolExhausted
		}
	}
}

// Put returns ch to the pool
func (cp *ChannelPool) Put(ch *PooledChannel) {
	if ch == nil {
		return
	}

	cp.mu.Lock()
	if cp.closed || ch.IsClosed() {
		cp.mu.Unlock()
		_ = ch.Close()
		cp.drop()
		return
	}
	cp.idle <- ch
	cp.mu.Unlock()
	cp.signal()
}

// Discard closes ch instead of returning it, for channels left in an unknown
// state
func (cp *ChannelPool) Discard(ch *PooledChannel) {
	if ch == nil {
		return
	}
	_ = ch.Close()
	cp.drop()
}

// Execute runs fn on a pooled channel. A channel that fn leaves closed is
// not reused.
func (cp *ChannelPool) Execute(ctx context.Context, fn func(*PooledChannel) error) error {
	ch, err := cp.Get(ctx)
	if err != nil {
		return err
	}
	defer cp.Put(ch)
	return fn(ch)
}

// Size returns the number of open channels
func (cp *ChannelPool) Size() int {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	return cp.open
}

// Close closes every idle channel. Channels in use are closed when put back.
func (cp *ChannelPool) Close() error {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	if cp.closed {
		return nil
	}
	cp.closed = true

	for {
		select {
		case ch := <-cp.idle:
			_ = ch.Close()
			cp.open--
		default:
			return nil
		}
	}
}

func (cp *ChannelPool) create() (*PooledChannel, error) {
	conn, err := cp.manager.Connection()
	if err != nil {
		return nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("open channel: %w", err)
	}
	if err := ch.Confirm(false); err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("enable confirms: %w", err)
	}
	return &PooledChannel{
		Channel:  ch,
		confirms: ch.NotifyPublish(make(chan amqp.Confirmation, 1)),
		returns:  ch.NotifyReturn(make(chan amqp.Return, 1)),
	}, nil
}

func (cp *ChannelPool) drop() {
	cp.mu.Lock()
	cp.open--
	cp.mu.Unlock()
	cp.signal()
}

func (cp *ChannelPool) signal() {
	select {
	case cp.released <- struct{}{}:
	default:
	}
}
