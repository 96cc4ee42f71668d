package forwarding

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/projecteka/gateway/contracts"
)

// ErrQueueClosed is returned by a closed MemoryQueue
var ErrQueueClosed = errors.New("forwarding: queue closed")

// MemoryQueue is an in-process RetryQueue. Envelopes are stored encoded, as a
// broker would hold them, and survive only as long as the process.
type MemoryQueue struct {
	mu          sync.Mutex
	queues      map[string]*memQueue
	published   map[string]int
	closed      bool
	retryPause  time.Duration
	timers      map[*time.Timer]struct{}
	timersGroup sync.WaitGroup
}

type memQueue struct {
	items  [][]byte
	dead   [][]byte
	notify chan struct{}
}

// MemoryQueueOption configures a MemoryQueue
type MemoryQueueOption func(*MemoryQueue)

// WithRequeuePause sets how long a consumer waits before retrying an envelope
// its handler returned to the queue
func WithRequeuePause(d time.Duration) MemoryQueueOption {
	return func(q *MemoryQueue) {
		q.retryPause = d
	}
}

// NewMemoryQueue creates an empty queue set
func NewMemoryQueue(opts ...MemoryQueueOption) *MemoryQueue {
	q := &MemoryQueue{
		queues:     make(map[string]*memQueue),
		published:  make(map[string]int),
		retryPause: 100 * time.Millisecond,
		timers:     make(map[*time.Timer]struct{}),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Publish implements RetryQueue
func (q *MemoryQueue) Publish(_ context.Context, env *RetryEnvelope) error {
	body, err := env.Marshal()
	if err != nil {
		return err
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrQueueClosed
	}
	q.published[env.Queue]++
	q.pushLocked(env.Queue, body, false)
	return nil
}

// Reschedule implements RetryQueue
func (q *MemoryQueue) Reschedule(_ context.Context, env *RetryEnvelope, delay time.Duration) error {
	body, err := env.Marshal()
	if err != nil {
		return err
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrQueueClosed
	}

	q.timersGroup.Add(1)
	var timer *time.Timer
	timer = time.AfterFunc(delay, func() {
		defer q.timersGroup.Done()
		q.mu.Lock()
		defer q.mu.Unlock()
		delete(q.timers, timer)
		if !q.closed {
			q.pushLocked(env.Queue, body, false)
		}
	})
	q.timers[timer] = struct{}{}
	return nil
}

// Consume implements RetryQueue. It returns nil once ctx is done or the queue
// is closed.
func (q *MemoryQueue) Consume(ctx context.Context, queue string, handler Handler) error {
	for {
		body, notify, err := q.pop(queue)
		if errors.Is(err, ErrQueueClosed) {
			return nil
		}
		if body == nil {
			select {
			case <-ctx.Done():
				return nil
			case <-notify:
				continue
			}
		}

		env, err := UnmarshalRetryEnvelope(body)
		if err != nil {
			q.deadLetter(queue, body)
			continue
		}

		herr := handler(ctx, env)
		switch {
		case herr == nil:
		case errors.Is(herr, contracts.ErrRedeliveryExhausted):
			if b, err := env.Marshal(); err == nil {
				body = b
			}
			q.deadLetter(queue, body)
		default:
			q.requeue(queue, body)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(q.retryPause):
			}
		}
	}
}

// Published returns how many envelopes were first published to queue
func (q *MemoryQueue) Published(queue string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.published[queue]
}

// Len returns the number of envelopes waiting on queue
func (q *MemoryQueue) Len(queue string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	if mq, ok := q.queues[queue]; ok {
		return len(mq.items)
	}
	return 0
}

// DeadLetters returns the dead-lettered envelopes of queue
func (q *MemoryQueue) DeadLetters(queue string) []*RetryEnvelope {
	q.mu.Lock()
	var bodies [][]byte
	if mq, ok := q.queues[queue]; ok {
		bodies = append(bodies, mq.dead...)
	}
	q.mu.Unlock()

	out := make([]*RetryEnvelope, 0, len(bodies))
	for _, b := range bodies {
		if env, err := UnmarshalRetryEnvelope(b); err == nil {
			out = append(out, env)
		}
	}
	return out
}

// Close drops pending reschedules and stops accepting envelopes
func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	for t := range q.timers {
		if t.Stop() {
			q.timersGroup.Done()
		}
	}
	q.timers = nil
	for _, mq := range q.queues {
		close(mq.notify)
	}
	q.mu.Unlock()

	q.timersGroup.Wait()
	return nil
}

func (q *MemoryQueue) queueLocked(name string) *memQueue {
	mq, ok := q.queues[name]
	if !ok {
		mq = &memQueue{notify: make(chan struct{}, 1)}
		q.queues[name] = mq
	}
	return mq
}

func (q *MemoryQueue) pushLocked(name string, body []byte, front bool) {
	mq := q.queueLocked(name)
	if front {
		mq.items = append([][]byte{body}, mq.items...)
	} else {
		mq.items = append(mq.items, body)
	}
	select {
	case mq.notify <- struct{}{}:
	default:
	}
}

func (q *MemoryQueue) pop(name string) ([]byte, <-chan struct{}, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil, nil, ErrQueueClosed
	}

	mq := q.queueLocked(name)
	if len(mq.items) == 0 {
		return nil, mq.notify, nil
	}
	body := mq.items[0]
	mq.items = mq.items[1:]
	return body, mq.notify, nil
}

func (q *MemoryQueue) requeue(name string, body []byte) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.closed {
		q.pushLocked(name, body, true)
	}
}

func (q *MemoryQueue) deadLetter(name string, body []byte) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.closed {
		mq := q.queueLocked(name)
		mq.dead = append(mq.dead, body)
	}
}
