package reliability

import (
	"context"
	"sync"
	"time"
)

// State represents the circuit breaker state
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// StateChangeFunc is called after a breaker changes state. It runs with the
// breaker lock released.
type StateChangeFunc func(name string, from, to State)

// CircuitBreaker stops calls to a failing dependency. After FailureThreshold
// consecutive failures it opens for Timeout, then lets HalfOpenRequests trials
// through; SuccessThreshold successful trials close it again and any failed
// trial reopens it.
type CircuitBreaker struct {
	mu        sync.Mutex
	state     State
	failures  int
	successes int
	trials    int
	openedAt  time.Time

	name             string
	failureThreshold int
	successThreshold int
	timeout          time.Duration
	halfOpenRequests int
	onStateChange    StateChangeFunc
	now              func() time.Time
}

// CircuitBreakerOption configures the circuit breaker
type CircuitBreakerOption func(*CircuitBreaker)

// WithFailureThreshold sets the number of consecutive failures that open the
// circuit
func WithFailureThreshold(threshold int) CircuitBreakerOption {
	return func(cb *CircuitBreaker) {
		if threshold > 0 {
			cb.failureThreshold = threshold
		}
	}
}

// WithSuccessThreshold sets the successful trials needed to close the circuit
func WithSuccessThreshold(threshold int) CircuitBreakerOption {
	return func(cb *CircuitBreaker) {
		if threshold > 0 {
			cb.successThreshold = threshold
		}
	}
}

// WithTimeout sets how long the circuit stays open
func WithTimeout(timeout time.Duration) CircuitBreakerOption {
	return func(cb *CircuitBreaker) {
		if timeout > 0 {
			cb.timeout = timeout
		}
	}
}

// WithHalfOpenRequests sets the max concurrent trials in half-open state
func WithHalfOpenRequests(requests int) CircuitBreakerOption {
	return func(cb *CircuitBreaker) {
		if requests > 0 {
			cb.halfOpenRequests = requests
		}
	}
}

// WithName sets the circuit breaker name
func WithName(name string) CircuitBreakerOption {
	return func(cb *CircuitBreaker) {
		cb.name = name
	}
}

// WithStateChange registers a state change callback
func WithStateChange(fn StateChangeFunc) CircuitBreakerOption {
	return func(cb *CircuitBreaker) {
		cb.onStateChange = fn
	}
}

// WithClock overrides the time source
func WithClock(now func() time.Time) CircuitBreakerOption {
	return func(cb *CircuitBreaker) {
		cb.now = now
	}
}

// NewCircuitBreaker creates a new circuit breaker
func NewCircuitBreaker(options ...CircuitBreakerOption) *CircuitBreaker {
	cb := &CircuitBreaker{
		state:            StateClosed,
		name:             "default",
		failureThreshold: 5,
		successThreshold: 1,
		timeout:          30 * time.Second,
		halfOpenRequests: 1,
		now:              time.Now,
	}

	for _, opt := range options {
		opt(cb)
	}

	return cb
}

// Execute runs fn unless the circuit refuses it. A refused call returns a
// *CircuitBreakerError without running fn.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := cb.acquire(); err != nil {
		return err
	}

	err := fn(ctx)
	cb.record(err)
	return err
}

// State returns the current state
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Name returns the breaker name
func (cb *CircuitBreaker) Name() string {
	return cb.name
}

// Reset closes the circuit and clears counters
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	from := cb.state
	cb.state = StateClosed
	cb.failures = 0
	cb.successes = 0
	cb.trials = 0
	cb.mu.Unlock()

	cb.notify(from, StateClosed)
}

func (cb *CircuitBreaker) acquire() error {
	cb.mu.Lock()

	switch cb.state {
	case StateOpen:
		nextRetry := cb.openedAt.Add(cb.timeout)
		if cb.now().Before(nextRetry) {
			err := &CircuitBreakerError{
				Name:             cb.name,
				State:            StateOpen,
				Failures:         cb.failures,
				FailureThreshold: cb.failureThreshold,
				NextRetry:        nextRetry,
			}
			cb.mu.Unlock()
			return err
		}
		cb.state = StateHalfOpen
		cb.successes = 0
		cb.trials = 1
		cb.mu.Unlock()
		cb.notify(StateOpen, StateHalfOpen)
		return nil

	case StateHalfOpen:
		if cb.trials >= cb.halfOpenRequests {
			err := &CircuitBreakerError{Name: cb.name, State: StateHalfOpen}
			cb.mu.Unlock()
			return err
		}
		cb.trials++
	}

	cb.mu.Unlock()
	return nil
}

func (cb *CircuitBreaker) record(err error) {
	cb.mu.Lock()
	from := cb.state

	if err != nil {
		cb.failures++
		switch cb.state {
		case StateClosed:
			if cb.failures >= cb.failureThreshold {
				cb.state = StateOpen
				cb.openedAt = cb.now()
			}
		case StateHalfOpen:
			cb.state = StateOpen
			cb.openedAt = cb.now()
			cb.trials = 0
		}
	} else {
		switch cb.state {
		case StateClosed:
			cb.failures = 0
		case StateHalfOpen:
			cb.successes++
			cb.trials--
			if cb.successes >= cb.successThreshold {
				cb.state = StateClosed
				cb.failures = 0
				cb.trials = 0
			}
		}
	}

	to := cb.state
	cb.mu.Unlock()

	if from != to {
		cb.notify(from, to)
	}
}

func (cb *CircuitBreaker) notify(from, to State) {
	if cb.onStateChange != nil && from != to {
		cb.onStateChange(cb.name, from, to)
	}
}

// BreakerGroup lazily creates one circuit breaker per key, all sharing the
// same options.
type BreakerGroup struct {
	mu       sync.Mutex
	breakers map[string]*CircuitBreaker
	options  []CircuitBreakerOption
}

// NewBreakerGroup creates an empty group
func NewBreakerGroup(options ...CircuitBreakerOption) *BreakerGroup {
	return &BreakerGroup{
		breakers: make(map[string]*CircuitBreaker),
		options:  options,
	}
}

// Get returns the breaker for key, creating it on first use
func (g *BreakerGroup) Get(key string) *CircuitBreaker {
	g.mu.Lock()
	defer g.mu.Unlock()

	cb, ok := g.breakers[key]
	if !ok {
		opts := append([]CircuitBreakerOption{}, g.options...)
		opts = append(opts, WithName(key))
		cb = NewCircuitBreaker(opts...)
		g.breakers[key] = cb
	}
	return cb
}

// States returns a snapshot of every breaker's state
func (g *BreakerGroup) States() map[string]State {
	g.mu.Lock()
	breakers := make([]*CircuitBreaker, 0, len(g.breakers))
	for _, cb := range g.breakers {
		breakers = append(breakers, cb)
	}
	g.mu.Unlock()

	out := make(map[string]State, len(breakers))
	for _, cb := range breakers {
		out[cb.name] = cb.State()
	}
	return out
}
