// Package forwarding delivers rewritten envelopes to participants. Direct makes
// a single bounded HTTP call; Retryable wraps it and hands failures to a
// durable RetryQueue, which a Redeliverer drains.
package forwarding

import (
	"context"
	"maps"
)

// Delivery is one outbound call
type Delivery struct {
	Flow          string
	CorrelationID string
	TargetID      string
	TargetURL     string
	Headers       map[string]string
	Body          []byte
}

// Clone returns a deep copy
func (d *Delivery) Clone() *Delivery {
	c := *d
	c.Headers = maps.Clone(d.Headers)
	c.Body = append([]byte(nil), d.Body...)
	return &c
}

// Action delivers a message to its target
type Action interface {
	Deliver(ctx context.Context, d *Delivery) error
}

// ActionFunc adapts a function to Action
type ActionFunc func(ctx context.Context, d *Delivery) error

// Deliver implements Action
func (f ActionFunc) Deliver(ctx context.Context, d *Delivery) error {
	return f(ctx, d)
}

// State is the lifecycle position of a forwarded message
type State int

const (
	StateCreated State = iota
	StateDispatched
	StateDelivered
	StateFailed
	StateQueued
	StateAbandoned
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateDispatched:
		return "dispatched"
	case StateDelivered:
		return "delivered"
	case StateFailed:
		return "failed"
	case StateQueued:
		return "queued"
	case StateAbandoned:
		return "abandoned"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transition is possible
func (s State) Terminal() bool {
	return s == StateDelivered || s == StateAbandoned
}
