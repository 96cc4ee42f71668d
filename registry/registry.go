// Package registry resolves participant ids to their routing metadata.
package registry

import (
	"context"
	"errors"

	"github.com/projecteka/gateway/contracts"
)

// ErrNotFound is returned when no participant has the requested id
var ErrNotFound = errors.New("registry: participant not found")

// Registry is the participant directory
type Registry interface {
	Resolve(ctx context.Context, id string) (contracts.Participant, error)
}

// Func adapts a function to Registry
type Func func(ctx context.Context, id string) (contracts.Participant, error)

// Resolve implements Registry
func (f Func) Resolve(ctx context.Context, id string) (contracts.Participant, error) {
	return f(ctx, id)
}
