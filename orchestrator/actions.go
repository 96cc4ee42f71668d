package orchestrator

import (
	"github.com/projecteka/gateway/forwarding"
	"github.com/projecteka/gateway/validation"
)

type actionKey struct {
	flow string
	kind validation.Kind
}

// Actions picks the forwarding action per flow and leg. Legs without an
// override use the default action.
type Actions struct {
	def       forwarding.Action
	overrides map[actionKey]forwarding.Action
}

// NewActions creates a table whose default is def
func NewActions(def forwarding.Action) *Actions {
	return &Actions{def: def, overrides: make(map[actionKey]forwarding.Action)}
}

// Set overrides the action for one leg of a flow
func (a *Actions) Set(flow string, kind validation.Kind, action forwarding.Action) *Actions {
	a.overrides[actionKey{flow, kind}] = action
	return a
}

// For returns the action for one leg of a flow
func (a *Actions) For(flow string, kind validation.Kind) forwarding.Action {
	if action, ok := a.overrides[actionKey{flow, kind}]; ok {
		return action
	}
	return a.def
}
