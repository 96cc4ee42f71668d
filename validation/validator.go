// Package validation admits or rejects inbound calls before anything is cached
// or forwarded. It only reads from the registry and the correlation cache.
package validation

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/projecteka/gateway/cache"
	"github.com/projecteka/gateway/contracts"
	"github.com/projecteka/gateway/registry"
)

// Kind tells the validator which leg of a flow is being admitted
type Kind int

const (
	KindRequest Kind = iota
	KindResponse
)

func (k Kind) String() string {
	if k == KindResponse {
		return "response"
	}
	return "request"
}

// Input is everything the validator looks at
type Input struct {
	Kind     Kind
	Flow     contracts.Flow
	Envelope *contracts.Envelope
	SenderID string
	// TargetID is only used for requests
	TargetID string
}

// Result carries what the checks resolved so callers do not look it up again
type Result struct {
	Sender contracts.Participant
	// Target is set for requests
	Target contracts.Participant
	// Entry is set for responses
	Entry cache.Entry
}

// Validator runs the ordered admission checks
type Validator struct {
	registry registry.Registry
	cache    cache.Cache
}

// New creates a validator
func New(reg registry.Registry, c cache.Cache) *Validator {
	return &Validator{registry: reg, cache: c}
}

// Validate checks, in order, envelope shape, sender, flow authorization and
// then the target (requests) or the correlation pointer (responses). The first
// failure is returned as a *contracts.Error.
func (v *Validator) Validate(ctx context.Context, in Input) (Result, error) {
	var res Result

	if err := checkEnvelope(in); err != nil {
		return res, err
	}

	sender, err := v.sender(ctx, in.SenderID)
	if err != nil {
		return res, err
	}
	res.Sender = sender

	if err := checkFlow(in, sender); err != nil {
		return res, err
	}

	if in.Kind == KindRequest {
		res.Target, err = v.target(ctx, in.Flow, in.TargetID)
		return res, err
	}

	res.Entry, err = v.correlation(ctx, in.Flow, sender, in.Envelope.CorrelationID)
	return res, err
}

func checkEnvelope(in Input) error {
	env := in.Envelope
	if env == nil {
		return contracts.NewError(contracts.CodeMalformedEnvelope, "missing envelope")
	}
	if env.RequestID == "" {
		return contracts.NewError(contracts.CodeMalformedEnvelope, "requestId is required")
	}
	if _, err := uuid.Parse(env.RequestID); err != nil {
		return contracts.WrapError(contracts.CodeMalformedEnvelope, err, "requestId must be a UUID")
	}

	switch in.Kind {
	case KindRequest:
		if env.IsResponse() {
			return contracts.NewError(contracts.CodeMalformedEnvelope, "request already carries resp.requestId")
		}
	case KindResponse:
		if !env.IsResponse() {
			return contracts.NewError(contracts.CodeMalformedEnvelope, "resp.requestId is required")
		}
	}
	return nil
}

func (v *Validator) sender(ctx context.Context, id string) (contracts.Participant, error) {
	if id == "" {
		return contracts.Participant{}, contracts.NewError(contracts.CodeUnknownOrInactiveSender, "no sender identity")
	}

	p, err := v.registry.Resolve(ctx, id)
	if errors.Is(err, registry.ErrNotFound) {
		return contracts.Participant{}, contracts.NewError(contracts.CodeUnknownOrInactiveSender, fmt.Sprintf("unknown sender %s", id))
	}
	if err != nil {
		return contracts.Participant{}, contracts.WrapError(contracts.CodeRegistryUnavailable, err, "resolve sender")
	}
	if !p.Active {
		return contracts.Participant{}, contracts.NewError(contracts.CodeUnknownOrInactiveSender, fmt.Sprintf("inactive sender %s", id))
	}
	return p, nil
}

func checkFlow(in Input, sender contracts.Participant) error {
	allowed := in.Flow.RequesterRoles
	if in.Kind == KindResponse {
		if !in.Flow.HasCallback() {
			return contracts.NewError(contracts.CodeUnauthorizedFlow, fmt.Sprintf("%s has no callback", in.Flow.Name))
		}
		allowed = in.Flow.ResponderRoles
	}

	if !sender.HasRole(allowed) {
		return contracts.NewError(contracts.CodeUnauthorizedFlow,
			fmt.Sprintf("%s %s may not send %s %s", sender.Role, sender.ID, in.Flow.Name, in.Kind))
	}
	return nil
}

func (v *Validator) target(ctx context.Context, flow contracts.Flow, id string) (contracts.Participant, error) {
	if id == "" {
		return contracts.Participant{}, contracts.NewError(contracts.CodeUnknownTarget, fmt.Sprintf("%s header is required", flow.TargetHeader))
	}

	p, err := v.registry.Resolve(ctx, id)
	if errors.Is(err, registry.ErrNotFound) {
		return contracts.Participant{}, contracts.NewError(contracts.CodeUnknownTarget, fmt.Sprintf("unknown target %s", id))
	}
	if err != nil {
		return contracts.Participant{}, contracts.WrapError(contracts.CodeRegistryUnavailable, err, "resolve target")
	}
	if !p.Active {
		return contracts.Participant{}, contracts.NewError(contracts.CodeUnknownTarget, fmt.Sprintf("inactive target %s", id))
	}
	if !p.HasRole(flow.TargetRoles) {
		return contracts.Participant{}, contracts.NewError(contracts.CodeUnknownTarget,
			fmt.Sprintf("%s %s cannot receive %s", p.Role, id, flow.Name))
	}
	return p, nil
}

func (v *Validator) correlation(ctx context.Context, flow contracts.Flow, sender contracts.Participant, id string) (cache.Entry, error) {
	value, ok, err := v.cache.Get(ctx, id)
	if err != nil {
		return cache.Entry{}, contracts.WrapError(contracts.CodeCorrelationStoreFailure, err, "read correlation")
	}
	if !ok {
		return cache.Entry{}, contracts.NewError(contracts.CodeUnknownOrExpiredCorrelation, fmt.Sprintf("unknown or expired correlation %s", id))
	}

	entry, err := cache.DecodeEntry(value)
	if err != nil {
		return cache.Entry{}, contracts.WrapError(contracts.CodeUnknownOrExpiredCorrelation, err, "unreadable correlation")
	}
	if entry.Flow != flow.Name {
		return cache.Entry{}, contracts.NewError(contracts.CodeUnknownOrExpiredCorrelation,
			fmt.Sprintf("correlation %s belongs to %s", id, entry.Flow))
	}
	// only the addressed participant, or a bridge fronting it, may answer
	if entry.TargetID != "" && entry.TargetID != sender.ID && sender.Role != contracts.RoleBridge {
		return cache.Entry{}, contracts.NewError(contracts.CodeUnknownOrExpiredCorrelation,
			fmt.Sprintf("correlation %s was not addressed to %s", id, sender.ID))
	}
	return entry, nil
}
