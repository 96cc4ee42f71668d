package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/projecteka/gateway/cache"
	"github.com/projecteka/gateway/contracts"
	"github.com/projecteka/gateway/forwarding"
	"github.com/projecteka/gateway/registry"
	"github.com/projecteka/gateway/validation"
)

// ResponseOrchestrator handles the callback leg of every flow
type ResponseOrchestrator struct {
	validator  *validation.Validator
	cache      cache.Cache
	registry   registry.Registry
	actions    *Actions
	dispatcher *Dispatcher
	opts       options
}

// NewResponse creates a response orchestrator
func NewResponse(v *validation.Validator, c cache.Cache, reg registry.Registry, actions *Actions, d *Dispatcher, opts ...Option) *ResponseOrchestrator {
	return &ResponseOrchestrator{
		validator:  v,
		cache:      c,
		registry:   reg,
		actions:    actions,
		dispatcher: d,
		opts:       newOptions(opts),
	}
}

// HandleResponse matches a callback to the request it answers and dispatches
// it to the original caller with the caller's own request id restored.
func (o *ResponseOrchestrator) HandleResponse(ctx context.Context, flow contracts.Flow, env *contracts.Envelope, senderID string) (err error) {
	ctx, span := o.opts.tracer.Start(ctx, "orchestrator.response", trace.WithAttributes(
		attribute.String("gateway.flow", flow.Name),
		attribute.String("gateway.sender", senderID),
	))
	defer span.End()

	var correlationID, callerID string
	if env != nil {
		correlationID = env.CorrelationID
	}
	defer func() {
		o.opts.outcome(ctx, span, flow.Name, validation.KindResponse, err,
			"sender", senderID, "correlationId", correlationID, "target", callerID)
	}()

	res, err := o.validator.Validate(ctx, validation.Input{
		Kind:     validation.KindResponse,
		Flow:     flow,
		Envelope: env,
		SenderID: senderID,
	})
	if err != nil {
		return err
	}
	callerID = res.Entry.CallerID

	caller, err := o.caller(ctx, callerID)
	if err != nil {
		return err
	}

	body, err := env.WithCorrelationID(res.Entry.RequestID).Marshal()
	if err != nil {
		return contracts.WrapError(contracts.CodeMalformedEnvelope, err, "re-encode envelope")
	}

	if o.opts.singleUse {
		won, err := o.cache.Invalidate(ctx, correlationID)
		if err != nil {
			return contracts.WrapError(contracts.CodeCorrelationStoreFailure, err, "evict correlation")
		}
		if !won {
			return contracts.NewError(contracts.CodeUnknownOrExpiredCorrelation,
				fmt.Sprintf("correlation %s already answered", correlationID))
		}
	}

	del := &forwarding.Delivery{
		Flow:          flow.Name,
		CorrelationID: correlationID,
		TargetID:      caller.ID,
		TargetURL:     flow.CallbackURL(caller.CallbackBase()),
		Headers:       map[string]string{flow.CallbackHeader(): caller.ID},
		Body:          body,
	}
	if err := o.dispatcher.Dispatch(ctx, o.actions.For(flow.Name, validation.KindResponse), del); err != nil {
		return fmt.Errorf("dispatch: %w", err)
	}
	return nil
}

func (o *ResponseOrchestrator) caller(ctx context.Context, id string) (contracts.Participant, error) {
	p, err := o.registry.Resolve(ctx, id)
	if errors.Is(err, registry.ErrNotFound) {
		return p, contracts.NewError(contracts.CodeUnknownTarget, fmt.Sprintf("caller %s is no longer registered", id))
	}
	if err != nil {
		return p, contracts.WrapError(contracts.CodeRegistryUnavailable, err, "resolve caller")
	}
	if !p.Active {
		return p, contracts.NewError(contracts.CodeUnknownTarget, fmt.Sprintf("caller %s is inactive", id))
	}
	return p, nil
}
