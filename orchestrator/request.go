package orchestrator

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/projecteka/gateway/cache"
	"github.com/projecteka/gateway/contracts"
	"github.com/projecteka/gateway/forwarding"
	"github.com/projecteka/gateway/validation"
)

// RequestOrchestrator handles the request leg of every flow
type RequestOrchestrator struct {
	validator  *validation.Validator
	cache      cache.Cache
	actions    *Actions
	dispatcher *Dispatcher
	opts       options
}

// NewRequest creates a request orchestrator
func NewRequest(v *validation.Validator, c cache.Cache, actions *Actions, d *Dispatcher, opts ...Option) *RequestOrchestrator {
	return &RequestOrchestrator{
		validator:  v,
		cache:      c,
		actions:    actions,
		dispatcher: d,
		opts:       newOptions(opts),
	}
}

// HandleRequest admits a request and dispatches it to the target. A nil error
// means the request was accepted; the forward itself runs in the background
// and its failures are never returned here.
func (o *RequestOrchestrator) HandleRequest(ctx context.Context, flow contracts.Flow, env *contracts.Envelope, senderID, targetID string) (err error) {
	ctx, span := o.opts.tracer.Start(ctx, "orchestrator.request", trace.WithAttributes(
		attribute.String("gateway.flow", flow.Name),
		attribute.String("gateway.sender", senderID),
		attribute.String("gateway.target", targetID),
	))
	defer span.End()

	var correlationID, requestID string
	if env != nil {
		requestID = env.RequestID
	}
	defer func() {
		o.opts.outcome(ctx, span, flow.Name, validation.KindRequest, err,
			"sender", senderID, "target", targetID, "requestId", requestID, "correlationId", correlationID)
	}()

	res, err := o.validator.Validate(ctx, validation.Input{
		Kind:     validation.KindRequest,
		Flow:     flow,
		Envelope: env,
		SenderID: senderID,
		TargetID: targetID,
	})
	if err != nil {
		return err
	}

	correlationID = o.opts.newID()
	span.SetAttributes(attribute.String("gateway.correlation_id", correlationID))

	body, err := env.WithRequestID(correlationID).Marshal()
	if err != nil {
		return contracts.WrapError(contracts.CodeMalformedEnvelope, err, "re-encode envelope")
	}

	value, err := cache.Entry{
		RequestID: env.RequestID,
		CallerID:  res.Sender.ID,
		Flow:      flow.Name,
		TargetID:  res.Target.ID,
	}.Encode()
	if err != nil {
		return contracts.WrapError(contracts.CodeCorrelationStoreFailure, err, "encode correlation")
	}
	// the entry must exist before the target can possibly answer
	if err := o.cache.Put(ctx, correlationID, value, o.opts.ttl); err != nil {
		return contracts.WrapError(contracts.CodeCorrelationStoreFailure, err, "store correlation")
	}

	del := &forwarding.Delivery{
		Flow:          flow.Name,
		CorrelationID: correlationID,
		TargetID:      res.Target.ID,
		TargetURL:     flow.RequestURL(res.Target.BaseURL),
		Headers:       map[string]string{flow.TargetHeader: res.Target.ID},
		Body:          body,
	}
	if err := o.dispatcher.Dispatch(ctx, o.actions.For(flow.Name, validation.KindRequest), del); err != nil {
		return fmt.Errorf("dispatch: %w", err)
	}
	return nil
}
