// Package orchestrator drives the two legs of every flow. The request side
// admits a call, mints a correlation id, stores it and forwards the rewritten
// envelope; the response side matches a callback to its stored correlation
// and forwards it to the original caller.
package orchestrator

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/projecteka/gateway/cache"
	"github.com/projecteka/gateway/contracts"
	"github.com/projecteka/gateway/internal/metrics"
	"github.com/projecteka/gateway/validation"
)

const tracerName = "github.com/projecteka/gateway/orchestrator"

type options struct {
	ttl       time.Duration
	singleUse bool
	newID     func() string
	logger    *slog.Logger
	metrics   *metrics.Metrics
	tracer    trace.Tracer
}

// Option configures an orchestrator
type Option func(*options)

// WithTTL sets how long a correlation waits for its callback
func WithTTL(ttl time.Duration) Option {
	return func(o *options) {
		if ttl > 0 {
			o.ttl = ttl
		}
	}
}

// WithSingleUse controls whether a matched correlation is evicted, so a
// duplicate callback is rejected instead of delivered twice. On by default.
func WithSingleUse(enabled bool) Option {
	return func(o *options) {
		o.singleUse = enabled
	}
}

// WithIDGenerator overrides how correlation ids are minted
func WithIDGenerator(fn func() string) Option {
	return func(o *options) {
		o.newID = fn
	}
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithMetrics records inbound outcomes
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *options) {
		o.metrics = m
	}
}

func newOptions(opts []Option) options {
	o := options{
		ttl:       cache.DefaultTTL,
		singleUse: true,
		newID:     uuid.NewString,
		logger:    slog.Default(),
		tracer:    otel.Tracer(tracerName),
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// outcome logs and counts how an inbound call ended
func (o options) outcome(ctx context.Context, span trace.Span, flow string, kind validation.Kind, err error, attrs ...any) {
	code := "accepted"
	if err != nil {
		code = string(contracts.CodeOf(err))
		if code == "" {
			code = "INTERNAL"
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, code)
	}
	o.metrics.Inbound(flow, kind.String(), code)

	attrs = append(attrs, "flow", flow, "kind", kind.String())
	switch {
	case err == nil:
		o.logger.InfoContext(ctx, "accepted", attrs...)
	case contracts.IsValidation(err):
		o.logger.InfoContext(ctx, "rejected", append(attrs, "code", code, "error", err)...)
	default:
		o.logger.ErrorContext(ctx, "failed", append(attrs, "code", code, "error", err)...)
	}
}
