package forwarding

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/projecteka/gateway/contracts"
	"github.com/projecteka/gateway/internal/metrics"
	"github.com/projecteka/gateway/internal/reliability"
)

// DefaultTimeout bounds a single outbound call
const DefaultTimeout = 5 * time.Second

// StatusError is a non-2xx answer from a target
type StatusError struct {
	URL        string
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s answered %d %s", e.URL, e.StatusCode, http.StatusText(e.StatusCode))
}

// Direct posts the delivery body once and reports the outcome
type Direct struct {
	client   *http.Client
	timeout  time.Duration
	tokens   TokenSource
	breakers *reliability.BreakerGroup
	metrics  *metrics.Metrics
	logger   *slog.Logger
	tracer   trace.Tracer
}

// DirectOption configures a Direct deliverer
type DirectOption func(*Direct)

// WithHTTPClient sets the HTTP client. Its own Timeout is left untouched; the
// per-call timeout comes from WithTimeout.
func WithHTTPClient(c *http.Client) DirectOption {
	return func(d *Direct) {
		d.client = c
	}
}

// WithTimeout sets the per-call timeout
func WithTimeout(timeout time.Duration) DirectOption {
	return func(d *Direct) {
		if timeout > 0 {
			d.timeout = timeout
		}
	}
}

// WithTokenSource sets where bearer tokens come from
func WithTokenSource(ts TokenSource) DirectOption {
	return func(d *Direct) {
		d.tokens = ts
	}
}

// WithBreakers guards every target with its own circuit breaker
func WithBreakers(g *reliability.BreakerGroup) DirectOption {
	return func(d *Direct) {
		d.breakers = g
	}
}

// WithMetrics records attempt results
func WithMetrics(m *metrics.Metrics) DirectOption {
	return func(d *Direct) {
		d.metrics = m
	}
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) DirectOption {
	return func(d *Direct) {
		d.logger = logger
	}
}

// NewDirect creates a Direct deliverer
func NewDirect(opts ...DirectOption) *Direct {
	d := &Direct{
		client:  &http.Client{},
		timeout: DefaultTimeout,
		tokens:  StaticToken(""),
		logger:  slog.Default(),
		tracer:  otel.Tracer("github.com/projecteka/gateway/forwarding"),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Deliver implements Action. Failures are *contracts.Error with code
// FORWARD_TIMEOUT or FORWARD_REJECTED.
func (d *Direct) Deliver(ctx context.Context, del *Delivery) error {
	ctx, span := d.tracer.Start(ctx, "forwarding.deliver", trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("gateway.flow", del.Flow),
			attribute.String("gateway.target", del.TargetID),
			attribute.String("gateway.correlation_id", del.CorrelationID),
		))
	defer span.End()

	start := time.Now()
	var err error
	if d.breakers != nil {
		err = d.breakers.Get(del.TargetID).Execute(ctx, func(ctx context.Context) error {
			return d.post(ctx, del)
		})
	} else {
		err = d.post(ctx, del)
	}
	err = classify(del, err)

	result := "delivered"
	if err != nil {
		result = strings.ToLower(string(contracts.CodeOf(err)))
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	d.metrics.Forward(del.Flow, result, time.Since(start))

	d.logger.Debug("delivery attempt",
		"flow", del.Flow,
		"target", del.TargetID,
		"correlationId", del.CorrelationID,
		"result", result,
		"took", time.Since(start))

	return err
}

func (d *Direct) post(ctx context.Context, del *Delivery) error {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, del.TargetURL, bytes.NewReader(del.Body))
	if err != nil {
		return reliability.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range del.Headers {
		req.Header.Set(k, v)
	}

	token, err := d.tokens.Token(ctx)
	if err != nil {
		return fmt.Errorf("acquire token: %w", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	resp, err := d.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &StatusError{URL: del.TargetURL, StatusCode: resp.StatusCode}
	}
	return nil
}

func classify(del *Delivery, err error) error {
	if err == nil {
		return nil
	}

	if isTimeout(err) {
		return contracts.WrapError(contracts.CodeForwardTimeout, err, fmt.Sprintf("deliver to %s", del.TargetID))
	}

	var cbErr *reliability.CircuitBreakerError
	if errors.As(err, &cbErr) {
		return contracts.WrapError(contracts.CodeForwardRejected, err, fmt.Sprintf("target %s unavailable", del.TargetID))
	}

	return contracts.WrapError(contracts.CodeForwardRejected, err, fmt.Sprintf("deliver to %s", del.TargetID))
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
