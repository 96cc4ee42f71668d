// Package httptransport is the inbound surface of the gateway: one POST route per flow
// leg, bearer authentication of the sender, and translation of orchestrator
// outcomes into status codes.
package httptransport

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/projecteka/gateway/contracts"
)

// DefaultMaxBodyBytes caps inbound envelopes
const DefaultMaxBodyBytes = 1 << 20

// RequestHandler admits the request leg of a flow
type RequestHandler interface {
	HandleRequest(ctx context.Context, flow contracts.Flow, env *contracts.Envelope, senderID, targetID string) error
}

// ResponseHandler admits the callback leg of a flow
type ResponseHandler interface {
	HandleResponse(ctx context.Context, flow contracts.Flow, env *contracts.Envelope, senderID string) error
}

type routerOptions struct {
	logger       *slog.Logger
	health       http.Handler
	metrics      http.Handler
	maxBodyBytes int64
}

// Option configures the router
type Option func(*routerOptions)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(o *routerOptions) {
		o.logger = logger
	}
}

// WithHealthHandler serves GET /health without authentication
func WithHealthHandler(h http.Handler) Option {
	return func(o *routerOptions) {
		o.health = h
	}
}

// WithMetricsHandler serves GET /metrics without authentication
func WithMetricsHandler(h http.Handler) Option {
	return func(o *routerOptions) {
		o.metrics = h
	}
}

// WithMaxBodyBytes caps the size of an inbound envelope
func WithMaxBodyBytes(n int64) Option {
	return func(o *routerOptions) {
		if n > 0 {
			o.maxBodyBytes = n
		}
	}
}

// NewRouter mounts the request path of every flow and the callback path of
// every flow that has one
func NewRouter(flows []contracts.Flow, auth Authenticator, req RequestHandler, resp ResponseHandler, opts ...Option) http.Handler {
	o := routerOptions{logger: slog.Default(), maxBodyBytes: DefaultMaxBodyBytes}
	for _, opt := range opts {
		opt(&o)
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(accessLog(o.logger))

	if o.health != nil {
		r.Method(http.MethodGet, "/health", o.health)
	}
	if o.metrics != nil {
		r.Method(http.MethodGet, "/metrics", o.metrics)
	}

	r.Group(func(r chi.Router) {
		r.Use(RequireSender(auth, o.logger))
		for _, f := range flows {
			r.Post(f.RequestPath, o.requestRoute(f, req))
			if f.HasCallback() {
				r.Post(f.CallbackPath, o.responseRoute(f, resp))
			}
		}
	})
	return r
}

func (o routerOptions) requestRoute(flow contracts.Flow, h RequestHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		env, err := o.envelope(w, r)
		if err != nil {
			writeError(w, o.logger, err)
			return
		}
		target := r.Header.Get(flow.TargetHeader)
		if err := h.HandleRequest(r.Context(), flow, env, SenderFrom(r.Context()), target); err != nil {
			writeError(w, o.logger, err)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	}
}

func (o routerOptions) responseRoute(flow contracts.Flow, h ResponseHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		env, err := o.envelope(w, r)
		if err != nil {
			writeError(w, o.logger, err)
			return
		}
		if err := h.HandleResponse(r.Context(), flow, env, SenderFrom(r.Context())); err != nil {
			writeError(w, o.logger, err)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	}
}

func (o routerOptions) envelope(w http.ResponseWriter, r *http.Request) (*contracts.Envelope, error) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, o.maxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return nil, contracts.WrapError(contracts.CodeMalformedEnvelope, err, "body too large")
		}
		return nil, contracts.WrapError(contracts.CodeMalformedEnvelope, err, "read body")
	}
	return contracts.ParseEnvelope(body)
}

func accessLog(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			logger.DebugContext(r.Context(), "http request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"took", time.Since(start),
				"httpRequestId", middleware.GetReqID(r.Context()))
		})
	}
}

// NewServer builds the HTTP server
func NewServer(addr string, handler http.Handler, readHeaderTimeout time.Duration) *http.Server {
	if readHeaderTimeout <= 0 {
		readHeaderTimeout = 5 * time.Second
	}
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: readHeaderTimeout,
	}
}
