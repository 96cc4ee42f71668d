// Package gateway assembles the correlation and forwarding engine from
// configuration: correlation cache, participant registry, orchestrators,
// retry transport and the inbound HTTP surface.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/projecteka/gateway/cache"
	"github.com/projecteka/gateway/contracts"
	"github.com/projecteka/gateway/forwarding"
	"github.com/projecteka/gateway/health"
	"github.com/projecteka/gateway/internal/config"
	"github.com/projecteka/gateway/internal/metrics"
	"github.com/projecteka/gateway/internal/reliability"
	"github.com/projecteka/gateway/orchestrator"
	"github.com/projecteka/gateway/registry"
	httptransport "github.com/projecteka/gateway/transports/http"
	"github.com/projecteka/gateway/transports/rabbitmq"
	"github.com/projecteka/gateway/validation"
)

// Goroutine counts the runtime checker warns and fails at
const (
	goroutineWarning  = 5000
	goroutineCritical = 20000
)

// Gateway is a configured, runnable gateway instance
type Gateway struct {
	cfg      *config.Config
	logger   *slog.Logger
	metrics  *metrics.Metrics
	flows    []contracts.Flow
	queues   []string
	registry *registry.Static
	cache    cache.Cache
	queue    forwarding.RetryQueue
	breakers *reliability.BreakerGroup

	dispatcher  *orchestrator.Dispatcher
	redeliverer *forwarding.Redeliverer
	health      *health.Registry
	handler     http.Handler
	server      *http.Server

	closeOnce sync.Once
	closeErr  error
}

type gatewayConfig struct {
	logger     *slog.Logger
	registry   *registry.Static
	auth       httptransport.Authenticator
	httpClient *http.Client
	redis      redis.UniversalClient
	queue      forwarding.RetryQueue
}

// Option configures a Gateway
type Option func(*gatewayConfig)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(c *gatewayConfig) {
		c.logger = logger
	}
}

// WithRegistry uses reg instead of loading registry.path
func WithRegistry(reg *registry.Static) Option {
	return func(c *gatewayConfig) {
		c.registry = reg
	}
}

// WithAuthenticator replaces the JWT authenticator built from auth.*
func WithAuthenticator(auth httptransport.Authenticator) Option {
	return func(c *gatewayConfig) {
		c.auth = auth
	}
}

// WithHTTPClient sets the client used for outbound forwards
func WithHTTPClient(client *http.Client) Option {
	return func(c *gatewayConfig) {
		c.httpClient = client
	}
}

// WithRedisClient uses client for the redis cache backend instead of dialing
// redis.url. The caller keeps ownership of client.
func WithRedisClient(client redis.UniversalClient) Option {
	return func(c *gatewayConfig) {
		c.redis = client
	}
}

// WithRetryQueue replaces the configured queue backend
func WithRetryQueue(q forwarding.RetryQueue) Option {
	return func(c *gatewayConfig) {
		c.queue = q
	}
}

// New builds a gateway from cfg. Backends that need a network connection are
// dialed here, so a nil error means the gateway is ready to Run.
func New(ctx context.Context, cfg *config.Config, options ...Option) (*Gateway, error) {
	gc := &gatewayConfig{logger: slog.Default()}
	for _, opt := range options {
		opt(gc)
	}

	g := &Gateway{
		cfg:     cfg,
		logger:  gc.logger,
		metrics: metrics.New(),
		flows:   contracts.DefaultFlows(cfg.Queue.Link, cfg.Queue.DataFlow),
		health:  health.NewRegistry(),
	}
	g.queues = forwarding.QueueNames(g.flows, cfg.Queue.Partitions)

	var err error
	if g.registry, err = g.buildRegistry(gc); err != nil {
		return nil, err
	}
	if g.cache, err = g.buildCache(ctx, gc); err != nil {
		return nil, err
	}
	if g.queue, err = g.buildQueue(ctx, gc); err != nil {
		_ = g.cache.Close()
		return nil, err
	}

	auth := gc.auth
	if auth == nil {
		if auth, err = g.buildAuthenticator(); err != nil {
			_ = g.Close()
			return nil, err
		}
	}

	direct := g.buildDirect(gc)
	actions := orchestrator.NewActions(direct)
	for _, f := range g.flows {
		retryOpts := []forwarding.RetryableOption{
			forwarding.WithPartitions(cfg.Queue.Partitions),
			forwarding.WithMaxAttempts(cfg.Retry.MaxAttempts),
			forwarding.WithRetryMetrics(g.metrics),
			forwarding.WithRetryLogger(g.logger),
		}
		if f.RetryRequest {
			actions.Set(f.Name, validation.KindRequest, forwarding.NewRetryable(direct, g.queue, f, retryOpts...))
		}
		if f.RetryResponse {
			actions.Set(f.Name, validation.KindResponse, forwarding.NewRetryable(direct, g.queue, f, retryOpts...))
		}
	}

	policy := reliability.NewExponentialBackoff(cfg.Retry.InitialDelay, cfg.Retry.MaxDelay, cfg.Retry.Multiplier, cfg.Retry.MaxAttempts)
	g.redeliverer = forwarding.NewRedeliverer(direct, g.queue, policy, g.queues,
		forwarding.WithRedeliveryMetrics(g.metrics),
		forwarding.WithRedeliveryLogger(g.logger))

	g.dispatcher = orchestrator.NewDispatcher(g.logger, g.metrics)
	validator := validation.New(g.registry, g.cache)
	orchOpts := []orchestrator.Option{
		orchestrator.WithTTL(cfg.Cache.TTL),
		orchestrator.WithSingleUse(cfg.Cache.SingleUse),
		orchestrator.WithLogger(g.logger),
		orchestrator.WithMetrics(g.metrics),
	}
	requests := orchestrator.NewRequest(validator, g.cache, actions, g.dispatcher, orchOpts...)
	responses := orchestrator.NewResponse(validator, g.cache, g.registry, actions, g.dispatcher, orchOpts...)

	g.health.Register(health.NewRegistryChecker(g.registry))
	g.health.Register(health.NewRuntimeChecker(goroutineWarning, goroutineCritical))
	g.health.SetMetadata("cache", cfg.Cache.Backend)
	g.health.SetMetadata("queue", cfg.Queue.Backend)

	g.handler = httptransport.NewRouter(g.flows, auth, requests, responses,
		httptransport.WithLogger(g.logger),
		httptransport.WithHealthHandler(health.NewHandler(g.health, cfg.Health.Timeout, g.logger)),
		httptransport.WithMetricsHandler(g.metrics.Handler()),
		httptransport.WithMaxBodyBytes(cfg.Server.MaxBodyBytes))
	g.server = httptransport.NewServer(cfg.Server.Addr, g.handler, cfg.Server.ReadHeaderTimeout)

	g.logger.Info("gateway configured",
		"flows", len(g.flows),
		"participants", g.registry.Len(),
		"cache", cfg.Cache.Backend,
		"queue", cfg.Queue.Backend,
		"retryQueues", g.queues)
	return g, nil
}

func (g *Gateway) buildRegistry(gc *gatewayConfig) (*registry.Static, error) {
	if gc.registry != nil {
		return gc.registry, nil
	}
	reg, err := registry.LoadFile(g.cfg.Registry.Path)
	if err != nil {
		return nil, fmt.Errorf("load registry: %w", err)
	}
	return reg, nil
}

func (g *Gateway) buildCache(ctx context.Context, gc *gatewayConfig) (cache.Cache, error) {
	if g.cfg.Cache.Backend != config.BackendRedis {
		return cache.NewMemory(cache.WithCleanupInterval(g.cfg.Cache.CleanupInterval)), nil
	}

	var redisOpts []cache.RedisOption
	if g.cfg.Cache.KeyPrefix != "" {
		redisOpts = append(redisOpts, cache.WithKeyPrefix(g.cfg.Cache.KeyPrefix))
	}

	client := gc.redis
	if client == nil {
		opts, err := redis.ParseURL(g.cfg.Redis.URL)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		if g.cfg.Redis.PoolSize > 0 {
			opts.PoolSize = g.cfg.Redis.PoolSize
		}
		if g.cfg.Redis.DialTimeout > 0 {
			opts.DialTimeout = g.cfg.Redis.DialTimeout
		}
		client = redis.NewClient(opts)
		redisOpts = append(redisOpts, cache.WithOwnedClient())
	}

	c := cache.NewRedis(client, redisOpts...)
	if err := reliability.Retry(ctx, "redis ping", reliability.NewFixedDelay(500*time.Millisecond, 2), c.Ping); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("connect redis: %w", err)
	}
	g.health.Register(health.NewRedisChecker(c))
	return c, nil
}

func (g *Gateway) buildQueue(ctx context.Context, gc *gatewayConfig) (forwarding.RetryQueue, error) {
	if gc.queue != nil {
		return gc.queue, nil
	}
	if g.cfg.Queue.Backend != config.BackendRabbitMQ {
		return forwarding.NewMemoryQueue(), nil
	}

	t, err := rabbitmq.New(ctx, rabbitmq.Config{
		URL:                  g.cfg.RabbitMQ.URL,
		Queues:               g.queues,
		Prefetch:             g.cfg.RabbitMQ.Prefetch,
		ConfirmTimeout:       g.cfg.RabbitMQ.ConfirmTimeout,
		SingleActiveConsumer: g.cfg.RabbitMQ.SingleActiveConsumer,
	}, rabbitmq.WithLogger(g.logger))
	if err != nil {
		return nil, fmt.Errorf("connect rabbitmq: %w", err)
	}
	g.health.Register(health.NewBrokerChecker(t, g.queues, g.cfg.Health.DepthWarning))
	return t, nil
}

func (g *Gateway) buildAuthenticator() (httptransport.Authenticator, error) {
	opts := []httptransport.JWTOption{httptransport.WithLeeway(g.cfg.Auth.Leeway)}
	if g.cfg.Auth.Issuer != "" {
		opts = append(opts, httptransport.WithIssuer(g.cfg.Auth.Issuer))
	}
	if g.cfg.Auth.JWTPublicKeyFile != "" {
		return httptransport.LoadRSAAuthenticator(g.cfg.Auth.JWTPublicKeyFile, opts...)
	}
	return httptransport.NewHMACAuthenticator(g.cfg.Auth.JWTSecret, opts...)
}

func (g *Gateway) buildDirect(gc *gatewayConfig) *forwarding.Direct {
	opts := []forwarding.DirectOption{
		forwarding.WithTimeout(g.cfg.Forward.Timeout),
		forwarding.WithTokenSource(forwarding.StaticToken(g.cfg.Forward.Token)),
		forwarding.WithMetrics(g.metrics),
		forwarding.WithLogger(g.logger),
	}
	if gc.httpClient != nil {
		opts = append(opts, forwarding.WithHTTPClient(gc.httpClient))
	}

	cb := g.cfg.Forward.CircuitBreaker
	if cb.Enabled {
		g.breakers = reliability.NewBreakerGroup(
			reliability.WithFailureThreshold(cb.FailureThreshold),
			reliability.WithSuccessThreshold(cb.SuccessThreshold),
			reliability.WithTimeout(cb.OpenTimeout),
			reliability.WithHalfOpenRequests(cb.HalfOpenRequests),
			reliability.WithStateChange(func(target string, from, to reliability.State) {
				g.metrics.BreakerState(target, int(to))
				g.logger.Warn("circuit breaker state changed", "target", target, "from", from, "to", to)
			}))
		opts = append(opts, forwarding.WithBreakers(g.breakers))
		g.health.Register(health.NewComponentChecker("circuit_breakers", g.breakerHealth))
	}
	return forwarding.NewDirect(opts...)
}

// breakerHealth degrades while any target's circuit is open. An open circuit
// only affects that target, so it never reports unhealthy.
func (g *Gateway) breakerHealth(context.Context) (health.Status, string, map[string]any, error) {
	var open []string
	for target, state := range g.breakers.States() {
		if state == reliability.StateOpen {
			open = append(open, target)
		}
	}
	if len(open) > 0 {
		return health.StatusDegraded, fmt.Sprintf("%d open circuits", len(open)), map[string]any{"open": open}, nil
	}
	return health.StatusHealthy, "all circuits closed", nil, nil
}

// Handler returns the inbound HTTP handler
func (g *Gateway) Handler() http.Handler {
	return g.handler
}

// Health returns the health registry
func (g *Gateway) Health() *health.Registry {
	return g.health
}

// Metrics returns the gateway collectors
func (g *Gateway) Metrics() *metrics.Metrics {
	return g.metrics
}

// RetryQueues lists the retry queues the redelivery consumers drain
func (g *Gateway) RetryQueues() []string {
	return g.queues
}

// ReloadRegistry re-reads registry.path and swaps it in. On error the current
// registry stays in place.
func (g *Gateway) ReloadRegistry() error {
	next, err := registry.LoadFile(g.cfg.Registry.Path)
	if err != nil {
		return err
	}
	g.registry.Replace(next)
	g.logger.Info("participant registry reloaded", "participants", g.registry.Len())
	return nil
}

// Run serves HTTP and drains the retry queues until ctx is done, then shuts
// down in order: stop accepting HTTP, wait for in-flight forwards, stop the
// redelivery consumers, close the broker and cache connections.
func (g *Gateway) Run(ctx context.Context) error {
	consumeCtx, stopConsumers := context.WithCancel(context.WithoutCancel(ctx))
	defer stopConsumers()
	consumersDone := make(chan struct{})

	eg, egCtx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		g.logger.Info("http server listening", "addr", g.server.Addr)
		if err := g.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	eg.Go(func() error {
		defer close(consumersDone)
		if err := g.redeliverer.Run(consumeCtx); err != nil {
			return fmt.Errorf("redelivery: %w", err)
		}
		return nil
	})
	eg.Go(func() error {
		<-egCtx.Done()
		g.logger.Info("shutting down gateway")

		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), g.cfg.Server.ShutdownTimeout)
		defer cancel()
		return g.shutdown(shutdownCtx, stopConsumers, consumersDone)
	})
	return eg.Wait()
}

func (g *Gateway) shutdown(ctx context.Context, stopConsumers context.CancelFunc, consumersDone <-chan struct{}) error {
	var errs []error
	if err := g.server.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("http shutdown: %w", err))
	}
	if err := g.dispatcher.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("drain forwards: %w", err))
	}

	stopConsumers()
	select {
	case <-consumersDone:
	case <-ctx.Done():
		errs = append(errs, fmt.Errorf("stop consumers: %w", ctx.Err()))
	}

	if err := g.Close(); err != nil {
		errs = append(errs, err)
	}
	if len(errs) == 0 {
		g.logger.Info("gateway stopped")
	}
	return errors.Join(errs...)
}

// Close releases the retry queue and cache connections. It does not wait for
// in-flight work; Run does that before calling Close.
func (g *Gateway) Close() error {
	g.closeOnce.Do(func() {
		var errs []error
		if c, ok := g.queue.(interface{ Close() error }); ok {
			if err := c.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close retry queue: %w", err))
			}
		}
		if err := g.cache.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close cache: %w", err))
		}
		g.closeErr = errors.Join(errs...)
	})
	return g.closeErr
}
