package health

import (
	"context"
	"fmt"
	"runtime"
	"time"
)

// Pinger is anything with a liveness round trip, such as the redis cache
type Pinger interface {
	Ping(ctx context.Context) error
}

// RedisChecker checks the correlation store connection
type RedisChecker struct {
	client Pinger
}

// NewRedisChecker creates a redis health checker
func NewRedisChecker(client Pinger) *RedisChecker {
	return &RedisChecker{client: client}
}

func (c *RedisChecker) Name() string {
	return "redis"
}

func (c *RedisChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{Name: c.Name(), Timestamp: start, Details: make(map[string]any)}

	if err := c.client.Ping(ctx); err != nil {
		result.Status = StatusUnhealthy
		result.Message = "ping failed"
		result.Error = err.Error()
		result.Duration = time.Since(start)
		return result
	}

	result.Status = StatusHealthy
	result.Message = "connection is healthy"
	result.Duration = time.Since(start)
	result.Details["response_time_ms"] = result.Duration.Milliseconds()
	return result
}

// Broker is the retry transport as seen by health checks
type Broker interface {
	Healthy(ctx context.Context) error
	Depth(ctx context.Context, queue string) (int, error)
}

// DefaultDepthWarning is the backlog above which a retry queue reports
// degraded
const DefaultDepthWarning = 10000

// BrokerChecker checks the broker connection and the backlog of the retry
// queues
type BrokerChecker struct {
	broker       Broker
	queues       []string
	depthWarning int
}

// NewBrokerChecker creates a rabbitmq health checker. With depthWarning <= 0
// DefaultDepthWarning applies.
func NewBrokerChecker(broker Broker, queues []string, depthWarning int) *BrokerChecker {
	if depthWarning <= 0 {
		depthWarning = DefaultDepthWarning
	}
	return &BrokerChecker{broker: broker, queues: queues, depthWarning: depthWarning}
}

func (c *BrokerChecker) Name() string {
	return "rabbitmq"
}

func (c *BrokerChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{Name: c.Name(), Timestamp: start, Details: make(map[string]any)}

	if err := c.broker.Healthy(ctx); err != nil {
		result.Status = StatusUnhealthy
		result.Message = "connection is not ready"
		result.Error = err.Error()
		result.Duration = time.Since(start)
		return result
	}

	result.Status = StatusHealthy
	result.Message = "connection is healthy"

	depths := make(map[string]int, len(c.queues))
	for _, q := range c.queues {
		n, err := c.broker.Depth(ctx, q)
		if err != nil {
			result.Status = StatusDegraded
			result.Message = fmt.Sprintf("queue %s not accessible", q)
			result.Error = err.Error()
			continue
		}
		depths[q] = n
		if n > c.depthWarning && result.Status == StatusHealthy {
			result.Status = StatusDegraded
			result.Message = fmt.Sprintf("queue %s has high message count", q)
		}
	}

	result.Duration = time.Since(start)
	result.Details["queue_depth"] = depths
	result.Details["response_time_ms"] = result.Duration.Milliseconds()
	return result
}

// Sized is a participant registry that knows how many entries it holds
type Sized interface {
	Len() int
}

// NewRegistryChecker reports unhealthy while the participant registry is
// empty, since every inbound message would be rejected
func NewRegistryChecker(reg Sized) *ComponentChecker {
	return NewComponentChecker("registry", func(context.Context) (Status, string, map[string]any, error) {
		n := reg.Len()
		details := map[string]any{"participants": n}
		if n == 0 {
			return StatusUnhealthy, "no participants loaded", details, nil
		}
		return StatusHealthy, fmt.Sprintf("%d participants", n), details, nil
	})
}

// RuntimeChecker reports goroutine pressure. Every in-flight forward holds a
// goroutine, so a high count means targets are slow to answer.
type RuntimeChecker struct {
	warning  int
	critical int
}

// NewRuntimeChecker creates a runtime checker with goroutine thresholds
func NewRuntimeChecker(warning, critical int) *RuntimeChecker {
	return &RuntimeChecker{warning: warning, critical: critical}
}

func (c *RuntimeChecker) Name() string {
	return "runtime"
}

func (c *RuntimeChecker) Check(context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{Name: c.Name(), Timestamp: start, Details: make(map[string]any)}

	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	goroutines := runtime.NumGoroutine()

	result.Details["memory_used_mb"] = float64(m.Sys) / 1024 / 1024
	result.Details["gc_runs"] = m.NumGC
	result.Details["goroutines"] = goroutines

	switch {
	case c.critical > 0 && goroutines > c.critical:
		result.Status = StatusUnhealthy
		result.Message = fmt.Sprintf("too many goroutines: %d", goroutines)
	case c.warning > 0 && goroutines > c.warning:
		result.Status = StatusDegraded
		result.Message = fmt.Sprintf("high goroutine count: %d", goroutines)
	default:
		result.Status = StatusHealthy
		result.Message = "runtime is normal"
	}

	result.Duration = time.Since(start)
	return result
}

// ComponentChecker adapts a function to Checker
type ComponentChecker struct {
	name    string
	checker func(ctx context.Context) (Status, string, map[string]any, error)
}

// NewComponentChecker creates a checker for custom components
func NewComponentChecker(name string, checker func(ctx context.Context) (Status, string, map[string]any, error)) *ComponentChecker {
	return &ComponentChecker{name: name, checker: checker}
}

func (c *ComponentChecker) Name() string {
	return c.name
}

func (c *ComponentChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{Name: c.Name(), Timestamp: start, Details: make(map[string]any)}

	status, message, details, err := c.checker(ctx)

	result.Status = status
	result.Message = message
	if details != nil {
		result.Details = details
	}
	if err != nil {
		result.Error = err.Error()
	}
	result.Duration = time.Since(start)
	return result
}
