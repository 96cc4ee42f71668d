package health

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/projecteka/gateway/cache"
	"github.com/projecteka/gateway/contracts"
	"github.com/projecteka/gateway/registry"
)

func static(status Status) Checker {
	name := string(status)
	return NewComponentChecker(name, func(context.Context) (Status, string, map[string]any, error) {
		return status, name, nil, nil
	})
}

func TestRegistryCheck(t *testing.T) {
	tests := []struct {
		name     string
		checkers []Checker
		want     Status
	}{
		{"empty is healthy", nil, StatusHealthy},
		{"all healthy", []Checker{static(StatusHealthy)}, StatusHealthy},
		{"degraded wins over healthy", []Checker{static(StatusHealthy), static(StatusDegraded)}, StatusDegraded},
		{"unhealthy wins", []Checker{static(StatusDegraded), static(StatusUnhealthy), static(StatusHealthy)}, StatusUnhealthy},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NewRegistry()
			for _, c := range tt.checkers {
				r.Register(c)
			}
			got := r.Check(context.Background())
			assert.Equal(t, tt.want, got.Status)
			assert.Len(t, got.Checks, len(tt.checkers))
		})
	}
}

func TestRegistryCheckTimeout(t *testing.T) {
	r := NewRegistry()
	r.Register(static(StatusHealthy))
	r.Register(NewComponentChecker("slow", func(ctx context.Context) (Status, string, map[string]any, error) {
		<-ctx.Done()
		time.Sleep(50 * time.Millisecond)
		return StatusHealthy, "late", nil, nil
	}))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	got := r.Check(ctx)

	assert.Equal(t, StatusUnhealthy, got.Status)
	assert.Equal(t, StatusUnhealthy, got.Checks["slow"].Status)
	assert.Equal(t, "check timed out", got.Checks["slow"].Message)
}

func TestRegistryUnregister(t *testing.T) {
	r := NewRegistry()
	r.Register(static(StatusUnhealthy))
	r.Unregister(string(StatusUnhealthy))
	r.SetMetadata("version", "test")

	got := r.Check(context.Background())
	assert.Equal(t, StatusHealthy, got.Status)
	assert.Equal(t, "test", got.Metadata["version"])
}

func TestHandler(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	serve := func(r *Registry, method string) *httptest.ResponseRecorder {
		rec := httptest.NewRecorder()
		NewHandler(r, time.Second, logger).ServeHTTP(rec, httptest.NewRequest(method, "/health", nil))
		return rec
	}

	t.Run("healthy", func(t *testing.T) {
		r := NewRegistry()
		r.Register(static(StatusHealthy))
		rec := serve(r, http.MethodGet)
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

		var body OverallHealth
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		assert.Equal(t, StatusHealthy, body.Status)
	})

	t.Run("degraded still serves", func(t *testing.T) {
		r := NewRegistry()
		r.Register(static(StatusDegraded))
		assert.Equal(t, http.StatusOK, serve(r, http.MethodGet).Code)
	})

	t.Run("unhealthy", func(t *testing.T) {
		r := NewRegistry()
		r.Register(static(StatusUnhealthy))
		assert.Equal(t, http.StatusServiceUnavailable, serve(r, http.MethodGet).Code)
	})

	t.Run("method", func(t *testing.T) {
		assert.Equal(t, http.StatusMethodNotAllowed, serve(NewRegistry(), http.MethodPost).Code)
	})
}

func TestRedisChecker(t *testing.T) {
	mr := miniredis.RunT(t)
	c := cache.NewRedis(redis.NewClient(&redis.Options{Addr: mr.Addr()}), cache.WithOwnedClient())
	t.Cleanup(func() { _ = c.Close() })

	checker := NewRedisChecker(c)
	assert.Equal(t, "redis", checker.Name())
	assert.Equal(t, StatusHealthy, checker.Check(context.Background()).Status)

	mr.Close()
	got := checker.Check(context.Background())
	assert.Equal(t, StatusUnhealthy, got.Status)
	assert.NotEmpty(t, got.Error)
}

type fakeBroker struct {
	err    error
	depths map[string]int
}

func (b fakeBroker) Healthy(context.Context) error { return b.err }

func (b fakeBroker) Depth(_ context.Context, queue string) (int, error) {
	n, ok := b.depths[queue]
	if !ok {
		return 0, errors.New("NOT_FOUND - no queue")
	}
	return n, nil
}

func TestBrokerChecker(t *testing.T) {
	queues := []string{"gw.link", "gw.dataflow.0"}
	tests := []struct {
		name   string
		broker fakeBroker
		want   Status
	}{
		{"healthy", fakeBroker{depths: map[string]int{"gw.link": 3, "gw.dataflow.0": 0}}, StatusHealthy},
		{"disconnected", fakeBroker{err: errors.New("connection not ready")}, StatusUnhealthy},
		{"backlog", fakeBroker{depths: map[string]int{"gw.link": 101, "gw.dataflow.0": 0}}, StatusDegraded},
		{"missing queue", fakeBroker{depths: map[string]int{"gw.link": 0}}, StatusDegraded},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := NewBrokerChecker(tt.broker, queues, 100).Check(context.Background())
			assert.Equal(t, tt.want, got.Status)
		})
	}
}

func TestRegistryChecker(t *testing.T) {
	reg := registry.NewStatic()
	checker := NewRegistryChecker(reg)
	assert.Equal(t, StatusUnhealthy, checker.Check(context.Background()).Status)

	reg.Replace(registry.NewStatic(contracts.Participant{ID: "ncg", Role: contracts.RoleConsentManager, BaseURL: "http://cm", Active: true}))
	got := checker.Check(context.Background())
	assert.Equal(t, StatusHealthy, got.Status)
	assert.Equal(t, 1, got.Details["participants"])
}

func TestRuntimeChecker(t *testing.T) {
	assert.Equal(t, StatusHealthy, NewRuntimeChecker(0, 0).Check(context.Background()).Status)
	assert.Equal(t, StatusDegraded, NewRuntimeChecker(1, 0).Check(context.Background()).Status)
	assert.Equal(t, StatusUnhealthy, NewRuntimeChecker(1, 1).Check(context.Background()).Status)
}
