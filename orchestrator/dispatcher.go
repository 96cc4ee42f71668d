package orchestrator

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/projecteka/gateway/contracts"
	"github.com/projecteka/gateway/forwarding"
	"github.com/projecteka/gateway/internal/metrics"
)

// ErrDraining is returned by Dispatch once Shutdown has started
var ErrDraining = errors.New("orchestrator: dispatcher is draining")

// Dispatcher runs forwards in the background, detached from the inbound
// request's lifetime, and keeps track of them so shutdown can drain.
type Dispatcher struct {
	mu       sync.Mutex
	wg       sync.WaitGroup
	draining bool
	logger   *slog.Logger
	metrics  *metrics.Metrics
}

// NewDispatcher creates a dispatcher
func NewDispatcher(logger *slog.Logger, m *metrics.Metrics) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{logger: logger, metrics: m}
}

// Dispatch starts delivering d through action and returns immediately. The
// forward keeps ctx's values (trace span, logger attrs) but not its
// cancellation.
func (d *Dispatcher) Dispatch(ctx context.Context, action forwarding.Action, del *forwarding.Delivery) error {
	d.mu.Lock()
	if d.draining {
		d.mu.Unlock()
		return ErrDraining
	}
	d.wg.Add(1)
	d.mu.Unlock()

	ctx = context.WithoutCancel(ctx)
	d.metrics.DispatchStarted()

	go func() {
		defer d.wg.Done()
		defer d.metrics.DispatchFinished()

		err := action.Deliver(ctx, del)
		if err == nil {
			return
		}

		log := d.logger.With(
			"flow", del.Flow,
			"target", del.TargetID,
			"correlationId", del.CorrelationID,
			"code", contracts.CodeOf(err),
			"error", err)
		if errors.Is(err, contracts.ErrQueuePublishFailure) {
			log.Error("retry publish failed, delivery lost", "state", forwarding.StateAbandoned)
			return
		}
		log.Warn("forward failed", "state", forwarding.StateFailed)
	}()
	return nil
}

// Wait blocks until every dispatched forward has finished
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

// Shutdown stops accepting new forwards and waits for in-flight ones until
// ctx is done
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	d.mu.Lock()
	d.draining = true
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
