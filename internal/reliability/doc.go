// Package reliability holds the failure-handling primitives used by the
// forwarding path: retry policies that decide when a failed forward is attempted
// again, and circuit breakers that fail fast while a target is unreachable.
//
//	policy := reliability.NewExponentialBackoff(5*time.Second, 5*time.Minute, 2, 5)
//	if ok, delay := policy.ShouldRetry(attempt, err); ok {
//	    // reschedule after delay
//	}
//
//	breakers := reliability.NewBreakerGroup(reliability.WithFailureThreshold(5))
//	err := breakers.Get(targetID).Execute(ctx, deliver)
package reliability
