// Package resilience protects calls to unreliable providers.
//
// The Guard composes a per-resource CircuitBreaker, exponential-backoff
// retries, an overall time budget and an optional per-resource Bulkhead:
//
//	g, _ := resilience.NewGuard(resilience.DefaultGuardConfig())
//	plan, err := resilience.Call(ctx, g, "planner", -1, 30*time.Second,
//	    func(ctx context.Context) (Plan, error) { return client.Plan(ctx, q) })
//
// RateLimiter admits requests per client key over a sliding window.
//
// Failures are reported as typed errors (*CircuitOpenError,
// *RetriesExhaustedError, *TimeoutError, *RateLimitExceededError) that match
// the package sentinels with errors.Is and convert to an AppError for
// transport rendering.
package resilience
