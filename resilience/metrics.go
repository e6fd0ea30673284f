package resilience

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/kbukum/pipeguard/observability"
)

const meterName = "github.com/kbukum/pipeguard/resilience"

// Call outcomes, used as the outcome attribute and span attribute.
const (
	OutcomeSuccess      = "success"
	OutcomeCircuitOpen  = "circuit_open"
	OutcomeExhausted    = "exhausted"
	OutcomeTimeout      = "timeout"
	OutcomeCanceled     = "canceled"
	OutcomeRejected     = "rejected"
	OutcomeNonRetryable = "non_retryable"
)

type guardMetrics struct {
	attempts     metric.Int64Counter
	outcomes     metric.Int64Counter
	stateChanges metric.Int64Counter
}

func newGuardMetrics(m metric.Meter) *guardMetrics {
	m = observability.MeterOr(m, meterName)
	return &guardMetrics{
		attempts:     observability.Int64Counter(m, "guard.attempts", "Attempts made against protected resources"),
		outcomes:     observability.Int64Counter(m, "guard.outcomes", "Guarded calls by final outcome"),
		stateChanges: observability.Int64Counter(m, "guard.state_changes", "Circuit breaker state transitions"),
	}
}

func (m *guardMetrics) attempt(ctx context.Context, resource string) {
	m.attempts.Add(ctx, 1, metric.WithAttributes(attribute.String("resource", resource)))
}

func (m *guardMetrics) outcome(ctx context.Context, resource, outcome string) {
	m.outcomes.Add(ctx, 1, metric.WithAttributes(
		attribute.String("resource", resource),
		attribute.String(observability.AttrOutcomeKey, outcome),
	))
}

func (m *guardMetrics) stateChange(resource string, from, to State) {
	m.stateChanges.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("resource", resource),
		attribute.String("from", from.String()),
		attribute.String("to", to.String()),
	))
}

type limiterMetrics struct {
	admitted metric.Int64Counter
	denied   metric.Int64Counter
}

func newLimiterMetrics(m metric.Meter) *limiterMetrics {
	m = observability.MeterOr(m, meterName)
	return &limiterMetrics{
		admitted: observability.Int64Counter(m, "ratelimit.admitted", "Requests admitted by the rate limiter"),
		denied:   observability.Int64Counter(m, "ratelimit.denied", "Requests denied by the rate limiter"),
	}
}
