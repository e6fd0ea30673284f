package cache

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/kbukum/pipeguard/observability"
)

const meterName = "github.com/kbukum/pipeguard/cache"

type metrics struct {
	hits        metric.Int64Counter
	misses      metric.Int64Counter
	evictions   metric.Int64Counter
	expirations metric.Int64Counter
	attrs       metric.MeasurementOption
}

func newMetrics(m metric.Meter, name string) *metrics {
	m = observability.MeterOr(m, meterName)
	return &metrics{
		hits:        observability.Int64Counter(m, "cache.hits", "Cache lookups served from memory"),
		misses:      observability.Int64Counter(m, "cache.misses", "Cache lookups that found nothing usable"),
		evictions:   observability.Int64Counter(m, "cache.evictions", "Live entries evicted to make room"),
		expirations: observability.Int64Counter(m, "cache.expirations", "Entries removed after their TTL"),
		attrs:       metric.WithAttributes(attribute.String(observability.AttrCache, name)),
	}
}

func (m *metrics) hit()  { m.hits.Add(context.Background(), 1, m.attrs) }
func (m *metrics) miss() { m.misses.Add(context.Background(), 1, m.attrs) }

func (m *metrics) evicted(n int) {
	m.evictions.Add(context.Background(), int64(n), m.attrs)
}

func (m *metrics) expired(n int) {
	m.expirations.Add(context.Background(), int64(n), m.attrs)
}
