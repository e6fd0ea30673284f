package progress

import (
	"context"

	"go.opentelemetry.io/otel/metric"

	"github.com/kbukum/pipeguard/observability"
)

const meterName = "github.com/kbukum/pipeguard/progress"

type metrics struct {
	published   metric.Int64Counter
	dropped     metric.Int64Counter
	subscribers metric.Int64UpDownCounter
}

func newMetrics(m metric.Meter) *metrics {
	m = observability.MeterOr(m, meterName)
	return &metrics{
		published:   observability.Int64Counter(m, "progress.published", "Task updates published"),
		dropped:     observability.Int64Counter(m, "progress.dropped", "Events dropped from full subscriber queues"),
		subscribers: observability.Int64UpDownCounter(m, "progress.subscribers", "Open subscriptions"),
	}
}

func (m *metrics) publish()     { m.published.Add(context.Background(), 1) }
func (m *metrics) drop(n int)   { m.dropped.Add(context.Background(), int64(n)) }
func (m *metrics) subscribe()   { m.subscribers.Add(context.Background(), 1) }
func (m *metrics) unsubscribe() { m.subscribers.Add(context.Background(), -1) }
