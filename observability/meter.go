package observability

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/sdk/resource"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/kbukum/pipeguard/logger"
)

// InitMeter installs an OTLP-exporting meter provider as the global one.
// The returned provider should be shut down on exit.
func InitMeter(ctx context.Context, cfg *Config) (*sdkmetric.MeterProvider, error) {
	opts := []otlpmetrichttp.Option{
		otlpmetrichttp.WithEndpoint(cfg.Endpoint),
	}
	if cfg.Insecure {
		opts = append(opts, otlpmetrichttp.WithInsecure())
	}

	exporter, err := otlpmetrichttp.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("creating metric exporter: %w", err)
	}

	readerOpts := []sdkmetric.PeriodicReaderOption{}
	if cfg.Interval > 0 {
		readerOpts = append(readerOpts, sdkmetric.WithInterval(cfg.Interval))
	}

	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter, readerOpts...)),
		sdkmetric.WithResource(newResource(cfg)),
	)
	otel.SetMeterProvider(mp)

	logger.Get("observability").Info("meter initialized", logger.Fields(
		"endpoint", cfg.Endpoint,
		"interval", cfg.Interval.String(),
	))
	return mp, nil
}

// Meter returns a named meter from the global provider.
func Meter(name string) metric.Meter {
	return otel.Meter(name)
}

// MeterOr returns m, or the global meter called name when m is nil.
func MeterOr(m metric.Meter, name string) metric.Meter {
	if m != nil {
		return m
	}
	return Meter(name)
}

// Int64Counter creates a counter, degrading to a no-op instrument when the
// meter rejects the definition.
func Int64Counter(m metric.Meter, name, description string) metric.Int64Counter {
	c, err := m.Int64Counter(name, metric.WithDescription(description))
	if err != nil {
		logger.Get("observability").Warn("instrument rejected", logger.Fields("instrument", name, logger.FieldError, err.Error()))
		return noop.Int64Counter{}
	}
	return c
}

// Int64UpDownCounter creates an up/down counter with the same fallback as
// Int64Counter.
func Int64UpDownCounter(m metric.Meter, name, description string) metric.Int64UpDownCounter {
	c, err := m.Int64UpDownCounter(name, metric.WithDescription(description))
	if err != nil {
		logger.Get("observability").Warn("instrument rejected", logger.Fields("instrument", name, logger.FieldError, err.Error()))
		return noop.Int64UpDownCounter{}
	}
	return c
}

// newResource describes the service to the collector. Schemaless so it
// merges cleanly with the SDK default resource whatever its schema version.
func newResource(cfg *Config) *resource.Resource {
	res, err := resource.Merge(
		resource.Default(),
		resource.NewSchemaless(
			attribute.String(AttrServiceName, cfg.ServiceName),
			attribute.String("service.version", cfg.ServiceVersion),
			attribute.String("environment", cfg.Environment),
		),
	)
	if err != nil {
		return resource.Default()
	}
	return res
}
