package substrate

import (
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/kbukum/pipeguard/logger"
)

// Option configures a Substrate during creation.
type Option func(*options)

type options struct {
	logger          *logger.Logger
	meter           metric.Meter
	gracefulTimeout time.Duration
}

func resolveOptions(opts []Option) *options {
	o := &options{gracefulTimeout: 15 * time.Second}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// WithLogger sets the base logger. If not set, the global logger is
// initialized from the config's Logging section.
func WithLogger(l *logger.Logger) Option {
	return func(o *options) {
		o.logger = l
	}
}

// WithMeter records every component's metrics on m instead of the global
// meter provider.
func WithMeter(m metric.Meter) Option {
	return func(o *options) {
		o.meter = m
	}
}

// WithGracefulTimeout sets the maximum duration of Stop.
func WithGracefulTimeout(d time.Duration) Option {
	return func(o *options) {
		o.gracefulTimeout = d
	}
}
