package progress

import (
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/kbukum/pipeguard/logger"
	"github.com/kbukum/pipeguard/validation"
)

const (
	DefaultSubscriberBuffer  = 16
	DefaultKeepaliveInterval = 15 * time.Second
	DefaultIdleTimeout       = 5 * time.Minute
	DefaultRetention         = time.Hour
	DefaultReapInterval      = time.Minute
	DefaultMaxTaskAge        = 24 * time.Hour
)

// Config configures a Broker.
type Config struct {
	// SubscriberBuffer is how many undelivered events each subscriber
	// may hold before the oldest is dropped.
	SubscriberBuffer int `yaml:"subscriber_buffer" mapstructure:"subscriber_buffer" validate:"min=1"`
	// KeepaliveInterval is how often an idle subscription repeats the
	// latest snapshot.
	KeepaliveInterval time.Duration `yaml:"keepalive_interval" mapstructure:"keepalive_interval" validate:"gt=0"`
	// IdleTimeout ends a subscription that has seen no update, or whose
	// reader has taken nothing, for this long.
	IdleTimeout time.Duration `yaml:"idle_timeout" mapstructure:"idle_timeout" validate:"gt=0"`
	// Retention is how long a finished task stays queryable.
	Retention time.Duration `yaml:"retention" mapstructure:"retention" validate:"gt=0"`
	// ReapInterval is how often the component reaps. Negative disables it.
	ReapInterval time.Duration `yaml:"reap_interval" mapstructure:"reap_interval"`
	// MaxTaskAge fails tasks that are still unfinished after this long.
	// Negative disables it.
	MaxTaskAge time.Duration `yaml:"max_task_age" mapstructure:"max_task_age"`

	Logger *logger.Logger   `yaml:"-" mapstructure:"-" validate:"-"`
	Meter  metric.Meter     `yaml:"-" mapstructure:"-" validate:"-"`
	Now    func() time.Time `yaml:"-" mapstructure:"-" validate:"-"`
}

// DefaultConfig returns a config with every default applied.
func DefaultConfig() Config {
	cfg := Config{}
	cfg.ApplyDefaults()
	return cfg
}

// ApplyDefaults fills zero-valued fields.
func (c *Config) ApplyDefaults() {
	if c.SubscriberBuffer == 0 {
		c.SubscriberBuffer = DefaultSubscriberBuffer
	}
	if c.KeepaliveInterval == 0 {
		c.KeepaliveInterval = DefaultKeepaliveInterval
	}
	if c.IdleTimeout == 0 {
		c.IdleTimeout = DefaultIdleTimeout
	}
	if c.Retention == 0 {
		c.Retention = DefaultRetention
	}
	if c.ReapInterval == 0 {
		c.ReapInterval = DefaultReapInterval
	}
	if c.MaxTaskAge == 0 {
		c.MaxTaskAge = DefaultMaxTaskAge
	}
	if c.Now == nil {
		c.Now = time.Now
	}
}

// Validate checks the configured ranges.
func (c *Config) Validate() error {
	return validation.Validate(c)
}
