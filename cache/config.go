package cache

import (
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/kbukum/pipeguard/logger"
	"github.com/kbukum/pipeguard/validation"
)

const (
	DefaultMaxSize       = 1000
	DefaultTTL           = time.Hour
	DefaultSweepInterval = time.Minute
)

// Config configures a Cache.
type Config struct {
	// Name labels log lines and metrics.
	Name string `yaml:"name" mapstructure:"name"`
	// MaxSize is the maximum number of entries held at once.
	MaxSize int `yaml:"max_size" mapstructure:"max_size" validate:"min=1"`
	// DefaultTTL applies when a caller passes a zero TTL.
	DefaultTTL time.Duration `yaml:"default_ttl" mapstructure:"default_ttl" validate:"gt=0"`
	// SweepInterval is how often the component removes expired entries.
	// A negative value disables the background sweep.
	SweepInterval time.Duration `yaml:"sweep_interval" mapstructure:"sweep_interval"`

	Logger *logger.Logger   `yaml:"-" mapstructure:"-" validate:"-"`
	Meter  metric.Meter     `yaml:"-" mapstructure:"-" validate:"-"`
	Now    func() time.Time `yaml:"-" mapstructure:"-" validate:"-"`
}

// DefaultConfig returns a config with every default applied.
func DefaultConfig(name string) Config {
	cfg := Config{Name: name}
	cfg.ApplyDefaults()
	return cfg
}

// ApplyDefaults fills zero-valued fields.
func (c *Config) ApplyDefaults() {
	if c.Name == "" {
		c.Name = "cache"
	}
	if c.MaxSize == 0 {
		c.MaxSize = DefaultMaxSize
	}
	if c.SweepInterval == 0 {
		c.SweepInterval = DefaultSweepInterval
	}
	if c.DefaultTTL == 0 {
		c.DefaultTTL = DefaultTTL
	}
	if c.Now == nil {
		c.Now = time.Now
	}
}

// Validate checks the configured ranges.
func (c *Config) Validate() error {
	return validation.Validate(c)
}
