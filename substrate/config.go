package substrate

import (
	"fmt"

	"github.com/kbukum/pipeguard/cache"
	"github.com/kbukum/pipeguard/config"
	"github.com/kbukum/pipeguard/observability"
	"github.com/kbukum/pipeguard/progress"
	"github.com/kbukum/pipeguard/resilience"
	"github.com/kbukum/pipeguard/version"
)

// Config is the complete configuration of a substrate. In YAML:
//
//	name: research
//	cache:
//	  max_size: 1000
//	  default_ttl: 1h
//	progress:
//	  idle_timeout: 5m
//	guard:
//	  breaker:
//	    failure_threshold: 5
//	    recovery_timeout: 60s
//	  retry:
//	    max_retries: 3
//	rate_limit:
//	  requests_per_window: 10
//	  window: 1m
type Config struct {
	config.ServiceConfig `yaml:",inline" mapstructure:",squash"`

	Cache         cache.Config                 `yaml:"cache" mapstructure:"cache"`
	Progress      progress.Config              `yaml:"progress" mapstructure:"progress"`
	Guard         resilience.GuardConfig       `yaml:"guard" mapstructure:"guard"`
	RateLimit     resilience.RateLimiterConfig `yaml:"rate_limit" mapstructure:"rate_limit"`
	Observability observability.Config         `yaml:"observability" mapstructure:"observability"`
}

// ApplyDefaults fills zero-valued fields in every section. An unset
// Version is taken from the build.
func (c *Config) ApplyDefaults() {
	if c.Version == "" {
		c.Version = version.Get().String()
	}
	c.ServiceConfig.ApplyDefaults()
	c.Cache.ApplyDefaults()
	c.Progress.ApplyDefaults()
	c.Guard.ApplyDefaults()
	c.RateLimit.ApplyDefaults()

	if c.Observability.ServiceName == "" {
		c.Observability.ServiceName = c.Name
	}
	if c.Observability.ServiceVersion == "" {
		c.Observability.ServiceVersion = c.Version
	}
	if c.Observability.Environment == "" {
		c.Observability.Environment = c.Environment
	}
	c.Observability.ApplyDefaults()
}

// Validate validates every section, naming the first one that fails.
func (c *Config) Validate() error {
	if err := c.ServiceConfig.Validate(); err != nil {
		return err
	}
	sections := []struct {
		name     string
		validate func() error
	}{
		{"cache", c.Cache.Validate},
		{"progress", c.Progress.Validate},
		{"guard", c.Guard.Validate},
		{"rate_limit", c.RateLimit.Validate},
		{"observability", c.Observability.Validate},
	}
	for _, s := range sections {
		if err := s.validate(); err != nil {
			return fmt.Errorf("%s: %w", s.name, err)
		}
	}
	return nil
}

// Load reads the configuration for serviceName from the usual config.yml
// and .env locations and PIPEGUARD_ environment variables, then applies
// defaults and validates it.
func Load(serviceName string, opts ...config.LoaderOption) (*Config, error) {
	cfg := &Config{}
	if err := config.LoadConfig(serviceName, cfg, opts...); err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	if cfg.Name == "" {
		cfg.Name = serviceName
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}
	return cfg, nil
}
