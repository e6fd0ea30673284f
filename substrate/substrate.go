package substrate

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kbukum/pipeguard/cache"
	"github.com/kbukum/pipeguard/component"
	"github.com/kbukum/pipeguard/logger"
	"github.com/kbukum/pipeguard/progress"
	"github.com/kbukum/pipeguard/resilience"
	"github.com/kbukum/pipeguard/version"
)

// Substrate holds one instance of each reliability component, built from a
// single Config. V is the type of cached values.
type Substrate[V any] struct {
	Name       string
	Config     *Config
	Logger     *logger.Logger
	Cache      *cache.Cache[V]
	Progress   *progress.Broker
	Guard      *resilience.Guard
	Limiter    *resilience.RateLimiter
	Components *component.Registry

	gracefulTimeout time.Duration
}

// Report is a point-in-time view of every component.
type Report struct {
	Status     component.HealthStatus     `json:"status"`
	Build      version.Info               `json:"build"`
	Components []component.Health         `json:"components"`
	Breakers   []resilience.BreakerStatus `json:"breakers"`
	Cache      cache.Stats                `json:"cache"`
	Progress   progress.Stats             `json:"progress"`
	RateLimit  resilience.LimiterStats    `json:"rate_limit"`
}

// New builds a substrate from cfg. It applies defaults, validates, and
// registers the background components; nothing runs until Start.
func New[V any](cfg *Config, opts ...Option) (*Substrate[V], error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}
	o := resolveOptions(opts)

	log := o.logger
	named := func(name string) *logger.Logger { return log.WithComponent(name) }
	if log == nil {
		logger.Init(&cfg.Logging)
		log = logger.GetGlobalLogger()
		named = logger.Get
	}
	wire := func(l **logger.Logger, name string) {
		if *l == nil {
			*l = named(name)
		}
	}
	wire(&cfg.Cache.Logger, "cache")
	wire(&cfg.Progress.Logger, "progress")
	wire(&cfg.Guard.Logger, "guard")
	wire(&cfg.RateLimit.Logger, "ratelimit")
	if o.meter != nil {
		cfg.Cache.Meter = o.meter
		cfg.Progress.Meter = o.meter
		cfg.Guard.Meter = o.meter
		cfg.RateLimit.Meter = o.meter
	}

	c, err := cache.New[V](cfg.Cache)
	if err != nil {
		return nil, err
	}
	broker, err := progress.NewBroker(cfg.Progress)
	if err != nil {
		return nil, err
	}
	guard, err := resilience.NewGuard(cfg.Guard)
	if err != nil {
		return nil, err
	}
	limiter, err := resilience.NewRateLimiter(cfg.RateLimit)
	if err != nil {
		return nil, err
	}

	s := &Substrate[V]{
		Name:            cfg.Name,
		Config:          cfg,
		Logger:          log,
		Cache:           c,
		Progress:        broker,
		Guard:           guard,
		Limiter:         limiter,
		Components:      component.NewRegistry(),
		gracefulTimeout: o.gracefulTimeout,
	}

	for _, comp := range []component.Component{
		&telemetry{cfg: cfg.Observability},
		cache.NewComponent(c),
		progress.NewComponent(broker),
		resilience.NewLimiterComponent(limiter),
	} {
		if err := s.Components.Register(comp); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Start starts every component in registration order.
func (s *Substrate[V]) Start(ctx context.Context) error {
	start := time.Now()
	s.Logger.Info("starting substrate", logger.Fields(
		"name", s.Name,
		"version", s.Config.Version,
		"environment", s.Config.Environment,
	))

	if err := s.Components.StartAll(ctx); err != nil {
		return fmt.Errorf("starting components: %w", err)
	}

	for _, comp := range s.Components.All() {
		fields := logger.Fields(logger.FieldComponent, comp.Name())
		if d, ok := comp.(component.Describable); ok {
			desc := d.Describe()
			fields["type"] = desc.Type
			fields["details"] = desc.Details
		}
		s.Logger.Info("component ready", fields)
	}
	s.Logger.Info("substrate started", logger.DurationFields("startup", time.Since(start)))
	return nil
}

// Stop stops every component in reverse order, bounded by the graceful
// timeout.
func (s *Substrate[V]) Stop(ctx context.Context) error {
	s.Logger.Info("stopping substrate", logger.Fields("timeout", s.gracefulTimeout.String()))

	ctx, cancel := context.WithTimeout(ctx, s.gracefulTimeout)
	defer cancel()

	if err := s.Components.StopAll(ctx); err != nil {
		s.Logger.Error("substrate stopped with errors", logger.Fields(logger.FieldError, err.Error()))
		return err
	}
	s.Logger.Info("substrate stopped")
	return nil
}

// Run starts the substrate, runs task, and stops again once task returns.
// SIGINT and SIGTERM cancel the task's context.
func (s *Substrate[V]) Run(ctx context.Context, task func(ctx context.Context) error) error {
	if err := s.Start(ctx); err != nil {
		return err
	}

	taskCtx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	taskErr := task(taskCtx)
	stopErr := s.Stop(context.WithoutCancel(ctx))
	return errors.Join(taskErr, stopErr)
}

// Health reports every component's health along with their statistics.
func (s *Substrate[V]) Health(ctx context.Context) Report {
	health := s.Components.HealthAll(ctx)
	return Report{
		Status:     component.Overall(health),
		Build:      version.Get(),
		Components: health,
		Breakers:   s.Guard.Statuses(),
		Cache:      s.Cache.Stats(),
		Progress:   s.Progress.Stats(),
		RateLimit:  s.Limiter.Stats(),
	}
}

// ReadyCheck returns an error naming every component that is not healthy.
func (s *Substrate[V]) ReadyCheck(ctx context.Context) error {
	var unhealthy []string
	for _, h := range s.Components.HealthAll(ctx) {
		if h.Status != component.StatusHealthy {
			detail := h.Name + "=" + string(h.Status)
			if h.Message != "" {
				detail += "(" + h.Message + ")"
			}
			unhealthy = append(unhealthy, detail)
		}
	}
	if len(unhealthy) > 0 {
		return fmt.Errorf("unhealthy components: %v", unhealthy)
	}
	return nil
}
