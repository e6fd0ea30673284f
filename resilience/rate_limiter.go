package resilience

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/kbukum/pipeguard/logger"
	"github.com/kbukum/pipeguard/validation"
)

// sweepEvery is how many checks pass between opportunistic sweeps.
const sweepEvery = 1024

// RateLimiterConfig configures a sliding-window rate limiter.
type RateLimiterConfig struct {
	// RequestsPerWindow is how many requests a client may make in any
	// Window-long span.
	RequestsPerWindow int           `yaml:"requests_per_window" mapstructure:"requests_per_window" validate:"min=1"`
	Window            time.Duration `yaml:"window" mapstructure:"window" validate:"gt=0"`
	// SweepInterval is how often idle clients are evicted by the
	// component. Zero means Window; negative disables the sweep.
	SweepInterval time.Duration `yaml:"sweep_interval" mapstructure:"sweep_interval"`

	Logger *logger.Logger   `yaml:"-" mapstructure:"-" validate:"-"`
	Meter  metric.Meter     `yaml:"-" mapstructure:"-" validate:"-"`
	Now    func() time.Time `yaml:"-" mapstructure:"-" validate:"-"`
}

// DefaultRateLimiterConfig returns ten requests per minute.
func DefaultRateLimiterConfig() RateLimiterConfig {
	cfg := RateLimiterConfig{}
	cfg.ApplyDefaults()
	return cfg
}

// ApplyDefaults fills zero-valued fields.
func (c *RateLimiterConfig) ApplyDefaults() {
	if c.RequestsPerWindow == 0 {
		c.RequestsPerWindow = 10
	}
	if c.Window == 0 {
		c.Window = time.Minute
	}
	if c.SweepInterval == 0 {
		c.SweepInterval = c.Window
	}
	if c.Now == nil {
		c.Now = time.Now
	}
}

// Validate checks the configured ranges.
func (c *RateLimiterConfig) Validate() error {
	return validation.Validate(c)
}

// Decision is the outcome of a Check.
type Decision struct {
	Allowed   bool
	Limit     int
	Remaining int
	// RetryAfter is how long until a denied client may try again.
	RetryAfter time.Duration
	// ResetAfter is how long until the client's window is empty.
	ResetAfter time.Duration
}

// LimiterStats summarizes limiter activity.
type LimiterStats struct {
	ActiveClients      int           `json:"active_clients"`
	AdmittedLastWindow int           `json:"admitted_last_window"`
	DeniedLastWindow   int           `json:"denied_last_window"`
	AdmittedTotal      uint64        `json:"admitted_total"`
	DeniedTotal        uint64        `json:"denied_total"`
	Limit              int           `json:"limit"`
	Window             time.Duration `json:"window"`
}

// clientWindow holds admission times for one client, oldest first.
type clientWindow struct {
	mu     sync.Mutex
	stamps []time.Time
	// evicted is set when the window is removed from the map, so a checker
	// holding a stale pointer re-fetches instead of recording into it.
	evicted bool
}

// prune drops stamps outside the window ending at now. Callers hold w.mu.
func (w *clientWindow) prune(now time.Time, window time.Duration) {
	cutoff := now.Add(-window)
	i := 0
	for i < len(w.stamps) && !w.stamps[i].After(cutoff) {
		i++
	}
	if i > 0 {
		w.stamps = append(w.stamps[:0], w.stamps[i:]...)
	}
}

// RateLimiter admits at most RequestsPerWindow requests per client key in
// any trailing Window. Denied requests are not recorded, so a client that
// keeps retrying is admitted as soon as its oldest request ages out.
type RateLimiter struct {
	cfg RateLimiterConfig
	log *logger.Logger
	m   *limiterMetrics

	mu      sync.Mutex
	clients map[string]*clientWindow

	deniedMu sync.Mutex
	denied   []time.Time

	admittedTotal atomic.Uint64
	deniedTotal   atomic.Uint64
	checks        atomic.Uint64
}

// NewRateLimiter creates a limiter from cfg after applying defaults and
// validating it.
func NewRateLimiter(cfg RateLimiterConfig) (*RateLimiter, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("rate limiter: %w", err)
	}
	log := cfg.Logger
	if log == nil {
		log = logger.Get("ratelimit")
	}
	return &RateLimiter{
		cfg:     cfg,
		log:     log,
		m:       newLimiterMetrics(cfg.Meter),
		clients: make(map[string]*clientWindow),
	}, nil
}

// Config returns the effective configuration.
func (l *RateLimiter) Config() RateLimiterConfig { return l.cfg }

func (l *RateLimiter) window(key string) *clientWindow {
	l.mu.Lock()
	defer l.mu.Unlock()

	w, ok := l.clients[key]
	if !ok {
		w = &clientWindow{}
		l.clients[key] = w
	}
	return w
}

// Check decides whether clientKey may make a request now, recording it
// when admitted.
func (l *RateLimiter) Check(clientKey string) Decision {
	if l.checks.Add(1)%sweepEvery == 0 {
		l.Sweep()
	}

	limit := l.cfg.RequestsPerWindow
	d := Decision{Limit: limit}

	var now time.Time
	for {
		w := l.window(clientKey)
		w.mu.Lock()
		if w.evicted {
			w.mu.Unlock()
			continue
		}
		// Read the clock under the window lock so stamps stay ordered.
		now = l.cfg.Now()
		w.prune(now, l.cfg.Window)

		if len(w.stamps) < limit {
			w.stamps = append(w.stamps, now)
			d.Allowed = true
			d.Remaining = limit - len(w.stamps)
		} else {
			d.RetryAfter = w.stamps[0].Add(l.cfg.Window).Sub(now)
		}
		d.ResetAfter = w.stamps[len(w.stamps)-1].Add(l.cfg.Window).Sub(now)
		w.mu.Unlock()
		break
	}

	ctx := context.Background()
	if d.Allowed {
		l.admittedTotal.Add(1)
		l.m.admitted.Add(ctx, 1)
		return d
	}

	l.deniedTotal.Add(1)
	l.m.denied.Add(ctx, 1)
	l.recordDenial(now)
	l.log.Debug("request denied", logger.Fields(
		logger.FieldClientKey, clientKey,
		logger.FieldRetryAfter, d.RetryAfter.Milliseconds(),
	))
	return d
}

// Allow is Check reporting denial as *RateLimitExceededError.
func (l *RateLimiter) Allow(clientKey string) error {
	d := l.Check(clientKey)
	if d.Allowed {
		return nil
	}
	return &RateLimitExceededError{ClientKey: clientKey, RetryAfter: d.RetryAfter}
}

// Remaining returns how many more requests clientKey may make now.
func (l *RateLimiter) Remaining(clientKey string) int {
	l.mu.Lock()
	w, ok := l.clients[clientKey]
	l.mu.Unlock()
	if !ok {
		return l.cfg.RequestsPerWindow
	}

	now := l.cfg.Now()
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.evicted {
		return l.cfg.RequestsPerWindow
	}
	w.prune(now, l.cfg.Window)
	return max(0, l.cfg.RequestsPerWindow-len(w.stamps))
}

// ResetClient forgets every request recorded for clientKey.
func (l *RateLimiter) ResetClient(clientKey string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	w, ok := l.clients[clientKey]
	if !ok {
		return
	}
	w.mu.Lock()
	w.evicted = true
	w.mu.Unlock()
	delete(l.clients, clientKey)
}

// Sweep evicts clients with no requests inside the window and returns how
// many were evicted.
func (l *RateLimiter) Sweep() int {
	now := l.cfg.Now()

	l.mu.Lock()
	evicted := 0
	for key, w := range l.clients {
		w.mu.Lock()
		w.prune(now, l.cfg.Window)
		if len(w.stamps) == 0 {
			w.evicted = true
			delete(l.clients, key)
			evicted++
		}
		w.mu.Unlock()
	}
	l.mu.Unlock()

	l.pruneDenials(now)
	if evicted > 0 {
		l.log.Debug("idle clients evicted", logger.Fields("evicted", evicted))
	}
	return evicted
}

// Stats returns activity inside the current window and lifetime totals.
func (l *RateLimiter) Stats() LimiterStats {
	now := l.cfg.Now()
	s := LimiterStats{
		AdmittedTotal: l.admittedTotal.Load(),
		DeniedTotal:   l.deniedTotal.Load(),
		Limit:         l.cfg.RequestsPerWindow,
		Window:        l.cfg.Window,
	}

	l.mu.Lock()
	for _, w := range l.clients {
		w.mu.Lock()
		w.prune(now, l.cfg.Window)
		if n := len(w.stamps); n > 0 {
			s.ActiveClients++
			s.AdmittedLastWindow += n
		}
		w.mu.Unlock()
	}
	l.mu.Unlock()

	s.DeniedLastWindow = l.pruneDenials(now)
	return s
}

func (l *RateLimiter) recordDenial(now time.Time) {
	l.deniedMu.Lock()
	l.denied = append(l.denied, now)
	l.deniedMu.Unlock()
}

// pruneDenials drops denials outside the window and returns how many remain.
func (l *RateLimiter) pruneDenials(now time.Time) int {
	cutoff := now.Add(-l.cfg.Window)

	l.deniedMu.Lock()
	defer l.deniedMu.Unlock()
	i := 0
	for i < len(l.denied) && !l.denied[i].After(cutoff) {
		i++
	}
	if i > 0 {
		l.denied = append(l.denied[:0], l.denied[i:]...)
	}
	return len(l.denied)
}
