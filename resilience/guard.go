package resilience

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/kbukum/pipeguard/logger"
	"github.com/kbukum/pipeguard/observability"
	"github.com/kbukum/pipeguard/validation"
)

// GuardConfig configures a Guard.
type GuardConfig struct {
	// Breaker is the template for every per-resource breaker; Name is
	// replaced by the resource name.
	Breaker CircuitBreakerConfig `yaml:"breaker" mapstructure:"breaker"`
	Retry   RetryConfig          `yaml:"retry" mapstructure:"retry"`
	// DefaultTimeout is the budget for calls that pass a zero timeout.
	// Zero means no budget.
	DefaultTimeout time.Duration `yaml:"default_timeout" mapstructure:"default_timeout" validate:"gte=0"`
	// MaxConcurrent caps concurrent attempts per resource. Zero means
	// unlimited.
	MaxConcurrent int `yaml:"max_concurrent" mapstructure:"max_concurrent" validate:"gte=0"`

	Logger *logger.Logger `yaml:"-" mapstructure:"-" validate:"-"`
	Meter  metric.Meter   `yaml:"-" mapstructure:"-" validate:"-"`
}

// DefaultGuardConfig returns the default guard policy.
func DefaultGuardConfig() GuardConfig {
	cfg := GuardConfig{}
	cfg.ApplyDefaults()
	return cfg
}

// ApplyDefaults fills zero-valued fields.
func (c *GuardConfig) ApplyDefaults() {
	c.Breaker.ApplyDefaults()
	c.Retry.ApplyDefaults()
}

// Validate checks the configured ranges.
func (c *GuardConfig) Validate() error {
	return validation.Validate(c)
}

// Guard runs operations against named resources with a circuit breaker,
// retries with backoff, an overall time budget and an optional bulkhead.
// Breakers are created on first use and live as long as the Guard.
type Guard struct {
	cfg GuardConfig
	log *logger.Logger
	m   *guardMetrics

	mu        sync.Mutex
	breakers  map[string]*CircuitBreaker
	bulkheads map[string]*Bulkhead
}

// NewGuard creates a guard from cfg after applying defaults and validating.
func NewGuard(cfg GuardConfig) (*Guard, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("guard: %w", err)
	}
	log := cfg.Logger
	if log == nil {
		log = logger.Get("guard")
	}
	return &Guard{
		cfg:       cfg,
		log:       log,
		m:         newGuardMetrics(cfg.Meter),
		breakers:  make(map[string]*CircuitBreaker),
		bulkheads: make(map[string]*Bulkhead),
	}, nil
}

// Breaker returns the breaker for resource, creating it on first use.
func (g *Guard) Breaker(resource string) *CircuitBreaker {
	g.mu.Lock()
	defer g.mu.Unlock()

	if cb, ok := g.breakers[resource]; ok {
		return cb
	}
	bcfg := g.cfg.Breaker
	bcfg.Name = resource
	user := g.cfg.Breaker.OnStateChange
	bcfg.OnStateChange = func(name string, from, to State) {
		g.onStateChange(name, from, to)
		if user != nil {
			user(name, from, to)
		}
	}
	cb := NewCircuitBreaker(bcfg)
	g.breakers[resource] = cb
	return cb
}

func (g *Guard) bulkhead(resource string) *Bulkhead {
	if g.cfg.MaxConcurrent == 0 {
		return nil
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	if b, ok := g.bulkheads[resource]; ok {
		return b
	}
	b := NewBulkhead(BulkheadConfig{
		Name:          resource,
		MaxConcurrent: g.cfg.MaxConcurrent,
		OnReject: func(name string) {
			g.log.Warn("bulkhead full", logger.Fields(logger.FieldResource, name))
		},
	})
	g.bulkheads[resource] = b
	return b
}

func (g *Guard) onStateChange(resource string, from, to State) {
	g.m.stateChange(resource, from, to)
	fields := logger.Fields(
		logger.FieldResource, resource,
		"from", from.String(),
		logger.FieldState, to.String(),
	)
	if to == StateOpen {
		g.log.Warn("circuit opened", fields)
		return
	}
	g.log.Info("circuit state changed", fields)
}

// BreakerStatus returns the status of the breaker for resource. A
// resource that has never been called reports closed without creating a
// breaker.
func (g *Guard) BreakerStatus(resource string) BreakerStatus {
	g.mu.Lock()
	cb, ok := g.breakers[resource]
	g.mu.Unlock()
	if !ok {
		return BreakerStatus{Name: resource, State: StateClosed.String()}
	}
	return cb.Status()
}

// Statuses returns the status of every breaker created so far, by name.
func (g *Guard) Statuses() []BreakerStatus {
	g.mu.Lock()
	breakers := make([]*CircuitBreaker, 0, len(g.breakers))
	for _, cb := range g.breakers {
		breakers = append(breakers, cb)
	}
	g.mu.Unlock()

	out := make([]BreakerStatus, 0, len(breakers))
	for _, cb := range breakers {
		out = append(out, cb.Status())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Reset closes the breaker for resource, if there is one.
func (g *Guard) Reset(resource string) {
	g.mu.Lock()
	cb, ok := g.breakers[resource]
	g.mu.Unlock()
	if ok {
		cb.Reset()
	}
}

// Execute is Call for operations without a result.
func (g *Guard) Execute(ctx context.Context, resource string, maxRetries int, timeout time.Duration, op func(ctx context.Context) error) error {
	_, err := Call(ctx, g, resource, maxRetries, timeout, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, op(ctx)
	})
	return err
}

// Call runs op against resource. maxRetries below zero uses the configured
// retry count; a zero timeout uses DefaultTimeout, and the budget spans
// every attempt and backoff.
//
// The breaker is consulted before every attempt, and again after a failed
// one so a call that just opened the circuit stops instead of backing off.
// A backoff is cut short if the circuit opens while it waits.
// Errors: *CircuitOpenError when the circuit refuses the call,
// *RetriesExhaustedError when every attempt failed, *TimeoutError when the
// budget ran out, ctx.Err() when the caller gave up, ErrBulkheadFull when
// the resource is saturated, and the op's own error when RetryIf rejects it.
func Call[T any](ctx context.Context, g *Guard, resource string, maxRetries int, timeout time.Duration, op func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	if maxRetries < 0 {
		maxRetries = g.cfg.Retry.MaxRetries
	}
	if timeout == 0 {
		timeout = g.cfg.DefaultTimeout
	}

	ctx, span := observability.StartSpan(ctx, observability.SpanGuardCall,
		trace.WithAttributes(attribute.String(observability.AttrResource, resource)))
	defer span.End()

	callerCtx := ctx
	budgetCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		budgetCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	cb := g.Breaker(resource)
	bh := g.bulkhead(resource)
	log := g.log.WithContext(ctx)
	attempts := 0

	finish := func(outcome string, err error) {
		span.SetAttributes(
			attribute.Int(observability.AttrAttempts, attempts),
			attribute.String(observability.AttrOutcome, outcome),
		)
		observability.SetSpanError(ctx, err)
		g.m.outcome(ctx, resource, outcome)
	}

	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		trial, err := cb.Allow()
		if err != nil {
			finish(OutcomeCircuitOpen, err)
			return zero, err
		}

		attempts++
		g.m.attempt(ctx, resource)
		v, err := runAttempt(budgetCtx, bh, op)
		if err == nil {
			cb.Record(trial, nil)
			finish(OutcomeSuccess, nil)
			return v, nil
		}

		switch {
		case callerCtx.Err() != nil:
			cb.Release(trial)
			finish(OutcomeCanceled, callerCtx.Err())
			return zero, callerCtx.Err()
		case errors.Is(err, ErrBulkheadFull):
			cb.Release(trial)
			finish(OutcomeRejected, err)
			return zero, err
		case budgetCtx.Err() != nil:
			// An attempt cut off by the budget counts against the breaker.
			cb.Record(trial, err)
			terr := &TimeoutError{Resource: resource, Attempts: attempts, Budget: timeout, Cause: err}
			finish(OutcomeTimeout, terr)
			return zero, terr
		}

		cb.Record(trial, err)
		lastErr = err
		log.Warn("attempt failed", logger.Fields(
			logger.FieldResource, resource,
			logger.FieldAttempt, attempts,
			logger.FieldError, err.Error(),
		))

		if !g.cfg.Retry.RetryIf(err) {
			finish(OutcomeNonRetryable, err)
			return zero, err
		}
		if attempt == maxRetries {
			break
		}
		opened := cb.Opened()
		if openErr := cb.OpenError(); openErr != nil {
			finish(OutcomeCircuitOpen, openErr)
			return zero, openErr
		}

		backoff := g.cfg.Retry.Backoff(attempt)
		if g.cfg.Retry.OnRetry != nil {
			g.cfg.Retry.OnRetry(attempts, err, backoff)
		}
		// A circuit opened by another call ends the backoff early; the next
		// admission check then fails fast.
		if err := sleep(budgetCtx, backoff, opened); err != nil {
			if callerCtx.Err() != nil {
				finish(OutcomeCanceled, callerCtx.Err())
				return zero, callerCtx.Err()
			}
			terr := &TimeoutError{Resource: resource, Attempts: attempts, Budget: timeout, Cause: lastErr}
			finish(OutcomeTimeout, terr)
			return zero, terr
		}
	}

	exhausted := &RetriesExhaustedError{Resource: resource, Attempts: attempts, Cause: lastErr}
	log.Error("retries exhausted", logger.Fields(
		logger.FieldResource, resource,
		logger.FieldAttempt, attempts,
		logger.FieldError, lastErr.Error(),
	))
	finish(OutcomeExhausted, exhausted)
	return zero, exhausted
}

type attemptResult[T any] struct {
	v   T
	err error
}

// runAttempt runs op on its own goroutine so an op that ignores ctx is
// abandoned, not waited for, when ctx ends. The bulkhead slot is held
// until op actually returns.
func runAttempt[T any](ctx context.Context, bh *Bulkhead, op func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	if bh != nil {
		if err := bh.Acquire(ctx); err != nil {
			return zero, err
		}
	}

	ch := make(chan attemptResult[T], 1)
	go func() {
		if bh != nil {
			defer bh.Release()
		}
		defer func() {
			if r := recover(); r != nil {
				ch <- attemptResult[T]{err: fmt.Errorf("operation panicked: %v", r)}
			}
		}()
		v, err := op(ctx)
		ch <- attemptResult[T]{v: v, err: err}
	}()

	select {
	case r := <-ch:
		return r.v, r.err
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}
