package resilience

import (
	"sync"
	"time"

	"github.com/kbukum/pipeguard/validation"
)

// State represents the circuit breaker state.
type State int

const (
	// StateClosed allows requests to pass through.
	StateClosed State = iota
	// StateOpen blocks all requests.
	StateOpen
	// StateHalfOpen admits a single trial request to probe recovery.
	StateHalfOpen
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// CircuitBreakerConfig configures a circuit breaker.
type CircuitBreakerConfig struct {
	// Name identifies the protected resource in errors, logs and metrics.
	Name string `yaml:"name" mapstructure:"name"`
	// FailureThreshold is the number of consecutive failures that opens
	// the circuit.
	FailureThreshold int `yaml:"failure_threshold" mapstructure:"failure_threshold" validate:"min=1"`
	// RecoveryTimeout is how long the circuit stays open before it admits
	// a trial request.
	RecoveryTimeout time.Duration `yaml:"recovery_timeout" mapstructure:"recovery_timeout" validate:"gt=0"`
	// OnStateChange is called after every transition, outside the lock.
	OnStateChange func(name string, from, to State) `yaml:"-" mapstructure:"-" validate:"-"`
	Now           func() time.Time                  `yaml:"-" mapstructure:"-" validate:"-"`
}

// DefaultCircuitBreakerConfig returns the default thresholds.
func DefaultCircuitBreakerConfig(name string) CircuitBreakerConfig {
	cfg := CircuitBreakerConfig{Name: name}
	cfg.ApplyDefaults()
	return cfg
}

// ApplyDefaults fills zero-valued fields.
func (c *CircuitBreakerConfig) ApplyDefaults() {
	if c.FailureThreshold == 0 {
		c.FailureThreshold = 5
	}
	if c.RecoveryTimeout == 0 {
		c.RecoveryTimeout = 60 * time.Second
	}
	if c.Now == nil {
		c.Now = time.Now
	}
}

// Validate checks the configured ranges.
func (c *CircuitBreakerConfig) Validate() error {
	return validation.Validate(c)
}

// BreakerStatus is a snapshot of a breaker for health reporting.
type BreakerStatus struct {
	Name                string    `json:"name"`
	State               string    `json:"state"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	OpenedAt            time.Time `json:"opened_at,omitempty"`
}

type transition struct{ from, to State }

// CircuitBreaker fails fast once a resource has failed FailureThreshold
// times in a row.
//
// States:
//   - Closed: requests pass; failures are counted, a success resets the count
//   - Open: requests fail with *CircuitOpenError until RecoveryTimeout passes
//   - Half-Open: exactly one trial request is admitted; its outcome closes or
//     re-opens the circuit
//
// Callers that need to separate admission from outcome use Allow, Record
// and Release; Execute wraps all three.
type CircuitBreaker struct {
	config CircuitBreakerConfig

	mu       sync.Mutex
	state    State
	failures int
	openedAt time.Time
	trial    bool
	// opened is closed, then replaced, each time the circuit opens.
	opened   chan struct{}
}

// NewCircuitBreaker creates a circuit breaker. Zero-valued fields take
// their defaults; invalid values fall back to them as well.
func NewCircuitBreaker(config CircuitBreakerConfig) *CircuitBreaker {
	config.ApplyDefaults()
	if config.FailureThreshold < 1 {
		config.FailureThreshold = 5
	}
	if config.RecoveryTimeout <= 0 {
		config.RecoveryTimeout = 60 * time.Second
	}
	return &CircuitBreaker{config: config, state: StateClosed, opened: make(chan struct{})}
}

// Name returns the breaker's resource name.
func (cb *CircuitBreaker) Name() string { return cb.config.Name }

// Allow asks for admission. trial reports whether the caller holds the
// half-open trial slot and must pass it back to Record or Release.
func (cb *CircuitBreaker) Allow() (trial bool, err error) {
	cb.mu.Lock()
	now := cb.config.Now()
	ts := cb.advance(now)

	switch cb.state {
	case StateClosed:
	case StateOpen:
		err = &CircuitOpenError{Resource: cb.config.Name, RetryAfter: cb.retryAfter(now)}
	case StateHalfOpen:
		if cb.trial {
			err = &CircuitOpenError{Resource: cb.config.Name}
		} else {
			cb.trial = true
			trial = true
		}
	}
	cb.mu.Unlock()

	cb.notify(ts)
	return trial, err
}

// Record reports the outcome of an admitted call. Outcomes of non-trial
// calls that arrive after the circuit left the closed state are ignored.
func (cb *CircuitBreaker) Record(trial bool, err error) {
	cb.mu.Lock()
	now := cb.config.Now()
	var ts []transition

	switch {
	case trial:
		cb.trial = false
		if cb.state != StateHalfOpen {
			// Reset raced with the trial.
			break
		}
		if err == nil {
			ts = append(ts, cb.toState(StateClosed, now))
		} else {
			cb.failures++
			ts = append(ts, cb.toState(StateOpen, now))
		}
	case cb.state != StateClosed:
	case err == nil:
		cb.failures = 0
	default:
		cb.failures++
		if cb.failures >= cb.config.FailureThreshold {
			ts = append(ts, cb.toState(StateOpen, now))
		}
	}
	cb.mu.Unlock()

	cb.notify(ts)
}

// Release gives back a trial slot without a verdict, for calls abandoned
// by their caller.
func (cb *CircuitBreaker) Release(trial bool) {
	if !trial {
		return
	}
	cb.mu.Lock()
	cb.trial = false
	cb.mu.Unlock()
}

// Execute runs fn through the circuit breaker.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	trial, err := cb.Allow()
	if err != nil {
		return err
	}
	err = fn()
	cb.Record(trial, err)
	return err
}

// OpenError returns a *CircuitOpenError while the circuit is open and nil
// otherwise. It never takes the trial slot.
func (cb *CircuitBreaker) OpenError() error {
	cb.mu.Lock()
	now := cb.config.Now()
	ts := cb.advance(now)
	var err error
	if cb.state == StateOpen {
		err = &CircuitOpenError{Resource: cb.config.Name, RetryAfter: cb.retryAfter(now)}
	}
	cb.mu.Unlock()

	cb.notify(ts)
	return err
}

// Opened returns a channel that is closed the next time the circuit opens.
func (cb *CircuitBreaker) Opened() <-chan struct{} {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.opened
}

// State returns the current state.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	ts := cb.advance(cb.config.Now())
	s := cb.state
	cb.mu.Unlock()

	cb.notify(ts)
	return s
}

// Failures returns the consecutive failure count.
func (cb *CircuitBreaker) Failures() int {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.failures
}

// Status returns a snapshot for health reporting.
func (cb *CircuitBreaker) Status() BreakerStatus {
	cb.mu.Lock()
	ts := cb.advance(cb.config.Now())
	st := BreakerStatus{
		Name:                cb.config.Name,
		State:               cb.state.String(),
		ConsecutiveFailures: cb.failures,
	}
	if cb.state != StateClosed {
		st.OpenedAt = cb.openedAt
	}
	cb.mu.Unlock()

	cb.notify(ts)
	return st
}

// Reset closes the circuit and clears the failure count.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	t := cb.toState(StateClosed, cb.config.Now())
	cb.failures = 0
	cb.trial = false
	cb.mu.Unlock()

	cb.notify([]transition{t})
}

// advance moves an open circuit to half-open once RecoveryTimeout has
// elapsed. Callers hold cb.mu.
func (cb *CircuitBreaker) advance(now time.Time) []transition {
	if cb.state == StateOpen && now.Sub(cb.openedAt) >= cb.config.RecoveryTimeout {
		return []transition{cb.toState(StateHalfOpen, now)}
	}
	return nil
}

func (cb *CircuitBreaker) retryAfter(now time.Time) time.Duration {
	d := cb.openedAt.Add(cb.config.RecoveryTimeout).Sub(now)
	if d < 0 {
		return 0
	}
	return d
}

// toState switches state. Callers hold cb.mu.
func (cb *CircuitBreaker) toState(to State, now time.Time) transition {
	t := transition{from: cb.state, to: to}
	if cb.state == to {
		return t
	}
	cb.state = to

	switch to {
	case StateClosed:
		cb.failures = 0
		cb.trial = false
	case StateOpen:
		cb.openedAt = now
		cb.trial = false
		close(cb.opened)
		cb.opened = make(chan struct{})
	}
	return t
}

func (cb *CircuitBreaker) notify(ts []transition) {
	if cb.config.OnStateChange == nil {
		return
	}
	for _, t := range ts {
		if t.from != t.to {
			cb.config.OnStateChange(cb.config.Name, t.from, t.to)
		}
	}
}
