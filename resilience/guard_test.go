package resilience

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	tracenoop "go.opentelemetry.io/otel/trace/noop"

	apperrors "github.com/kbukum/pipeguard/errors"
	"github.com/kbukum/pipeguard/logger"
	"github.com/kbukum/pipeguard/observability"
)

func newTestGuard(t *testing.T, mutate func(*GuardConfig)) *Guard {
	t.Helper()
	cfg := GuardConfig{
		Breaker: CircuitBreakerConfig{FailureThreshold: 5, RecoveryTimeout: time.Minute},
		Retry:   RetryConfig{MaxRetries: 3, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond},
		Logger:  logger.Nop(),
	}
	if mutate != nil {
		mutate(&cfg)
	}
	g, err := NewGuard(cfg)
	if err != nil {
		t.Fatalf("NewGuard: %v", err)
	}
	return g
}

func failing(calls *atomic.Int32) func(context.Context) (string, error) {
	return func(context.Context) (string, error) {
		calls.Add(1)
		return "", errProvider
	}
}

func TestGuardConfig_Validate(t *testing.T) {
	cfg := DefaultGuardConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected defaults to validate, got %v", err)
	}
	cfg.MaxConcurrent = -1
	if _, err := NewGuard(cfg); err == nil {
		t.Error("expected negative max_concurrent to be rejected")
	}
}

func TestGuard_Success(t *testing.T) {
	g := newTestGuard(t, nil)
	got, err := Call(context.Background(), g, "planner", 3, time.Second, func(context.Context) (string, error) {
		return "plan", nil
	})
	if err != nil || got != "plan" {
		t.Fatalf("expected plan, got %q %v", got, err)
	}
	if g.Breaker("planner").State() != StateClosed {
		t.Error("expected breaker closed")
	}
}

func TestGuard_RetriesThenSucceeds(t *testing.T) {
	g := newTestGuard(t, nil)
	var calls atomic.Int32
	got, err := Call(context.Background(), g, "search", 3, time.Second, func(context.Context) (int, error) {
		if calls.Add(1) < 3 {
			return 0, errProvider
		}
		return 42, nil
	})
	if err != nil || got != 42 {
		t.Fatalf("expected 42, got %d %v", got, err)
	}
	if calls.Load() != 3 {
		t.Errorf("expected 3 calls, got %d", calls.Load())
	}
	if g.Breaker("search").Failures() != 0 {
		t.Error("expected success to reset the failure count")
	}
}

func TestGuard_RetriesExhausted(t *testing.T) {
	g := newTestGuard(t, nil)
	var calls atomic.Int32

	_, err := Call(context.Background(), g, "writer", 2, time.Second, failing(&calls))

	var exhausted *RetriesExhaustedError
	if !errors.As(err, &exhausted) {
		t.Fatalf("expected *RetriesExhaustedError, got %v", err)
	}
	if exhausted.Attempts != 3 || calls.Load() != 3 {
		t.Errorf("expected 3 attempts, got %d (calls %d)", exhausted.Attempts, calls.Load())
	}
	if !errors.Is(err, errProvider) || !errors.Is(err, ErrRetriesExhausted) {
		t.Error("expected the error to match the cause and the sentinel")
	}
	if g.Breaker("writer").Failures() != 3 {
		t.Errorf("expected 3 breaker failures, got %d", g.Breaker("writer").Failures())
	}
}

func TestGuard_NegativeRetriesUsesConfig(t *testing.T) {
	g := newTestGuard(t, func(c *GuardConfig) { c.Retry.MaxRetries = 1 })
	var calls atomic.Int32
	_, _ = Call(context.Background(), g, "search", -1, time.Second, failing(&calls))
	if calls.Load() != 2 {
		t.Errorf("expected 2 calls, got %d", calls.Load())
	}
}

func TestGuard_ZeroRetriesMakesOneAttempt(t *testing.T) {
	g := newTestGuard(t, nil)
	var calls atomic.Int32
	_, err := Call(context.Background(), g, "search", 0, time.Second, failing(&calls))
	if !errors.Is(err, ErrRetriesExhausted) || calls.Load() != 1 {
		t.Errorf("expected one attempt then exhaustion, got %d calls, %v", calls.Load(), err)
	}
}

func TestGuard_OpensMidSequence(t *testing.T) {
	g := newTestGuard(t, func(c *GuardConfig) { c.Breaker.FailureThreshold = 2 })
	var calls atomic.Int32

	_, err := Call(context.Background(), g, "planner", 5, time.Second, failing(&calls))

	var openErr *CircuitOpenError
	if !errors.As(err, &openErr) {
		t.Fatalf("expected *CircuitOpenError, got %v", err)
	}
	if calls.Load() != 2 {
		t.Errorf("expected the call to stop after the opening failure, got %d calls", calls.Load())
	}
	if openErr.Resource != "planner" {
		t.Errorf("unexpected resource %q", openErr.Resource)
	}
}

func TestGuard_OpenedByOtherCallEndsBackoff(t *testing.T) {
	backingOff := make(chan struct{})
	var once sync.Once
	g := newTestGuard(t, func(c *GuardConfig) {
		c.Breaker.FailureThreshold = 2
		c.Retry.BaseDelay = 2 * time.Second
		c.Retry.MaxDelay = 2 * time.Second
		c.Retry.OnRetry = func(int, error, time.Duration) {
			once.Do(func() { close(backingOff) })
		}
	})
	var calls atomic.Int32

	type result struct {
		err     error
		elapsed time.Duration
	}
	done := make(chan result, 1)
	go func() {
		start := time.Now()
		_, err := Call(context.Background(), g, "search", 3, 10*time.Second, failing(&calls))
		done <- result{err: err, elapsed: time.Since(start)}
	}()

	select {
	case <-backingOff:
	case <-time.After(time.Second):
		t.Fatal("first call never started backing off")
	}
	_, err := Call(context.Background(), g, "search", 0, time.Second, failing(&calls))
	if !errors.Is(err, ErrRetriesExhausted) {
		t.Fatalf("expected the second call to exhaust, got %v", err)
	}
	if g.Breaker("search").State() != StateOpen {
		t.Fatal("expected the second failure to open the circuit")
	}

	select {
	case r := <-done:
		if !errors.Is(r.err, ErrCircuitOpen) {
			t.Errorf("expected circuit open, got %v", r.err)
		}
		if r.elapsed > time.Second {
			t.Errorf("expected the backoff to be cut short, took %s", r.elapsed)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("first call did not return")
	}
	if calls.Load() != 2 {
		t.Errorf("expected no retry after the circuit opened, got %d calls", calls.Load())
	}
}

func TestGuard_LastAttemptOpensCircuit(t *testing.T) {
	g := newTestGuard(t, func(c *GuardConfig) { c.Breaker.FailureThreshold = 3 })
	var calls atomic.Int32

	_, err := Call(context.Background(), g, "planner", 2, time.Second, failing(&calls))
	if !errors.Is(err, ErrRetriesExhausted) {
		t.Errorf("expected exhaustion when the final attempt opens the circuit, got %v", err)
	}
	if g.Breaker("planner").State() != StateOpen {
		t.Error("expected breaker open")
	}
}

func TestGuard_OpenCircuitFailsFast(t *testing.T) {
	g := newTestGuard(t, func(c *GuardConfig) { c.Breaker.FailureThreshold = 1 })
	var calls atomic.Int32
	_, _ = Call(context.Background(), g, "writer", 0, time.Second, failing(&calls))

	start := time.Now()
	_, err := Call(context.Background(), g, "writer", 3, time.Second, failing(&calls))
	if !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("expected circuit open, got %v", err)
	}
	if calls.Load() != 1 {
		t.Errorf("expected the operation not to run, got %d calls", calls.Load())
	}
	if time.Since(start) > 100*time.Millisecond {
		t.Error("expected an immediate failure without backoff")
	}

	// Other resources are unaffected.
	if _, err := Call(context.Background(), g, "search", 0, time.Second, func(context.Context) (int, error) {
		return 1, nil
	}); err != nil {
		t.Errorf("expected independent breaker for another resource, got %v", err)
	}
}

func TestGuard_HalfOpenTrialCloses(t *testing.T) {
	clock := newFakeClock()
	g := newTestGuard(t, func(c *GuardConfig) {
		c.Breaker.FailureThreshold = 1
		c.Breaker.Now = clock.Now
	})
	var calls atomic.Int32
	_, _ = Call(context.Background(), g, "planner", 0, time.Second, failing(&calls))

	clock.Advance(time.Minute)
	got, err := Call(context.Background(), g, "planner", 0, time.Second, func(context.Context) (string, error) {
		return "ok", nil
	})
	if err != nil || got != "ok" {
		t.Fatalf("expected trial to succeed, got %q %v", got, err)
	}
	if g.Breaker("planner").State() != StateClosed {
		t.Error("expected breaker closed after successful trial")
	}
}

func TestGuard_TimeoutDuringBackoff(t *testing.T) {
	g := newTestGuard(t, func(c *GuardConfig) {
		c.Retry.BaseDelay = time.Hour
		c.Retry.MaxDelay = time.Hour
	})
	var calls atomic.Int32

	start := time.Now()
	_, err := Call(context.Background(), g, "search", 3, 20*time.Millisecond, failing(&calls))

	var terr *TimeoutError
	if !errors.As(err, &terr) {
		t.Fatalf("expected *TimeoutError, got %v", err)
	}
	if terr.Attempts != 1 || !errors.Is(err, errProvider) {
		t.Errorf("expected 1 attempt with the provider cause, got %+v", terr)
	}
	if time.Since(start) > time.Second {
		t.Error("expected the budget to cut the backoff short")
	}
}

func TestGuard_TimeoutDuringUncooperativeOperation(t *testing.T) {
	g := newTestGuard(t, nil)
	block := make(chan struct{})
	defer close(block)

	_, err := Call(context.Background(), g, "llm", 3, 20*time.Millisecond, func(context.Context) (string, error) {
		<-block
		return "late", nil
	})
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected timeout, got %v", err)
	}
	if g.Breaker("llm").Failures() != 1 {
		t.Errorf("expected the timed-out attempt to count as a failure, got %d", g.Breaker("llm").Failures())
	}
}

func TestGuard_DefaultTimeout(t *testing.T) {
	g := newTestGuard(t, func(c *GuardConfig) { c.DefaultTimeout = 20 * time.Millisecond })
	_, err := Call(context.Background(), g, "llm", 0, 0, func(ctx context.Context) (int, error) {
		<-ctx.Done()
		return 0, ctx.Err()
	})
	if !errors.Is(err, ErrTimeout) {
		t.Errorf("expected the default budget to apply, got %v", err)
	}
}

func TestGuard_CallerCancel(t *testing.T) {
	g := newTestGuard(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	started := make(chan struct{})

	go func() {
		<-started
		cancel()
	}()

	_, err := Call(ctx, g, "search", 3, time.Second, func(ctx context.Context) (int, error) {
		close(started)
		<-ctx.Done()
		return 0, ctx.Err()
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	var terr *TimeoutError
	if errors.As(err, &terr) {
		t.Error("did not expect a timeout error for caller cancellation")
	}
	if g.Breaker("search").Failures() != 0 {
		t.Error("expected cancellation not to count against the breaker")
	}
}

func TestGuard_CallerCancelReleasesTrial(t *testing.T) {
	clock := newFakeClock()
	g := newTestGuard(t, func(c *GuardConfig) {
		c.Breaker.FailureThreshold = 1
		c.Breaker.Now = clock.Now
	})
	var calls atomic.Int32
	_, _ = Call(context.Background(), g, "planner", 0, time.Second, failing(&calls))
	clock.Advance(time.Minute)

	ctx, cancel := context.WithCancel(context.Background())
	started := make(chan struct{})
	go func() {
		<-started
		cancel()
	}()
	_, err := Call(ctx, g, "planner", 0, time.Second, func(ctx context.Context) (int, error) {
		close(started)
		<-ctx.Done()
		return 0, ctx.Err()
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}

	cb := g.Breaker("planner")
	if cb.State() != StateHalfOpen {
		t.Errorf("expected breaker still half-open, got %s", cb.State())
	}
	trial, err := cb.Allow()
	if err != nil || !trial {
		t.Errorf("expected the trial slot to be free, got %v %v", trial, err)
	}
}

func TestGuard_BulkheadFull(t *testing.T) {
	g := newTestGuard(t, func(c *GuardConfig) { c.MaxConcurrent = 1 })
	started := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error, 1)

	go func() {
		_, err := Call(context.Background(), g, "llm", 0, time.Second, func(context.Context) (int, error) {
			close(started)
			<-release
			return 1, nil
		})
		done <- err
	}()
	<-started

	var calls atomic.Int32
	_, err := Call(context.Background(), g, "llm", 3, time.Second, failing(&calls))
	if !errors.Is(err, ErrBulkheadFull) {
		t.Errorf("expected ErrBulkheadFull, got %v", err)
	}
	if calls.Load() != 0 {
		t.Error("expected the rejected operation not to run")
	}

	close(release)
	if err := <-done; err != nil {
		t.Errorf("expected the first call to succeed, got %v", err)
	}
	if g.Breaker("llm").Failures() != 0 {
		t.Error("expected rejection not to count against the breaker")
	}
}

func TestGuard_NonRetryableReturnedRaw(t *testing.T) {
	permanent := errors.New("invalid prompt")
	g := newTestGuard(t, func(c *GuardConfig) {
		c.Retry.RetryIf = func(err error) bool { return !errors.Is(err, permanent) }
	})
	var calls atomic.Int32

	_, err := Call(context.Background(), g, "llm", 3, time.Second, func(context.Context) (int, error) {
		calls.Add(1)
		return 0, permanent
	})
	if err != permanent {
		t.Errorf("expected the raw error, got %v", err)
	}
	if calls.Load() != 1 {
		t.Errorf("expected a single call, got %d", calls.Load())
	}
}

func TestGuard_PanicBecomesFailure(t *testing.T) {
	g := newTestGuard(t, nil)
	_, err := Call(context.Background(), g, "writer", 0, time.Second, func(context.Context) (int, error) {
		panic("boom")
	})
	if !errors.Is(err, ErrRetriesExhausted) {
		t.Fatalf("expected exhaustion after a panicking attempt, got %v", err)
	}
	if g.Breaker("writer").Failures() != 1 {
		t.Error("expected the panic to count as a failure")
	}
}

func TestGuard_Execute(t *testing.T) {
	g := newTestGuard(t, nil)
	ran := false
	err := g.Execute(context.Background(), "writer", 0, time.Second, func(context.Context) error {
		ran = true
		return nil
	})
	if err != nil || !ran {
		t.Errorf("expected Execute to run the operation, got %v", err)
	}
}

func TestGuard_StatusesAndReset(t *testing.T) {
	var changes atomic.Int32
	g := newTestGuard(t, func(c *GuardConfig) {
		c.Breaker.FailureThreshold = 1
		c.Breaker.OnStateChange = func(string, State, State) { changes.Add(1) }
	})
	var calls atomic.Int32
	_, _ = Call(context.Background(), g, "writer", 0, time.Second, failing(&calls))
	_, _ = Call(context.Background(), g, "planner", 0, time.Second, func(context.Context) (int, error) { return 1, nil })

	st := g.Statuses()
	if len(st) != 2 || st[0].Name != "planner" || st[1].Name != "writer" {
		t.Fatalf("expected statuses sorted by name, got %+v", st)
	}
	if st[1].State != "open" || st[1].ConsecutiveFailures != 1 {
		t.Errorf("unexpected writer status %+v", st[1])
	}
	if changes.Load() != 1 {
		t.Errorf("expected the user callback to see one transition, got %d", changes.Load())
	}

	g.Reset("writer")
	if s := g.BreakerStatus("writer"); s.State != "closed" {
		t.Errorf("expected closed after reset, got %s", s.State)
	}
}

func TestGuard_LookupDoesNotCreateBreakers(t *testing.T) {
	g := newTestGuard(t, nil)

	s := g.BreakerStatus("never-called")
	if s.Name != "never-called" || s.State != "closed" || s.ConsecutiveFailures != 0 {
		t.Errorf("expected a closed status, got %+v", s)
	}
	g.Reset("never-called")
	if st := g.Statuses(); len(st) != 0 {
		t.Errorf("expected lookups not to register breakers, got %+v", st)
	}
}

func TestGuard_Metrics(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	defer mp.Shutdown(context.Background())

	g := newTestGuard(t, func(c *GuardConfig) {
		c.Meter = mp.Meter("test")
		c.Breaker.FailureThreshold = 2
	})
	var calls atomic.Int32
	_, _ = Call(context.Background(), g, "search", 1, time.Second, failing(&calls))
	_, _ = Call(context.Background(), g, "search", 1, time.Second, failing(&calls))

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("collect: %v", err)
	}
	if got := sumCounter(rm, "guard.attempts", "", ""); got != 2 {
		t.Errorf("expected 2 attempts, got %d", got)
	}
	if got := sumCounter(rm, "guard.outcomes", observability.AttrOutcomeKey, OutcomeExhausted); got != 1 {
		t.Errorf("expected 1 exhausted outcome, got %d", got)
	}
	if got := sumCounter(rm, "guard.outcomes", observability.AttrOutcomeKey, OutcomeCircuitOpen); got != 1 {
		t.Errorf("expected 1 circuit_open outcome, got %d", got)
	}
	if got := sumCounter(rm, "guard.state_changes", "to", "open"); got != 1 {
		t.Errorf("expected 1 open transition, got %d", got)
	}
}

func TestGuard_Span(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	otel.SetTracerProvider(tp)
	defer otel.SetTracerProvider(tracenoop.NewTracerProvider())

	g := newTestGuard(t, nil)
	var calls atomic.Int32
	_, _ = Call(context.Background(), g, "writer", 1, time.Second, failing(&calls))

	spans := recorder.Ended()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}
	s := spans[0]
	if s.Name() != observability.SpanGuardCall {
		t.Errorf("unexpected span name %q", s.Name())
	}
	if s.Status().Code != codes.Error {
		t.Error("expected error status")
	}
	attrs := map[attribute.Key]attribute.Value{}
	for _, kv := range s.Attributes() {
		attrs[kv.Key] = kv.Value
	}
	if attrs[observability.AttrResource].AsString() != "writer" {
		t.Errorf("expected resource attribute, got %v", attrs)
	}
	if attrs[observability.AttrAttempts].AsInt64() != 2 {
		t.Errorf("expected 2 attempts, got %v", attrs[observability.AttrAttempts])
	}
	if attrs[observability.AttrOutcome].AsString() != OutcomeExhausted {
		t.Errorf("expected exhausted outcome, got %v", attrs[observability.AttrOutcome])
	}
}

func TestGuardErrors_ConvertToAppErrors(t *testing.T) {
	tests := []struct {
		err  error
		code apperrors.ErrorCode
	}{
		{&RetriesExhaustedError{Resource: "writer", Attempts: 4, Cause: errProvider}, apperrors.ErrCodeRetriesExhausted},
		{&TimeoutError{Resource: "search", Attempts: 1, Budget: time.Second}, apperrors.ErrCodeTimeout},
		{&CircuitOpenError{Resource: "planner"}, apperrors.ErrCodeCircuitOpen},
		{&RateLimitExceededError{ClientKey: "10.0.0.1", RetryAfter: time.Second}, apperrors.ErrCodeRateLimited},
	}
	for _, tc := range tests {
		if got := apperrors.From(tc.err); got.Code != tc.code {
			t.Errorf("%T: expected %s, got %s", tc.err, tc.code, got.Code)
		}
	}
}

// sumCounter adds up the data points of an int64 counter, optionally only
// those whose attribute key has value want.
func sumCounter(rm metricdata.ResourceMetrics, name, key, want string) int64 {
	var total int64
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != name {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			if !ok {
				continue
			}
			for _, dp := range sum.DataPoints {
				if key != "" {
					v, ok := dp.Attributes.Value(attribute.Key(key))
					if !ok || v.AsString() != want {
						continue
					}
				}
				total += dp.Value
			}
		}
	}
	return total
}
