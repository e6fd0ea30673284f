package resilience

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/kbukum/pipeguard/logger"
)

func newTestLimiter(t *testing.T, limit int, window time.Duration, clock *fakeClock) *RateLimiter {
	t.Helper()
	l, err := NewRateLimiter(RateLimiterConfig{
		RequestsPerWindow: limit,
		Window:            window,
		Logger:            logger.Nop(),
		Now:               clock.Now,
	})
	if err != nil {
		t.Fatalf("NewRateLimiter: %v", err)
	}
	return l
}

func TestRateLimiterConfig_Defaults(t *testing.T) {
	cfg := DefaultRateLimiterConfig()
	if cfg.RequestsPerWindow != 10 || cfg.Window != time.Minute || cfg.SweepInterval != time.Minute {
		t.Errorf("unexpected defaults %+v", cfg)
	}
	if _, err := NewRateLimiter(RateLimiterConfig{RequestsPerWindow: -1}); err == nil {
		t.Error("expected negative limit to be rejected")
	}
	if _, err := NewRateLimiter(RateLimiterConfig{Window: -time.Second}); err == nil {
		t.Error("expected negative window to be rejected")
	}
}

func TestRateLimiter_AdmitsUpToLimit(t *testing.T) {
	l := newTestLimiter(t, 3, time.Minute, newFakeClock())

	for i := 0; i < 3; i++ {
		d := l.Check("10.0.0.1")
		if !d.Allowed {
			t.Fatalf("request %d should be admitted", i+1)
		}
		if d.Remaining != 2-i || d.Limit != 3 {
			t.Errorf("request %d: expected remaining %d, got %d", i+1, 2-i, d.Remaining)
		}
	}
	if d := l.Check("10.0.0.1"); d.Allowed {
		t.Error("4th request should be denied")
	}
}

func TestRateLimiter_RetryAfterIsExact(t *testing.T) {
	clock := newFakeClock()
	l := newTestLimiter(t, 3, time.Minute, clock)

	l.Check("c")
	clock.Advance(10 * time.Second)
	l.Check("c")
	clock.Advance(10 * time.Second)
	l.Check("c")
	clock.Advance(10 * time.Second)

	d := l.Check("c")
	if d.Allowed {
		t.Fatal("expected denial")
	}
	if d.RetryAfter != 30*time.Second {
		t.Errorf("expected retry after 30s, got %s", d.RetryAfter)
	}
	if d.ResetAfter != 50*time.Second {
		t.Errorf("expected reset after 50s, got %s", d.ResetAfter)
	}

	clock.Advance(d.RetryAfter)
	if d := l.Check("c"); !d.Allowed {
		t.Errorf("expected admission once the oldest request aged out, got %+v", d)
	}
}

func TestRateLimiter_DeniedRequestsNotRecorded(t *testing.T) {
	clock := newFakeClock()
	l := newTestLimiter(t, 2, time.Minute, clock)

	l.Check("c")
	l.Check("c")
	for i := 0; i < 5; i++ {
		clock.Advance(10 * time.Second)
		if l.Check("c").Allowed {
			t.Fatalf("expected denial at +%ds", (i+1)*10)
		}
	}

	clock.Advance(10 * time.Second)
	if !l.Check("c").Allowed {
		t.Error("expected admission after the window, denials must not extend it")
	}
}

func TestRateLimiter_ClientsAreIndependent(t *testing.T) {
	l := newTestLimiter(t, 1, time.Minute, newFakeClock())
	if !l.Check("a").Allowed || !l.Check("b").Allowed {
		t.Fatal("expected both clients admitted")
	}
	if l.Check("a").Allowed {
		t.Error("expected client a denied")
	}
}

func TestRateLimiter_Allow(t *testing.T) {
	l := newTestLimiter(t, 1, time.Minute, newFakeClock())
	if err := l.Allow("c"); err != nil {
		t.Fatalf("expected admission, got %v", err)
	}
	err := l.Allow("c")
	var rle *RateLimitExceededError
	if !errors.As(err, &rle) {
		t.Fatalf("expected *RateLimitExceededError, got %v", err)
	}
	if rle.ClientKey != "c" || rle.RetryAfter != time.Minute {
		t.Errorf("unexpected error %+v", rle)
	}
	if !errors.Is(err, ErrRateLimited) {
		t.Error("expected errors.Is(err, ErrRateLimited)")
	}
}

func TestRateLimiter_Remaining(t *testing.T) {
	clock := newFakeClock()
	l := newTestLimiter(t, 3, time.Minute, clock)

	if got := l.Remaining("c"); got != 3 {
		t.Errorf("expected 3 for an unknown client, got %d", got)
	}
	l.Check("c")
	l.Check("c")
	if got := l.Remaining("c"); got != 1 {
		t.Errorf("expected 1, got %d", got)
	}
	clock.Advance(time.Minute)
	if got := l.Remaining("c"); got != 3 {
		t.Errorf("expected 3 after the window, got %d", got)
	}
}

func TestRateLimiter_ResetClient(t *testing.T) {
	l := newTestLimiter(t, 1, time.Minute, newFakeClock())
	l.Check("c")
	l.ResetClient("c")
	if !l.Check("c").Allowed {
		t.Error("expected admission after reset")
	}
	l.ResetClient("unknown")
}

func TestRateLimiter_Sweep(t *testing.T) {
	clock := newFakeClock()
	l := newTestLimiter(t, 5, time.Minute, clock)

	l.Check("idle")
	clock.Advance(30 * time.Second)
	l.Check("active")
	clock.Advance(31 * time.Second)

	if n := l.Sweep(); n != 1 {
		t.Errorf("expected 1 idle client evicted, got %d", n)
	}
	if s := l.Stats(); s.ActiveClients != 1 {
		t.Errorf("expected 1 active client, got %d", s.ActiveClients)
	}
	if got := l.Remaining("active"); got != 4 {
		t.Errorf("expected the active client's window to survive, got %d remaining", got)
	}
}

func TestRateLimiter_Stats(t *testing.T) {
	clock := newFakeClock()
	l := newTestLimiter(t, 2, time.Minute, clock)

	l.Check("a")
	l.Check("a")
	l.Check("a")
	l.Check("b")

	s := l.Stats()
	if s.ActiveClients != 2 || s.AdmittedLastWindow != 3 || s.DeniedLastWindow != 1 {
		t.Errorf("unexpected stats %+v", s)
	}
	if s.AdmittedTotal != 3 || s.DeniedTotal != 1 || s.Limit != 2 || s.Window != time.Minute {
		t.Errorf("unexpected totals %+v", s)
	}

	clock.Advance(2 * time.Minute)
	s = l.Stats()
	if s.ActiveClients != 0 || s.AdmittedLastWindow != 0 || s.DeniedLastWindow != 0 {
		t.Errorf("expected an empty window, got %+v", s)
	}
	if s.AdmittedTotal != 3 || s.DeniedTotal != 1 {
		t.Errorf("expected lifetime totals to persist, got %+v", s)
	}
}

func TestRateLimiter_ConcurrentNoOverAdmission(t *testing.T) {
	l, err := NewRateLimiter(RateLimiterConfig{RequestsPerWindow: 10, Window: time.Hour, Logger: logger.Nop()})
	if err != nil {
		t.Fatal(err)
	}

	var admitted atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if l.Check("shared").Allowed {
				admitted.Add(1)
			}
		}()
	}
	wg.Wait()

	if admitted.Load() != 10 {
		t.Errorf("expected exactly 10 admitted, got %d", admitted.Load())
	}
}

func TestRateLimiter_ConcurrentWithSweep(t *testing.T) {
	l, err := NewRateLimiter(RateLimiterConfig{RequestsPerWindow: 5, Window: time.Hour, Logger: logger.Nop()})
	if err != nil {
		t.Fatal(err)
	}

	var admitted atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			if l.Check(fmt.Sprintf("client-%d", i%5)).Allowed {
				admitted.Add(1)
			}
		}(i)
		go func() {
			defer wg.Done()
			l.Sweep()
		}()
	}
	wg.Wait()

	if admitted.Load() != 25 {
		t.Errorf("expected 25 admitted across 5 clients, got %d", admitted.Load())
	}
}

func TestRateLimiter_Metrics(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	defer mp.Shutdown(context.Background())

	l, err := NewRateLimiter(RateLimiterConfig{
		RequestsPerWindow: 1,
		Logger:            logger.Nop(),
		Meter:             mp.Meter("test"),
	})
	if err != nil {
		t.Fatal(err)
	}
	l.Check("c")
	l.Check("c")
	l.Check("c")

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("collect: %v", err)
	}
	if got := sumCounter(rm, "ratelimit.admitted", "", ""); got != 1 {
		t.Errorf("expected 1 admitted, got %d", got)
	}
	if got := sumCounter(rm, "ratelimit.denied", "", ""); got != 2 {
		t.Errorf("expected 2 denied, got %d", got)
	}
}

func TestLimiterComponent(t *testing.T) {
	clock := newFakeClock()
	l := newTestLimiter(t, 5, time.Minute, clock)
	l.Check("c")
	clock.Advance(2 * time.Minute)

	c := NewLimiterComponent(l)
	if c.Name() != "ratelimit-sweeper" {
		t.Errorf("unexpected name %q", c.Name())
	}
	c.RunOnce(context.Background())
	if s := l.Stats(); s.ActiveClients != 0 {
		t.Errorf("expected the sweep to evict the idle client, got %+v", s)
	}
	if c.Describe().Type != "ratelimit" {
		t.Errorf("unexpected description %+v", c.Describe())
	}
}
