package component

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/kbukum/pipeguard/logger"
)

// Periodic runs a job every interval between Start and Stop. An interval of
// zero disables the loop; Start and Stop still succeed.
type Periodic struct {
	name     string
	interval time.Duration
	job      func(ctx context.Context)
	describe Description
	log      *logger.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	running bool
	lastRun time.Time
	runs    uint64
}

// NewPeriodic creates a periodic component.
func NewPeriodic(name string, interval time.Duration, job func(ctx context.Context), desc Description) *Periodic {
	return &Periodic{
		name:     name,
		interval: interval,
		job:      job,
		describe: desc,
		log:      logger.Get(name),
	}
}

// Name returns the component name.
func (p *Periodic) Name() string { return p.name }

// Start launches the loop. Starting a running component is an error.
func (p *Periodic) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running {
		return fmt.Errorf("component %s already started", p.name)
	}
	p.running = true
	if p.interval <= 0 {
		p.log.Debug("periodic job disabled", logger.Fields(logger.FieldComponent, p.name))
		return nil
	}

	// The loop outlives the Start call, so it must not inherit its deadline.
	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	p.cancel = cancel
	p.done = make(chan struct{})
	go p.loop(loopCtx, p.done)

	p.log.Debug("periodic job started", logger.Fields(
		logger.FieldComponent, p.name,
		"interval", p.interval.String(),
	))
	return nil
}

func (p *Periodic) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.RunOnce(ctx)
		}
	}
}

// RunOnce runs the job synchronously.
func (p *Periodic) RunOnce(ctx context.Context) {
	p.job(ctx)
	p.mu.Lock()
	p.lastRun = time.Now()
	p.runs++
	p.mu.Unlock()
}

// Stop cancels the loop and waits for an in-progress run to finish, or for
// ctx to expire.
func (p *Periodic) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	p.running = false
	cancel, done := p.cancel, p.done
	p.cancel, p.done = nil, nil
	p.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("stopping %s: %w", p.name, ctx.Err())
	}
}

// Health reports healthy while running.
func (p *Periodic) Health(_ context.Context) Health {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.running {
		return Health{Name: p.name, Status: StatusUnhealthy, Message: "not running"}
	}
	msg := fmt.Sprintf("runs=%d", p.runs)
	if !p.lastRun.IsZero() {
		msg += " last=" + p.lastRun.Format(time.RFC3339)
	}
	return Health{Name: p.name, Status: StatusHealthy, Message: msg}
}

// Describe returns the description given at construction.
func (p *Periodic) Describe() Description {
	d := p.describe
	if d.Name == "" {
		d.Name = p.name
	}
	return d
}
