package resilience

import (
	"context"
	"fmt"

	"github.com/kbukum/pipeguard/component"
)

// NewLimiterComponent returns a lifecycle component that evicts idle
// clients from l every SweepInterval.
func NewLimiterComponent(l *RateLimiter) *component.Periodic {
	cfg := l.Config()
	return component.NewPeriodic(
		"ratelimit-sweeper",
		cfg.SweepInterval,
		func(context.Context) { l.Sweep() },
		component.Description{
			Name:    "Rate limiter",
			Type:    "ratelimit",
			Details: fmt.Sprintf("limit=%d window=%s sweep=%s", cfg.RequestsPerWindow, cfg.Window, cfg.SweepInterval),
		},
	)
}
