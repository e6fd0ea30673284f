package cache

import (
	"context"
	"fmt"

	"github.com/kbukum/pipeguard/component"
)

// NewComponent returns a lifecycle component that sweeps expired entries
// from c every SweepInterval.
func NewComponent[V any](c *Cache[V]) *component.Periodic {
	cfg := c.Config()
	return component.NewPeriodic(
		"cache-sweeper:"+cfg.Name,
		cfg.SweepInterval,
		func(context.Context) { c.Sweep() },
		component.Description{
			Name:    "Cache " + cfg.Name,
			Type:    "cache",
			Details: fmt.Sprintf("max=%d ttl=%s sweep=%s", cfg.MaxSize, cfg.DefaultTTL, cfg.SweepInterval),
		},
	)
}
