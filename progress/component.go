package progress

import (
	"context"
	"fmt"

	"github.com/kbukum/pipeguard/component"
)

// Component runs the broker's reaper as a lifecycle-managed component.
// Stopping it ends every open subscription.
type Component struct {
	broker *Broker
	reaper *component.Periodic
}

var (
	_ component.Component   = (*Component)(nil)
	_ component.Describable = (*Component)(nil)
)

// NewComponent wraps b.
func NewComponent(b *Broker) *Component {
	cfg := b.Config()
	return &Component{
		broker: b,
		reaper: component.NewPeriodic(
			"progress-reaper",
			cfg.ReapInterval,
			func(context.Context) { b.Reap() },
			component.Description{},
		),
	}
}

// Broker returns the underlying broker.
func (c *Component) Broker() *Broker { return c.broker }

// Name returns the component name.
func (c *Component) Name() string { return "progress" }

// Start launches the reaper.
func (c *Component) Start(ctx context.Context) error {
	return c.reaper.Start(ctx)
}

// Stop halts the reaper and closes all subscriptions.
func (c *Component) Stop(ctx context.Context) error {
	err := c.reaper.Stop(ctx)
	c.broker.Close()
	return err
}

// Health reports the reaper's health along with broker counts.
func (c *Component) Health(ctx context.Context) component.Health {
	h := c.reaper.Health(ctx)
	st := c.broker.Stats()
	h.Name = c.Name()
	h.Message = fmt.Sprintf("%d tasks, %d subscribers; %s", st.Tasks, st.Subscribers, h.Message)
	return h
}

// Describe returns summary info for the startup display.
func (c *Component) Describe() component.Description {
	cfg := c.broker.Config()
	return component.Description{
		Name:    "Progress broker",
		Type:    "progress",
		Details: fmt.Sprintf("buffer=%d keepalive=%s idle=%s retention=%s", cfg.SubscriberBuffer, cfg.KeepaliveInterval, cfg.IdleTimeout, cfg.Retention),
	}
}
