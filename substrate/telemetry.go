package substrate

import (
	"context"
	"fmt"
	"sync"

	"github.com/kbukum/pipeguard/component"
	"github.com/kbukum/pipeguard/observability"
)

// telemetry installs the OTLP meter and tracer providers on Start and
// flushes them on Stop. Registered first, it starts before and stops after
// every component that records through them.
type telemetry struct {
	cfg observability.Config

	mu       sync.Mutex
	shutdown func(context.Context) error
}

var (
	_ component.Component   = (*telemetry)(nil)
	_ component.Describable = (*telemetry)(nil)
)

func (t *telemetry) Name() string { return "telemetry" }

func (t *telemetry) Start(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	shutdown, err := observability.Setup(ctx, &t.cfg)
	if err != nil {
		return err
	}
	t.shutdown = shutdown
	return nil
}

func (t *telemetry) Stop(ctx context.Context) error {
	t.mu.Lock()
	shutdown := t.shutdown
	t.shutdown = nil
	t.mu.Unlock()

	if shutdown == nil {
		return nil
	}
	return shutdown(ctx)
}

func (t *telemetry) Health(context.Context) component.Health {
	msg := "exporting disabled"
	if t.cfg.Enabled {
		msg = "exporting to " + t.cfg.Endpoint
	}
	return component.Health{Name: t.Name(), Status: component.StatusHealthy, Message: msg}
}

func (t *telemetry) Describe() component.Description {
	return component.Description{
		Name:    "Telemetry",
		Type:    "observability",
		Details: fmt.Sprintf("enabled=%t endpoint=%s sample=%.2f", t.cfg.Enabled, t.cfg.Endpoint, t.cfg.SampleRate),
	}
}
