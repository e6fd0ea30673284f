// Package observability wires OpenTelemetry metrics and tracing for
// pipeguard components.
//
// Components take a metric.Meter in their config and fall back to the
// global meter, which stays a no-op until InitMeter (or Setup) installs an
// OTLP-exporting provider:
//
//	shutdown, err := observability.Setup(ctx, &cfg.Observability)
//	defer shutdown(ctx)
//
//	ctx, span := observability.StartSpan(ctx, observability.SpanGuardCall)
//	defer span.End()
package observability
