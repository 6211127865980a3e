// Package telemetry provides the logging, tracing and metrics used by deployd.
//
// Logging is zerolog. Packages receive a zerolog.Logger at construction;
// the Logger wrapper here only builds it from configuration and attaches
// request fields.
//
// Tracing is OpenTelemetry. A disabled tracer is a no-op, so callers never
// check whether tracing is on:
//
//	ctx, span := tracer.StartRequestSpan(ctx, req.ID, req.Environment)
//	defer span.End()
//
// Metrics are Prometheus collectors on a private registry. Every recorder is
// safe to call on a nil *Metrics. Serve exposes the registry over HTTP until
// its context is cancelled:
//
//	tel, err := telemetry.NewTelemetry(cfg)
//	if err != nil {
//	    return err
//	}
//	defer tel.Shutdown(context.Background())
//	go tel.Metrics.Serve(ctx)
package telemetry
