// Package telemetry provides logging, tracing, metrics and events for sitekick.
//
// Logging is zerolog behind a small wrapper that carries the fields every
// reconciliation logs (host, site, application, pool, run_id). Metrics are
// Prometheus collectors on a private registry; a disabled or nil *Metrics
// turns every recorder into a no-op. Tracing uses OpenTelemetry with an
// OTLP, stdout or no-op exporter.
//
//	tel, err := telemetry.NewTelemetry(telemetry.DefaultConfig())
//	if err != nil {
//	    return err
//	}
//	defer tel.Shutdown(context.Background())
//
//	logger := tel.Logger.NewComponentLogger("engine")
//	logger.WithTarget("web01", "Default Web Site", "/shop").Info("uninstalling")
package telemetry
