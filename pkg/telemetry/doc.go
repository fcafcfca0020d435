// Package telemetry provides observability for equiplace placements.
//
// It combines structured logging (zerolog), tracing (OpenTelemetry), metrics
// (Prometheus) and an in-process event publisher behind one Telemetry value.
//
// # Usage
//
// Initialize telemetry at startup and shut it down on exit:
//
//	cfg := telemetry.DefaultConfig()
//	cfg.ServiceVersion = version
//
//	tel, err := telemetry.NewTelemetry(cfg)
//	if err != nil {
//	    return err
//	}
//	defer tel.Shutdown(context.Background())
//
//	ctx = tel.WithContext(ctx)
//
// # Logging
//
// Loggers derive fields for the placement being worked on:
//
//	logger := telemetry.FromContext(ctx).
//	    ForPlacement(id).
//	    ForModule("24001", "A", "M01")
//	logger.Info().Str("stage", "copy-design").Msg("Copying design")
//
// # Tracing
//
// Tracing is off by default. With Exporter "otlp" spans go to a gRPC collector,
// with "stdout" they are printed to stderr. Each CLI command runs in a span
// started by StartOperation, and the placement pipeline nests its stage spans
// under it.
//
// # Metrics
//
// Metrics implements engine.Metrics. When ListenAddress is set,
// StartMetricsServer exposes them over HTTP until the context ends. Collected
// series include:
//
//   - placements_started_total, placements_completed_total
//   - placement_duration_seconds, stage_duration_seconds
//   - files_fetched_total, fetch_batch_failures_total
//   - property_write_failures_total, cleanup_residual_files_total
//   - errors_by_kind_total, errors_by_code_total
//
// # Events
//
// EventPublisher implements engine.EventPublisher. Subscribers receive events
// in publish order; with EnableAsync a single worker drains a buffered queue
// and Shutdown waits for it to empty. SubscribeSink forwards events to another
// publisher such as the history store.
package telemetry
