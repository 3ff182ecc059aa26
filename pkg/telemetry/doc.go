// Package telemetry provides observability for realize runs.
//
// It combines structured logging (zerolog), tracing (OpenTelemetry),
// metrics (Prometheus) and a run event stream. Metrics and events are fed by
// engine observers:
//
//	tel, err := telemetry.NewTelemetry(telemetry.DefaultConfig(), nil)
//	if err != nil {
//	    return err
//	}
//	defer tel.Shutdown(context.Background())
//
//	eng := engine.New(opts, tel.EngineOptions()...)
//
// # Logging
//
//	logger := tel.Logger.NewComponentLogger("config")
//	logger.WithField("file", path).Info("Loaded declarations")
//
// Log levels: trace, debug, info, warn, error, fatal. Console output is the
// default; set Logging.Format to "json" for machine consumption.
//
// # Tracing
//
// The engine creates a "realize.run" span per run and a "realize.resource"
// span per resource through the global provider that NewTracer installs.
// Exporters: otlp (gRPC), stdout and none.
//
// # Metrics
//
// A private registry holds run and resource counters and histograms:
//
//	realize_runs_total{status}
//	realize_run_duration_seconds{status}
//	realize_resource_outcomes_total{resource_kind,outcome}
//	realize_resource_duration_seconds{resource_kind,outcome}
//	realize_changes_total{operation,dry_run}
//	realize_errors_total{class,code}
//	realize_last_run_resources{outcome}
//	realize_last_run_timestamp_seconds
//
// Long-running processes serve them over HTTP; one-shot runs write them to
// a textfile for the node_exporter textfile collector.
//
// # Events
//
// The event publisher turns state transitions and outcomes into
// engine.Event values, e.g. for a JSON lines stream:
//
//	tel.Events.Subscribe(telemetry.JSONLines(os.Stderr), telemetry.FilterByLevel("warning"))
package telemetry
