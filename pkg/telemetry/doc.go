// Package telemetry provides observability instrumentation for the rebuild
// orchestrator: structured logging (zerolog), optional per-stage tracing
// (OpenTelemetry with a stdout exporter), and run metrics written in
// Prometheus text format for the node_exporter textfile collector.
//
// The orchestrator is a one-shot command, so there is no metrics endpoint
// and no trace collector endpoint; metrics land in a .prom file after each
// run and traces go to stderr when enabled.
package telemetry
