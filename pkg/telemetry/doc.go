// Package telemetry provides the observability surface: structured logging
// built on zerolog, Prometheus metrics implementing the engine's Recorder
// hook, and optional OpenTelemetry tracing with OTLP or stdout export.
package telemetry
