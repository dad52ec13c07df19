// Package telemetry wires OpenTelemetry tracing and metrics.
//
// New builds OTLP exporters (gRPC by default, http/protobuf on request) and
// installs them as the global providers so that instrumented packages, such
// as the run engine's per-stage spans and the HTTP metrics middleware, pick
// them up. NewTestTelemetry swaps the exporters for in-memory ones.
package telemetry
