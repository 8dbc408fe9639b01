// Package telemetry wires OpenTelemetry into the engine.
//
// SetupProvider installs a process-wide tracer provider exporting over
// OTLP/gRPC. Instrumentation turns run lifecycle callbacks into spans (one
// per run, one per step execution) and step metrics recorded through the
// global meter provider.
package telemetry
