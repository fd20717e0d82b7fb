// Package telemetry configures OpenTelemetry tracing for the session pipeline.
package telemetry
