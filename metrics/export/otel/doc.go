// Package otel publishes engine counters through an OpenTelemetry meter.
// One observable counter is registered per engine counter and one gauge
// per latency bucket; a single callback reads the engine snapshot on each
// collection. The caller owns the MeterProvider.
package otel
