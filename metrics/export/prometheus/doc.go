// Package prometheus renders engine counters and the validation latency
// histogram in the Prometheus text exposition format. Series are named
// authcore_*_total and authcore_validate_latency_seconds. Nothing is
// registered globally; mount [Exporter.Handler] where it is needed.
package prometheus
