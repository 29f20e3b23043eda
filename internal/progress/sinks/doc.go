// Package sinks implements progress consumers: structured logs, Prometheus
// collectors, and a publisher that announces settled batches.
package sinks
