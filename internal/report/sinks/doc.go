// Package sinks contains report.Sink implementations: structured logs,
// Prometheus counters and a durable repository.
package sinks
