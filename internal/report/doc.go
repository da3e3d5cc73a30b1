// Package report carries per-source and per-item ingestion events from the
// pipeline to pluggable sinks. Events are batched on a background goroutine so
// fetch workers never wait on logging or persistence.
package report
