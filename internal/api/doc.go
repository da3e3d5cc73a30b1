// Package api hosts the HTTP server, middleware, and REST handlers for operator
// access. Notable routes:
//   - GET /healthz and /readyz for Kubernetes health checks.
//   - GET /metrics for Prometheus scraping.
//   - POST /v1/runs queues an ingest run; GET /v1/runs/{run_id} reports it.
//   - GET /v1/coordination reports pipeline readiness without side effects;
//     POST /v1/coordination/evaluate also fires the ready triggers.
//   - POST /v1/aliases/swap moves aliases to their newest generation.
//   - GET /v1/reports/... lists source runs and item failures from the report
//     store.
package api
