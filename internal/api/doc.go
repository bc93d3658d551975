// Package api hosts the HTTP server, middleware, and REST handlers for the
// ingestion service. Notable routes:
//   - GET /healthz and /readyz for Kubernetes liveness and readiness checks.
//   - GET /metrics for Prometheus scraping.
//   - POST /v1/tasks to queue a fetch, GET /v1/tasks/{id} for its status.
//   - POST /v1/tasks/{id}/cancel to cancel an in-flight task.
//   - POST /v1/tasks/execute for a blocking fetch on the highest tier.
package api
