// Package api hosts the HTTP server, middleware, and REST handlers for operator
// access. Notable routes:
//   - GET /healthz / readyz for Kubernetes health checks.
//   - GET /metrics for Prometheus scraping.
//   - POST /v1/jobs and POST /v1/jobs/{job_id}/cancel for job submission and
//     cancellation; GET /v1/jobs/{job_id} for status and progress.
//   - GET /v1/jobs/{job_id}/partitions for per-partition progress via the
//     ProgressRepository interface.
//   - GET /v1/partitions/plan and /v1/ratelimit for operator insight.
package api
