// Package api hosts the HTTP server, middleware, and REST handlers for operator
// access. Notable routes:
//   - GET /healthz / readyz for Kubernetes probes.
//   - GET /metrics for Prometheus scraping.
//   - POST/GET /v1/runs, GET /v1/runs/{run_id} and POST /v1/runs/{run_id}/resume
//     for runs and their reports.
//   - POST /v1/discovery to search for new agenda sources.
//   - GET /v1/jobs and POST /v1/jobs/{job_id}/retry for the job queue.
//   - GET /v1/sources, POST /v1/sources/{source_id}/reset and DELETE /v1/events
//     for administration.
package api
