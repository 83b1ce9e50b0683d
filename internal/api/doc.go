// Package api hosts the HTTP server, middleware, and handlers for operator and
// client access to merged job progress. Notable routes:
//   - GET /healthz / readyz for Kubernetes probes.
//   - GET /metrics for Prometheus scraping.
//   - GET, PUT and DELETE /v1/jobs/{job_id} to read, track and remove jobs.
//   - POST /v1/jobs/refresh for a targeted poll round.
//   - GET /v1/jobs/{job_id}/events and /v1/ws for live updates over SSE and
//     WebSocket.
package api
