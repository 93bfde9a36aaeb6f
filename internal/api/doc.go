// Package api hosts the HTTP server, middleware, and REST handlers for
// operator access. Notable routes:
//   - GET /healthz and /readyz for Kubernetes probes.
//   - GET /metrics for Prometheus scraping.
//   - POST /v1/fetch for job submission.
//   - GET /v1/jobs and /v1/jobs/{id} for status and results.
//   - GET /v1/cookies for inspecting cached clearance sessions.
package api
