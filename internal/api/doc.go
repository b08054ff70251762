// Package api hosts the HTTP server, middleware, and handlers. Notable routes:
//   - GET /shot and /shot/{filename} render or serve a cached screenshot.
//   - POST /v1/shots defers a request onto the job queue.
//   - GET /v1/shots/{id} reports a deferred job's status.
//   - GET /healthz / readyz for Kubernetes probes.
//   - GET /metrics for Prometheus scraping.
package api
