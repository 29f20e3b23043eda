// Package api hosts the HTTP server, middleware, and REST handlers. Notable
// routes:
//   - POST /fetch submits a batch of seed URLs and returns its id.
//   - GET /fetch/{id} reports batch status with a window of crawled pages.
//   - GET /healthz / readyz for Kubernetes probes.
//   - GET /metrics for Prometheus scraping.
package api
