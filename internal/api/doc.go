// Package api hosts the HTTP server, middleware, and REST handlers for job
// submission and inspection. Notable routes:
//   - POST /api/jobs (alias /api/jobs/create) submits a crawl.
//   - GET /api/jobs/history pages through past jobs.
//   - GET /api/jobs/{id}, /details and /tree inspect one job.
//   - POST /api/jobs/{id}/cancel stops a Pending or Running job.
//   - GET /healthz, /readyz and /metrics for probes and Prometheus scraping.
package api
