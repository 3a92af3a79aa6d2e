// Package api hosts the HTTP server, middleware, and REST handlers for query
// management. Notable routes:
//   - GET /healthz for liveness probes.
//   - GET /metrics for Prometheus scraping.
//   - POST, GET /v1/queries to register and list search queries.
//   - DELETE /v1/subscribers/{subscriber}/queries to unsubscribe.
//   - POST /v1/cycles to run a crawl cycle on demand.
package api
