// Package api hosts the HTTP server, middleware, and REST handlers for lunch
// menu readers. Notable routes:
//   - GET /healthz / readyz for Kubernetes probes.
//   - GET /metrics for Prometheus scraping.
//   - GET /v1/countries and /v1/sites/{country}/{city}/{site} for menus,
//     plus .../restaurants/{restaurant} for a single restaurant.
//   - GET /v1/passes/last and POST /v1/passes for scrape pass status and
//     manual triggers.
package api
