// Package api hosts the optional control-plane HTTP server, middleware,
// and REST handlers. Notable routes:
//   - GET /healthz / readyz for Kubernetes probes.
//   - GET /metrics for Prometheus scraping.
//   - GET/POST/PUT/DELETE /v1/sources/... for source registration and
//     config updates, plus per-source stats and on-demand refresh.
//   - GET/PUT/DELETE /v1/proxies/... for proxy list management.
package api
