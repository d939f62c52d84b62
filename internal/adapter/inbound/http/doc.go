// Package http is the inbound HTTP adapter for filtergate.
//
// HTTPTransport serves a single listener with these routes:
//
//	GET /health            - component health (JSON, 503 when degraded)
//	GET /metrics           - Prometheus metrics
//	GET /admin/api/audit   - recent access events, filtered by query parameters
//	/                      - everything else goes through the gateway pipeline
//
// # Middleware Chain
//
// Gateway requests pass through middleware in this order:
//
//  1. MetricsMiddleware - records duration and status (outermost)
//  2. RequestIDMiddleware - extracts or generates X-Request-ID and enriches the logger
//  3. RealIPMiddleware - resolves the client address from proxy headers
//  4. DNSRebindingProtection - validates the Origin header
//  5. GatewayHandler - converts to an exchange.Request and runs the pipeline
//
// GatewayHandler builds the context chain root, transactionId, client and
// requestAudit before dispatching, waits for the response promise and
// writes the result. A panic that escapes the pipeline becomes a 500.
package http
