// Package http provides the loopback HTTP transport for sessionwarden.
//
// This package exposes the session lifecycle to presentation collaborators
// (local UIs, browser shells, sibling tooling) over a localhost HTTP API.
//
// # Usage
//
// Create and start a transport:
//
//	transport := http.NewTransport(api,
//	    http.WithAddr("127.0.0.1:7465"),
//	    http.WithAllowedOrigins([]string{"http://localhost:3000"}),
//	    http.WithLogger(logger),
//	)
//	err := transport.Start(ctx)
//
// # Endpoints
//
//	POST /v1/session/login   - exchange credentials for a session or MFA challenge
//	POST /v1/session/mfa     - complete a pending MFA challenge
//	POST /v1/session/logout  - user-initiated logout
//	GET  /v1/session         - observable session snapshot
//	POST /v1/activity        - report a qualifying interaction event
//	POST /v1/resume          - visibility-change hook, re-derives remaining time
//	GET  /v1/warning         - warning prompt state
//	POST /v1/warning/extend  - "stay logged in" from the warning prompt
//	POST /v1/warning/logout  - "log out now" from the warning prompt
//	GET  /v1/guards/{name}   - evaluate a named route guard
//	GET  /health             - component health
//	GET  /metrics            - Prometheus metrics
//
// # Security Features
//
//   - Loopback-only default listen address
//   - TLS 1.2 minimum when HTTPS is enabled via WithTLS
//   - Origin allowlisting via WithAllowedOrigins, since browser pages can
//     reach loopback ports
//   - Optional shared bearer token via WithAuthToken
//
// # Middleware Chain
//
// API requests pass through middleware in this order:
//
//  1. Metrics.Instrument - records duration and outcome
//  2. RequestIDMiddleware - request ID extraction and logger enrichment
//  3. OriginProtection - validates the Origin header
//  4. AuthTokenMiddleware - shared-secret check
//  5. API handlers
package http
