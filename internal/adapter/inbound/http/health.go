package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"runtime"
	"time"

	"github.com/sessionwarden/sessionwarden/internal/domain/session"
	"github.com/sessionwarden/sessionwarden/internal/port/outbound"
)

// HealthResponse is the JSON response from the /health endpoint.
type HealthResponse struct {
	Status  string            `json:"status"` // "healthy" or "unhealthy"
	Checks  map[string]string `json:"checks"`
	Version string            `json:"version,omitempty"`
}

// HealthChecker verifies component health.
type HealthChecker struct {
	store   outbound.SessionStore
	version string
}

// NewHealthChecker creates a HealthChecker. Pass a nil store when persistence
// isn't configured.
func NewHealthChecker(store outbound.SessionStore, version string) *HealthChecker {
	return &HealthChecker{store: store, version: version}
}

// Check performs health checks on all components.
func (h *HealthChecker) Check(ctx context.Context) HealthResponse {
	checks := make(map[string]string)
	healthy := true

	if h.store != nil {
		// A Load round trip proves the store file is reachable. An empty
		// store is healthy.
		loadCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		_, err := h.store.Load(loadCtx)
		cancel()
		if err != nil && !errors.Is(err, session.ErrNoSession) {
			checks["session_store"] = "degraded: " + err.Error()
			healthy = false
		} else {
			checks["session_store"] = "ok"
		}
	} else {
		checks["session_store"] = "not configured"
	}

	// Go runtime info
	checks["goroutines"] = fmt.Sprintf("%d", runtime.NumGoroutine())

	status := "healthy"
	if !healthy {
		status = "unhealthy"
	}

	return HealthResponse{
		Status:  status,
		Checks:  checks,
		Version: h.version,
	}
}

// Handler returns an HTTP handler for the health endpoint.
func (h *HealthChecker) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		health := h.Check(r.Context())

		w.Header().Set("Content-Type", "application/json")
		if health.Status != "healthy" {
			w.WriteHeader(http.StatusServiceUnavailable) // 503
		} else {
			w.WriteHeader(http.StatusOK) // 200
		}

		_ = json.NewEncoder(w).Encode(health)
	})
}

// healthHandler returns a minimal 200 OK handler used when no checker is
// configured.
func healthHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
}
