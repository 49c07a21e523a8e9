package handlers

import (
	"context"
	"net/http"
	"time"
)

// ReadinessChecker defines minimal readiness check for dependencies
type ReadinessChecker interface {
	Ready(ctx context.Context) error
}

// HealthHandler serves liveness and readiness probes
type HealthHandler struct {
	checker ReadinessChecker
	version string
	timeout time.Duration
}

func NewHealthHandler(checker ReadinessChecker, version string) *HealthHandler {
	return &HealthHandler{checker: checker, version: version, timeout: 2 * time.Second}
}

func (h *HealthHandler) Liveness(w http.ResponseWriter, r *http.Request) {
	writeJSONResponse(w, http.StatusOK, map[string]any{"status": "ok", "version": h.version, "ts": time.Now().UTC()})
}

// Readiness reports unready while the presence store cannot be reached
func (h *HealthHandler) Readiness(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()
	if h.checker != nil {
		if err := h.checker.Ready(ctx); err != nil {
			writeJSONResponse(w, http.StatusServiceUnavailable, map[string]any{"status": "unready", "error": err.Error()})
			return
		}
	}
	writeJSONResponse(w, http.StatusOK, map[string]any{"status": "ready", "version": h.version, "ts": time.Now().UTC()})
}
