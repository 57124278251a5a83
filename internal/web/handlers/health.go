package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/kozaktomas/face-auth/internal/service"
)

// Pinger is a dependency whose reachability is reported by the health check.
type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthHandler reports service health.
type HealthHandler struct {
	svc    *service.FaceAuth
	checks map[string]Pinger
	log    *slog.Logger
}

// NewHealthHandler creates a health handler. checks may be nil.
func NewHealthHandler(svc *service.FaceAuth, checks map[string]Pinger, log *slog.Logger) *HealthHandler {
	return &HealthHandler{svc: svc, checks: checks, log: log}
}

// HealthResponse is the health check body.
type HealthResponse struct {
	Status     string            `json:"status"`
	Identities int               `json:"identities"`
	Threshold  float64           `json:"threshold"`
	Checks     map[string]string `json:"checks,omitempty"`
}

// Health handles the health check endpoint.
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	resp := HealthResponse{Status: "ok", Threshold: h.svc.Policy().Threshold}
	status := http.StatusOK

	count, err := h.svc.Count(ctx)
	if err != nil {
		h.log.Warn("health check: directory unavailable", "err", err)
		resp.Status = "degraded"
		status = http.StatusServiceUnavailable
	}
	resp.Identities = count

	for name, check := range h.checks {
		if resp.Checks == nil {
			resp.Checks = make(map[string]string, len(h.checks))
		}
		if err := check.Ping(ctx); err != nil {
			h.log.Warn("health check failed", "check", name, "err", err)
			resp.Checks[name] = "unavailable"
			resp.Status = "degraded"
			status = http.StatusServiceUnavailable
			continue
		}
		resp.Checks[name] = "ok"
	}

	respondJSON(w, status, resp)
}
