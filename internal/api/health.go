package api

import (
	"net/http"
	"strings"

	"mentorlive/internal/broadcast"
	"mentorlive/internal/observability/metrics"
)

// Health reports readiness of storage and the broadcast backend. A degraded
// dependency drops the response to 503 so load balancers stop routing here.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	checks := []broadcast.HealthStatus{}
	if err := h.Repo.Ping(r.Context()); err != nil {
		checks = append(checks, broadcast.HealthStatus{Component: "storage", Status: "error", Detail: err.Error()})
	} else {
		checks = append(checks, broadcast.HealthStatus{Component: "storage", Status: "ok"})
	}
	if h.Gateway != nil {
		checks = append(checks, h.Gateway.HealthChecks(r.Context())...)
	}

	status := "ok"
	for _, check := range checks {
		switch strings.ToLower(check.Status) {
		case "ok", "disabled":
			continue
		default:
			status = "degraded"
		}
	}
	for _, check := range checks {
		metrics.SetGatewayHealth(check.Component, check.Status)
	}

	payload := map[string]interface{}{
		"status":   status,
		"services": checks,
	}
	code := http.StatusOK
	if status != "ok" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, payload)
}
