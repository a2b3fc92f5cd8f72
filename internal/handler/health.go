package handler

import (
	"net/http"
)

// Version is the service version reported by the health endpoint.
const Version = "0.1.0"

// HealthResponse is the health endpoint's payload. Capacity is the session
// limit, zero meaning unlimited.
type HealthResponse struct {
	Status         string `json:"status"`
	ActiveSessions int    `json:"active_sessions"`
	Capacity       int    `json:"capacity"`
	Version        string `json:"version"`
}

// HealthHandler reports whether the service can accept new sessions, not
// whether any particular session is healthy.
type HealthHandler struct {
	registry SessionDirectory
}

// NewHealthHandler creates a new HealthHandler.
func NewHealthHandler(registry SessionDirectory) *HealthHandler {
	return &HealthHandler{registry: registry}
}

// HandleHealth returns 200 while new sessions can be created, 503 once the
// registry is at capacity.
func (h *HealthHandler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{
		Status:         "ok",
		ActiveSessions: h.registry.Count(),
		Capacity:       h.registry.Capacity(),
		Version:        Version,
	}
	status := http.StatusOK
	if h.registry.AtCapacity() {
		resp.Status = "at_capacity"
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}
