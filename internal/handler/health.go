package handler

import (
	"net/http"

	"github.com/converseml/dialogue-engine/internal/broker"
)

// HealthHandler handles health check endpoints.
type HealthHandler struct {
	broker broker.EventBroker // nil when no durability broker is configured
}

// NewHealthHandler creates a new health handler.
func NewHealthHandler(b broker.EventBroker) *HealthHandler {
	return &HealthHandler{broker: b}
}

// Health handles GET /health
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "healthy",
	})
}

// Ready handles GET /ready
func (h *HealthHandler) Ready(w http.ResponseWriter, r *http.Request) {
	if h.broker != nil && !h.broker.IsReady(r.Context()) {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "not ready",
			"reason": "event broker not ready",
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"status": "ready",
	})
}
