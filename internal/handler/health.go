package handler

import (
	"net/http"

	"github.com/amora-app/chatsync/internal/auth"
	"github.com/amora-app/chatsync/internal/model"
)

// Readiness reports whether the agent can serve the UI.
type Readiness interface {
	Ready() bool
	Identity() auth.Identity
	Status() model.ConnectionStatus
}

// HealthHandler handles health check endpoints.
type HealthHandler struct {
	readiness Readiness
}

// NewHealthHandler creates a new health handler.
func NewHealthHandler(readiness Readiness) *HealthHandler {
	return &HealthHandler{
		readiness: readiness,
	}
}

// Health handles GET /health
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "healthy",
	})
}

// Ready handles GET /ready
func (h *HealthHandler) Ready(w http.ResponseWriter, r *http.Request) {
	if !h.readiness.Ready() {
		reason := "hub " + string(h.readiness.Status())
		if !h.readiness.Identity().LoggedIn() {
			reason = "not logged in"
		}
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "not ready",
			"reason": reason,
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"status": "ready",
	})
}
