package handler

import (
	"context"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/amora-app/chatsync/internal/auth"
	"github.com/amora-app/chatsync/internal/model"
	"github.com/amora-app/chatsync/internal/service"
	"github.com/amora-app/chatsync/pkg/logger"
)

// LoginRequest is the body of POST /api/v1/session.
type LoginRequest struct {
	Token string `json:"token"`
}

// SessionResponse describes the logged in user and the hub connection.
type SessionResponse struct {
	auth.Identity
	LoggedIn bool                   `json:"loggedIn"`
	Status   model.ConnectionStatus `json:"status"`
}

// SessionHandler handles login and logout.
type SessionHandler struct {
	service *service.ChatService
	logger  *logger.Logger
}

// NewSessionHandler creates a new session handler.
func NewSessionHandler(svc *service.ChatService, log *logger.Logger) *SessionHandler {
	return &SessionHandler{
		service: svc,
		logger:  log,
	}
}

// Login handles POST /api/v1/session
func (h *SessionHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Token) == "" {
		writeError(w, http.StatusBadRequest, "token is required")
		return
	}

	// Login outlives a client that gives up waiting.
	ctx := context.WithoutCancel(r.Context())
	if _, err := h.service.Login(ctx, req.Token); err != nil {
		h.logger.Warn("login rejected", zap.Error(err))
		writeFailure(w, err)
		return
	}

	writeJSON(w, http.StatusOK, h.current())
}

// Get handles GET /api/v1/session
func (h *SessionHandler) Get(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.current())
}

// Logout handles DELETE /api/v1/session
func (h *SessionHandler) Logout(w http.ResponseWriter, r *http.Request) {
	h.service.Logout(context.WithoutCancel(r.Context()))
	w.WriteHeader(http.StatusNoContent)
}

// Connect handles POST /api/v1/session/connect
func (h *SessionHandler) Connect(w http.ResponseWriter, r *http.Request) {
	if err := h.service.Connect(r.Context()); err != nil {
		h.logger.Warn("hub connect failed", zap.Error(err))
		if errorStatus(err) == http.StatusInternalServerError {
			writeError(w, http.StatusBadGateway, err.Error())
			return
		}
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, h.current())
}

func (h *SessionHandler) current() SessionResponse {
	id := h.service.Identity()
	return SessionResponse{
		Identity: id,
		LoggedIn: id.LoggedIn(),
		Status:   h.service.Status(),
	}
}
