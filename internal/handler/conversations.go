// Package handler provides the HTTP handlers of the local bridge.
package handler

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/amora-app/chatsync/internal/conversations"
	"github.com/amora-app/chatsync/internal/middleware"
	"github.com/amora-app/chatsync/internal/service"
	"github.com/amora-app/chatsync/pkg/logger"
)

// ConversationHandler handles conversation endpoints.
type ConversationHandler struct {
	cache   *conversations.Cache
	service *service.ChatService
	logger  *logger.Logger
}

// NewConversationHandler creates a new conversation handler.
func NewConversationHandler(cache *conversations.Cache, svc *service.ChatService, log *logger.Logger) *ConversationHandler {
	return &ConversationHandler{
		cache:   cache,
		service: svc,
		logger:  log,
	}
}

// List handles GET /api/v1/conversations
// Supports ?force=true to bypass the cache
func (h *ConversationHandler) List(w http.ResponseWriter, r *http.Request) {
	force, _ := strconv.ParseBool(r.URL.Query().Get("force"))

	items, err := h.cache.Load(r.Context(), force)
	if err != nil {
		writeFailure(w, err)
		return
	}

	writeJSON(w, http.StatusOK, items)
}

// Active handles GET /api/v1/conversations/active
func (h *ConversationHandler) Active(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.cache.Active())
}

// Pending handles GET /api/v1/conversations/pending
func (h *ConversationHandler) Pending(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.cache.Pending())
}

// MarkRead handles POST /api/v1/conversations/{id}/read
func (h *ConversationHandler) MarkRead(w http.ResponseWriter, r *http.Request) {
	conversationID, ok := pathID(w, r, "id", "conversation")
	if !ok {
		return
	}

	// The local count is already cleared; persisting it is best effort.
	if err := h.cache.MarkRead(r.Context(), conversationID); err != nil {
		h.logger.Warn("failed to persist read state",
			zap.String("conversation_id", conversationID),
			zap.Error(err),
		)
	}

	w.WriteHeader(http.StatusNoContent)
}

// Remove handles DELETE /api/v1/conversations/{id}
func (h *ConversationHandler) Remove(w http.ResponseWriter, r *http.Request) {
	conversationID, ok := pathID(w, r, "id", "conversation")
	if !ok {
		return
	}

	if !h.cache.Remove(conversationID) {
		writeError(w, http.StatusNotFound, "conversation not found")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// OpenSession handles POST /api/v1/conversations/{id}/session
func (h *ConversationHandler) OpenSession(w http.ResponseWriter, r *http.Request) {
	conversationID, ok := pathID(w, r, "id", "conversation")
	if !ok {
		return
	}

	sess, err := h.service.OpenSession(r.Context(), conversationID)
	if err != nil {
		h.logger.Error("failed to open conversation",
			zap.String("conversation_id", conversationID),
			zap.Error(err),
		)
		writeFailure(w, err)
		return
	}

	writeJSON(w, http.StatusOK, sess.Timeline())
}

// CloseSession handles DELETE /api/v1/conversations/{id}/session
func (h *ConversationHandler) CloseSession(w http.ResponseWriter, r *http.Request) {
	conversationID, ok := pathID(w, r, "id", "conversation")
	if !ok {
		return
	}

	if err := h.service.CloseSession(r.Context(), conversationID); err != nil {
		writeFailure(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// pathID reads and validates a path parameter.
func pathID(w http.ResponseWriter, r *http.Request, param, kind string) (string, bool) {
	id := chi.URLParam(r, param)
	if err := middleware.ValidateID(kind, id); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return "", false
	}
	return id, true
}
