package handler

import (
	"context"
	"net/http"

	"go.uber.org/zap"

	"github.com/amora-app/chatsync/internal/middleware"
	"github.com/amora-app/chatsync/internal/model"
	"github.com/amora-app/chatsync/internal/service"
	"github.com/amora-app/chatsync/internal/session"
	"github.com/amora-app/chatsync/pkg/logger"
)

// SendMessageRequest is the body of POST /api/v1/conversations/{id}/messages.
type SendMessageRequest struct {
	Content string `json:"content"`
}

// SendMessageResponse carries the optimistic entry. Error is set when the
// hub refused the message; the entry then stays in the timeline as failed.
type SendMessageResponse struct {
	Message model.Message `json:"message"`
	Error   string        `json:"error,omitempty"`
}

// LoadOlderResponse reports the result of a backward page.
type LoadOlderResponse struct {
	Added   int           `json:"added"`
	HasMore bool          `json:"hasMore"`
	State   session.State `json:"state"`
}

// MessageHandler handles message endpoints of the open conversation.
type MessageHandler struct {
	service *service.ChatService
	logger  *logger.Logger
}

// NewMessageHandler creates a new message handler.
func NewMessageHandler(svc *service.ChatService, log *logger.Logger) *MessageHandler {
	return &MessageHandler{
		service: svc,
		logger:  log,
	}
}

// List handles GET /api/v1/conversations/{id}/messages
func (h *MessageHandler) List(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.session(w, r)
	if !ok {
		return
	}

	writeJSON(w, http.StatusOK, sess.Timeline())
}

// Send handles POST /api/v1/conversations/{id}/messages
func (h *MessageHandler) Send(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.session(w, r)
	if !ok {
		return
	}

	var req SendMessageRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := middleware.ValidateMessageContent(req.Content); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	// A send that started must finish even if the client goes away.
	msg, err := sess.Send(context.WithoutCancel(r.Context()), req.Content)
	if err != nil {
		if msg.ID == "" {
			writeFailure(w, err)
			return
		}
		h.logger.Warn("message send failed",
			zap.String("conversation_id", sess.ConversationID()),
			zap.String("temp_id", msg.TempID),
			zap.Error(err),
		)
		writeJSON(w, errorStatus(err), &SendMessageResponse{Message: msg, Error: err.Error()})
		return
	}

	writeJSON(w, http.StatusAccepted, &SendMessageResponse{Message: msg})
}

// LoadOlder handles POST /api/v1/conversations/{id}/messages/older
func (h *MessageHandler) LoadOlder(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.session(w, r)
	if !ok {
		return
	}

	added, err := sess.LoadOlder(r.Context())
	if err != nil {
		h.logger.Error("failed to load older messages",
			zap.String("conversation_id", sess.ConversationID()),
			zap.Error(err),
		)
		writeFailure(w, err)
		return
	}

	tl := sess.Timeline()
	writeJSON(w, http.StatusOK, &LoadOlderResponse{
		Added:   added,
		HasMore: tl.HasMore,
		State:   tl.State,
	})
}

func (h *MessageHandler) session(w http.ResponseWriter, r *http.Request) (*session.Session, bool) {
	conversationID, ok := pathID(w, r, "id", "conversation")
	if !ok {
		return nil, false
	}
	sess, err := h.service.Session(conversationID)
	if err != nil {
		writeFailure(w, err)
		return nil, false
	}
	return sess, true
}
