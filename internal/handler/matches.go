package handler

import (
	"errors"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/amora-app/chatsync/internal/matches"
	"github.com/amora-app/chatsync/internal/middleware"
	"github.com/amora-app/chatsync/internal/model"
	"github.com/amora-app/chatsync/internal/notify"
	"github.com/amora-app/chatsync/pkg/logger"
)

// ReportRequest is the body of POST /api/v1/users/{userId}/report.
type ReportRequest struct {
	Reason string `json:"reason"`
}

// MatchHandler handles match, like and badge endpoints.
type MatchHandler struct {
	cache  *matches.Cache
	badge  *notify.Aggregator
	logger *logger.Logger
}

// NewMatchHandler creates a new match handler.
func NewMatchHandler(cache *matches.Cache, badge *notify.Aggregator, log *logger.Logger) *MatchHandler {
	return &MatchHandler{
		cache:  cache,
		badge:  badge,
		logger: log,
	}
}

// List returns the handler for GET /api/v1/matches, /superlikes and /likes.
// Supports ?refresh=true to fetch the list first
func (h *MatchHandler) List(kind model.MatchKind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if refresh, _ := strconv.ParseBool(r.URL.Query().Get("refresh")); refresh {
			if err := h.cache.Fetch(r.Context(), kind); err != nil {
				writeFailure(w, err)
				return
			}
		}

		items := h.cache.List(kind)
		if items == nil {
			items = []model.MatchCandidate{}
		}
		writeJSON(w, http.StatusOK, items)
	}
}

// Add handles POST /api/v1/matches
func (h *MatchHandler) Add(w http.ResponseWriter, r *http.Request) {
	var m model.MatchCandidate
	if !decodeJSON(w, r, &m) {
		return
	}
	if err := middleware.ValidateID("user", m.UserID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if !h.cache.AddMatch(m) {
		writeError(w, http.StatusConflict, "session ended")
		return
	}

	writeJSON(w, http.StatusCreated, h.cache.Matches())
}

// View handles POST /api/v1/matches/{userId}/view?kind=
func (h *MatchHandler) View(w http.ResponseWriter, r *http.Request) {
	userID, ok := pathID(w, r, "id", "user")
	if !ok {
		return
	}
	kind, err := model.ParseMatchKind(r.URL.Query().Get("kind"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	err = h.cache.MarkAsViewed(r.Context(), userID, kind)
	switch {
	case errors.Is(err, matches.ErrNotFound):
		writeError(w, http.StatusNotFound, "match not found")
		return
	case err != nil:
		// Viewed locally; persisting it is best effort.
		h.logger.Warn("failed to persist viewed state",
			zap.String("match_user_id", userID),
			zap.String("kind", string(kind)),
			zap.Error(err),
		)
	}

	w.WriteHeader(http.StatusNoContent)
}

// Unmatch handles POST /api/v1/matches/{matchId}/unmatch
func (h *MatchHandler) Unmatch(w http.ResponseWriter, r *http.Request) {
	matchID, ok := pathID(w, r, "id", "match")
	if !ok {
		return
	}

	if err := h.cache.Unmatch(r.Context(), matchID); err != nil {
		h.logger.Error("failed to unmatch", zap.String("match_id", matchID), zap.Error(err))
		writeFailure(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// Report handles POST /api/v1/users/{userId}/report
func (h *MatchHandler) Report(w http.ResponseWriter, r *http.Request) {
	userID, ok := pathID(w, r, "userId", "user")
	if !ok {
		return
	}

	var req ReportRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := middleware.ValidateReason(req.Reason); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := h.cache.Report(r.Context(), userID, req.Reason); err != nil {
		h.logger.Error("failed to report user", zap.String("reported_user_id", userID), zap.Error(err))
		writeFailure(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// Badge handles GET /api/v1/badge
func (h *MatchHandler) Badge(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.badge.Current())
}
