package handler

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/amora-app/chatsync/internal/api"
	"github.com/amora-app/chatsync/internal/auth"
	"github.com/amora-app/chatsync/internal/conversations"
	"github.com/amora-app/chatsync/internal/matches"
	"github.com/amora-app/chatsync/internal/realtime"
	"github.com/amora-app/chatsync/internal/service"
	"github.com/amora-app/chatsync/internal/session"
)

// maxBodyBytes bounds request bodies.
const maxBodyBytes = 64 << 10

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{
		"error": message,
	})
}

// decodeJSON reads a JSON request body into v.
func decodeJSON(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}

// errorStatus maps core errors to HTTP status codes.
func errorStatus(err error) int {
	var statusErr *api.StatusError
	switch {
	case errors.Is(err, service.ErrNotLoggedIn),
		errors.Is(err, api.ErrUnauthorized),
		errors.Is(err, auth.ErrInvalidToken),
		errors.Is(err, auth.ErrTokenExpired):
		return http.StatusUnauthorized
	case errors.Is(err, service.ErrNoSession),
		errors.Is(err, matches.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, session.ErrEmptyMessage):
		return http.StatusBadRequest
	case errors.Is(err, session.ErrClosed),
		errors.Is(err, conversations.ErrSessionEnded),
		errors.Is(err, matches.ErrSessionEnded):
		return http.StatusConflict
	case errors.Is(err, realtime.ErrNotConnected):
		return http.StatusServiceUnavailable
	case errors.As(err, &statusErr):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// writeFailure writes err with the status errorStatus assigns to it.
func writeFailure(w http.ResponseWriter, err error) {
	writeError(w, errorStatus(err), err.Error())
}
