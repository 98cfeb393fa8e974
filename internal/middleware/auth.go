// Package middleware provides HTTP middleware for the local bridge.
package middleware

import (
	"context"
	"net/http"

	"github.com/amora-app/chatsync/internal/auth"
)

// ContextKey is a type for context keys.
type ContextKey string

const (
	// UserIDKey is the context key for user ID.
	UserIDKey ContextKey = "user_id"
)

// IdentitySource reports the logged in user.
type IdentitySource interface {
	Identity() auth.Identity
}

// RequireSession rejects requests while no user is logged in and stores the
// user id in the request context.
func RequireSession(identity IdentitySource) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := identity.Identity()
			if !id.LoggedIn() {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusUnauthorized)
				w.Write([]byte(`{"error":"not logged in"}`))
				return
			}

			ctx := context.WithValue(r.Context(), UserIDKey, id.UserID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// GetUserID gets user ID from context.
func GetUserID(ctx context.Context) string {
	if v, ok := ctx.Value(UserIDKey).(string); ok {
		return v
	}
	return ""
}
