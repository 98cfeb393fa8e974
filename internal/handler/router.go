package handler

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/amora-app/chatsync/internal/middleware"
	"github.com/amora-app/chatsync/internal/model"
	"github.com/amora-app/chatsync/pkg/logger"
)

// Handlers groups the bridge handlers.
type Handlers struct {
	Health        *HealthHandler
	Session       *SessionHandler
	Conversations *ConversationHandler
	Messages      *MessageHandler
	Matches       *MatchHandler
	Stream        *StreamHandler
}

// RouterConfig configures the bridge router.
type RouterConfig struct {
	Identity          middleware.IdentitySource
	AllowedOrigins    []string
	RateLimitRequests int
	RateLimitWindow   time.Duration
	Log               *logger.Logger
}

// NewRouter mounts the bridge API.
func NewRouter(h Handlers, cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.Logging(cfg.Log))
	r.Use(middleware.SecurityHeaders)
	r.Use(chimiddleware.Recoverer)
	r.Use(middleware.CORS(cfg.AllowedOrigins))

	// Health endpoints
	r.Get("/health", h.Health.Health)
	r.Get("/ready", h.Health.Ready)

	// Metrics endpoint
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		if cfg.RateLimitRequests > 0 {
			r.Use(middleware.RateLimit(cfg.RateLimitRequests, cfg.RateLimitWindow))
		}

		r.Route("/session", func(r chi.Router) {
			r.Get("/", h.Session.Get)
			r.Post("/", h.Session.Login)
			r.Delete("/", h.Session.Logout)
			r.Post("/connect", h.Session.Connect)
		})

		// Everything else needs a logged in user.
		r.Group(func(r chi.Router) {
			r.Use(middleware.RequireSession(cfg.Identity))

			r.Route("/conversations", func(r chi.Router) {
				r.Get("/", h.Conversations.List)
				r.Get("/active", h.Conversations.Active)
				r.Get("/pending", h.Conversations.Pending)

				r.Route("/{id}", func(r chi.Router) {
					r.Delete("/", h.Conversations.Remove)
					r.Post("/read", h.Conversations.MarkRead)
					r.Post("/session", h.Conversations.OpenSession)
					r.Delete("/session", h.Conversations.CloseSession)

					// Messages of the open conversation
					r.Get("/messages", h.Messages.List)
					r.Post("/messages", h.Messages.Send)
					r.Post("/messages/older", h.Messages.LoadOlder)
				})
			})

			r.Route("/matches", func(r chi.Router) {
				r.Get("/", h.Matches.List(model.KindMatch))
				r.Post("/", h.Matches.Add)
				r.Post("/{id}/view", h.Matches.View)
				r.Post("/{id}/unmatch", h.Matches.Unmatch)
			})
			r.Get("/superlikes", h.Matches.List(model.KindSuperlike))
			r.Get("/likes", h.Matches.List(model.KindLike))
			r.Post("/users/{userId}/report", h.Matches.Report)
			r.Get("/badge", h.Matches.Badge)

			// Streaming
			r.Get("/stream", h.Stream.Stream)
		})
	})

	return r
}
