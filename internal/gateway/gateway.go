// ABOUTME: HTTP gateway wiring the REST API and websocket upgrade endpoint
// ABOUTME: chi router with CORS, JWT auth middleware on the API group

package gateway

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/2389/support-gateway/internal/auth"
	"github.com/2389/support-gateway/internal/router"
	"github.com/2389/support-gateway/internal/store"
	"github.com/2389/support-gateway/internal/transport"
)

// UserStore defines what the gateway needs from storage: the login lookup.
// Authenticated requests carry their identity in the token, so nothing else
// reaches back to users.
type UserStore interface {
	GetUserByUsername(ctx context.Context, username string) (*store.User, error)
}

// Gateway exposes the conversation router over HTTP and hands websocket
// upgrades to the hub.
type Gateway struct {
	router   *router.Router
	hub      *transport.Hub
	users    UserStore
	verifier *auth.JWTVerifier
	tokenTTL time.Duration
	origins  []string
	logger   *slog.Logger
}

// New creates a gateway.
func New(r *router.Router, hub *transport.Hub, users UserStore, verifier *auth.JWTVerifier, tokenTTL time.Duration, allowedOrigins []string, logger *slog.Logger) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gateway{
		router:   r,
		hub:      hub,
		users:    users,
		verifier: verifier,
		tokenTTL: tokenTTL,
		origins:  allowedOrigins,
		logger:   logger.With("component", "gateway"),
	}
}

// Handler builds the full route tree.
func (g *Gateway) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	origins := g.origins
	if len(origins) == 0 {
		origins = []string{"https://*", "http://*"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/healthz", g.handleHealth)
	r.Post("/api/login", g.handleLogin)
	r.Get("/ws", g.hub.ServeWS)

	r.Group(func(r chi.Router) {
		r.Use(auth.HTTPAuthMiddleware(g.verifier))

		r.Get("/api/conversations", g.handleListConversations)
		r.Post("/api/conversations", g.handleCreateConversation)
		r.Get("/api/conversations/unassigned", g.handleUnassigned)
		r.Post("/api/conversations/{id}/claim", g.handleClaim)
		r.Post("/api/conversations/{id}/unclaim", g.handleUnclaim)
		r.Post("/api/conversations/{id}/resolve", g.handleResolve)
		r.Post("/api/conversations/{id}/reopen", g.handleReopen)
		r.Post("/api/conversations/{id}/read", g.handleMarkRead)
		r.Get("/api/conversations/{id}/messages", g.handleMessages)
		r.Post("/api/messages", g.handleSendMessage)
	})

	return r
}
