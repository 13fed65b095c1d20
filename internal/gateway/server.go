// ABOUTME: Server assembly: opens the store and wires queue, claims,
// ABOUTME: delivery, presence, hub, and router behind one HTTP listener

package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/2389/support-gateway/internal/auth"
	"github.com/2389/support-gateway/internal/claim"
	"github.com/2389/support-gateway/internal/config"
	"github.com/2389/support-gateway/internal/delivery"
	"github.com/2389/support-gateway/internal/presence"
	"github.com/2389/support-gateway/internal/queue"
	"github.com/2389/support-gateway/internal/router"
	"github.com/2389/support-gateway/internal/store"
	"github.com/2389/support-gateway/internal/transport"
)

// Server owns the full component graph and the HTTP listener lifecycle.
type Server struct {
	cfg      *config.Config
	logger   *slog.Logger
	store    store.Store
	hub      *transport.Hub
	delivery *delivery.Engine
	httpSrv  *http.Server
}

// NewServer opens the store and wires every component together.
func NewServer(cfg *config.Config, logger *slog.Logger) (*Server, error) {
	if logger == nil {
		logger = slog.Default()
	}

	s, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	verifier := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))

	// The presence notify callback needs the router, which needs the hub,
	// which needs the tracker. Late-bind through the pointer.
	var rt *router.Router
	tracker := presence.NewTracker(func(userID string, online bool) {
		if rt != nil {
			rt.PresenceChanged(userID, online)
		}
	}, logger)

	hub := transport.NewHub(verifier, tracker, logger)
	q := queue.New(s, logger)
	c := claim.New(s, q, hub, logger)
	d := delivery.NewEngine(s, hub, cfg.Support.TypingTTL, logger)
	rt = router.New(s, q, c, d, hub, cfg.Support.RequeueOnDisconnect, logger)
	hub.SetHandler(rt)

	// Warm the queue so the first agent sees waiting conversations that
	// predate this process.
	if err := q.Rebuild(context.Background()); err != nil {
		logger.Warn("initial queue rebuild failed, will retry on first read", "error", err)
	}

	gw := New(rt, hub, s, verifier, cfg.Auth.TokenTTL, cfg.Server.AllowedOrigins, logger)

	return &Server{
		cfg:      cfg,
		logger:   logger.With("component", "server"),
		store:    s,
		hub:      hub,
		delivery: d,
		httpSrv: &http.Server{
			Addr:              cfg.Server.HTTPAddr,
			Handler:           gw.Handler(),
			ReadHeaderTimeout: 10 * time.Second,
		},
	}, nil
}

// Run serves HTTP until the context is cancelled, then shuts down in order:
// listener, websocket connections, timers, store.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http server listening", "addr", s.cfg.Server.HTTPAddr)
		if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	s.logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.httpSrv.Shutdown(shutdownCtx); err != nil {
		s.logger.Error("http shutdown failed", "error", err)
	}

	s.hub.Close()
	s.delivery.Close()

	if err := s.store.Close(); err != nil {
		return fmt.Errorf("closing store: %w", err)
	}
	return nil
}
