// ABOUTME: HTTP server wiring store, session service, auth, and engine
// ABOUTME: Owns route registration and the serve/shutdown lifecycle

package server

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/yardly/yardly-gateway/internal/auth"
	"github.com/yardly/yardly-gateway/internal/config"
	"github.com/yardly/yardly-gateway/internal/engine"
	"github.com/yardly/yardly-gateway/internal/session"
	"github.com/yardly/yardly-gateway/internal/store"
)

// Server hosts the HTTP API over the conversation store and session service.
type Server struct {
	config     *config.Config
	store      store.Store
	session    *session.Service
	verifier   *auth.JWTVerifier
	httpServer *http.Server
	logger     *slog.Logger
	devMode    bool
}

// New builds a fully wired server from config: store, engine gateway per
// the configured backend, session service, auth, and routes.
func New(cfg *config.Config, logger *slog.Logger) (*Server, error) {
	if logger == nil {
		logger = slog.Default()
	}

	st, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("initializing store: %w", err)
	}

	gw, err := buildGateway(cfg, logger)
	if err != nil {
		st.Close()
		return nil, err
	}

	verifier, err := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("creating JWT verifier: %w", err)
	}

	s := &Server{
		config:   cfg,
		store:    st,
		session:  session.NewService(st, gw, logger),
		verifier: verifier,
		logger:   logger.With("component", "server"),
		devMode:  cfg.Server.DevMode,
	}

	s.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           s.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	return s, nil
}

// buildGateway constructs the engine gateway named by engine.type.
func buildGateway(cfg *config.Config, logger *slog.Logger) (engine.Gateway, error) {
	switch cfg.Engine.Type {
	case config.EngineTypeSubprocess:
		return engine.NewSubprocessGateway(cfg.Engine.Command, cfg.Engine.Args, cfg.Engine.Timeout, logger), nil

	case config.EngineTypeRemote:
		return engine.NewRemoteGateway(cfg.Engine.URL, cfg.Engine.Timeout, logger), nil

	case config.EngineTypeOpenAI:
		profile, err := engine.LoadProfile(cfg.Engine.ProfilePath)
		if err != nil {
			return nil, fmt.Errorf("loading agent profile: %w", err)
		}
		return engine.NewOpenAIGateway(cfg.Engine.APIKey, profile, cfg.Engine.Timeout, logger), nil

	default:
		return nil, fmt.Errorf("unknown engine type %q", cfg.Engine.Type)
	}
}

// routes registers all HTTP handlers. Auth endpoints and the health check
// are open; everything else sits behind the bearer-token middleware.
func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/api/auth/register", s.handleRegister)
	mux.HandleFunc("/api/auth/login", s.handleLogin)
	mux.HandleFunc("/api/auth/refresh", s.handleRefresh)

	authed := http.NewServeMux()
	authed.HandleFunc("/api/agents/chat", s.handleChat)
	authed.HandleFunc("/api/agents/conversations", s.handleListConversations)
	authed.HandleFunc("/api/agents/conversations/", s.handleGetConversation)
	authed.HandleFunc("/api/agents/trace/", s.handleTrace)
	authed.HandleFunc("/api/users/me", s.handleMe)
	authed.HandleFunc("/api/users/change-password", s.handleChangePassword)
	authed.HandleFunc("/api/users/preferences", s.handlePreferences)

	middleware := auth.Middleware(s.store, s.verifier)
	mux.Handle("/api/agents/", middleware(authed))
	mux.Handle("/api/users/", middleware(authed))

	return mux
}

// Handler exposes the routed handler for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Run serves HTTP until ctx is canceled or the server fails, then shuts
// down gracefully.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.httpServer.Addr, err)
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("HTTP server listening", "addr", ln.Addr().String())
		if err := s.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()

	var serverErr error
	select {
	case <-ctx.Done():
		s.logger.Info("context canceled, initiating shutdown")
	case serverErr = <-errCh:
		s.logger.Error("server error", "error", serverErr)
	}

	shutdownErr := s.gracefulShutdown()
	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// gracefulShutdown uses a fresh context since the run context is already
// canceled by the time shutdown starts.
func (s *Server) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.Shutdown(ctx)
}

// Shutdown stops the HTTP server and closes the store.
func (s *Server) Shutdown(ctx context.Context) error {
	var errs []error
	if err := s.httpServer.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("HTTP shutdown: %w", err))
	}
	if err := s.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("store close: %w", err))
	}
	if len(errs) > 0 {
		return errs[0]
	}
	s.logger.Info("shutdown complete")
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}
