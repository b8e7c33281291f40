// Package api serves the dispatcher over HTTP: a JSON-RPC 2.0 endpoint plus
// a small REST surface for status, the audit log and client tokens.
package api

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/quanlan-server/quanlan-server/internal/auth"
	"github.com/quanlan-server/quanlan-server/internal/config"
	"github.com/quanlan-server/quanlan-server/internal/dispatch"
	"github.com/quanlan-server/quanlan-server/internal/storage"
	"github.com/quanlan-server/quanlan-server/internal/validation"
)

// Server represents the HTTP API server
type Server struct {
	config     *config.Config
	dispatcher *dispatch.Dispatcher
	store      storage.Store
	auth       *auth.JWTManager
	validator  *validation.Validator
	limiter    *clientLimiter
	metrics    http.Handler
	logger     zerolog.Logger
	router     chi.Router
	server     *http.Server
}

// Option configures a Server
type Option func(s *Server)

// WithMetricsHandler mounts h on GET /metrics
func WithMetricsHandler(h http.Handler) Option {
	return func(s *Server) {
		s.metrics = h
	}
}

// WithLogger sets the logger
func WithLogger(logger zerolog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// NewServer creates a new API server. store may be nil, in which case the
// events endpoint is not mounted.
func NewServer(cfg *config.Config, d *dispatch.Dispatcher, store storage.Store, opts ...Option) *Server {
	s := &Server{
		config:     cfg,
		dispatcher: d,
		store:      store,
		validator:  validation.NewValidator(),
		limiter:    newClientLimiter(cfg.RPC.RateLimitRPS, cfg.RPC.RateLimitBurst, 10*time.Minute),
		logger:     log.Logger,
		router:     chi.NewRouter(),
	}
	if cfg.Auth.Enabled {
		s.auth = auth.NewJWTManager(&cfg.Auth)
	}
	for _, opt := range opts {
		opt(s)
	}

	s.setupRoutes()

	s.server = &http.Server{
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: cfg.RPC.Timeout + 5*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// Handler returns the root handler
func (s *Server) Handler() http.Handler {
	return s.router
}

// setupRoutes configures all routes
func (s *Server) setupRoutes() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(s.requestLogger)
	s.router.Use(middleware.Recoverer)
	if s.config.RPC.Timeout > 0 {
		s.router.Use(middleware.Timeout(s.config.RPC.Timeout))
	}

	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"X-Request-Id"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	s.router.Group(func(r chi.Router) {
		r.Use(s.rpcAuth)
		r.Use(s.rateLimit)
		r.Post("/rpc", s.HandleRPC)
	})

	if s.metrics != nil {
		s.router.Method(http.MethodGet, "/metrics", s.metrics)
	}

	s.router.Route("/api/v1", func(r chi.Router) {
		s.setupAPIRoutes(r)
	})
}

// ListenAndServe serves until ctx is cancelled, then shuts down gracefully
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx is cancelled
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.logger.Info().Str("addr", ln.Addr().String()).Msg("Starting HTTP API server")

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.server.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.Shutdown(shutdownCtx); err != nil {
			s.logger.Error().Err(err).Msg("HTTP shutdown failed")
		}
		<-errCh
		return nil
	}
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}
