package web

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/kozaktomas/face-auth/internal/auth"
	"github.com/kozaktomas/face-auth/internal/config"
	"github.com/kozaktomas/face-auth/internal/service"
	"github.com/kozaktomas/face-auth/internal/web/handlers"
	"github.com/kozaktomas/face-auth/internal/web/middleware"
)

// Options holds the collaborators of the web server.
type Options struct {
	Service  *service.FaceAuth
	Tokens   *middleware.TokenManager
	Denylist auth.Denylist
	Frames   *handlers.FrameProvider
	Checks   map[string]handlers.Pinger
	Log      *slog.Logger
}

// Server represents the web server
type Server struct {
	config     *config.Config
	opts       Options
	router     *chi.Mux
	httpServer *http.Server
	limiter    *middleware.RateLimiter
	log        *slog.Logger
}

// NewServer creates a new web server
func NewServer(cfg *config.Config, opts Options) (*Server, error) {
	if opts.Service == nil || opts.Tokens == nil {
		return nil, errors.New("service and token manager are required")
	}
	if opts.Denylist == nil {
		opts.Denylist = auth.NewMemoryDenylist()
	}
	if opts.Log == nil {
		opts.Log = slog.Default()
	}

	r := chi.NewRouter()
	s := &Server{
		config:  cfg,
		opts:    opts,
		router:  r,
		limiter: middleware.NewRateLimiter(cfg.RateLimit.RPS, cfg.RateLimit.Burst),
		log:     opts.Log,
	}

	// Set up middleware stack
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(middleware.RequestLogger(opts.Log))
	r.Use(middleware.Recoverer(opts.Log))
	r.Use(chiMiddleware.Timeout(cfg.Server.RequestTimeout))
	r.Use(middleware.CORS(cfg.Server.AllowedOrigins))
	r.Use(middleware.SecurityHeaders())

	s.setupRoutes()

	s.httpServer = &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: cfg.Server.RequestTimeout + 10*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s, nil
}

// Start starts the HTTP server
func (s *Server) Start() error {
	s.log.Info("starting web server", "addr", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("failed to start server: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info("shutting down web server")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutting down server: %w", err)
	}
	return nil
}

// Router returns the chi router for testing
func (s *Server) Router() *chi.Mux {
	return s.router
}
