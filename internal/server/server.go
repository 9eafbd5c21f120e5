// Package server is the HTTP admin surface for launching and observing
// report runs.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"broadlistening/internal/config"
	"broadlistening/internal/core"
	"broadlistening/internal/pipeline"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// Reports lists registered reports.
type Reports interface {
	List(ctx context.Context) ([]core.Report, error)
	Ping(ctx context.Context) error
}

// Runner launches and observes pipeline runs.
type Runner interface {
	Launch(ctx context.Context, sub *core.Submission, opts pipeline.Options) error
	Cancel(slug string) error
	Status(slug string) (core.Status, error)
}

// Deps are the collaborators the server needs.
type Deps struct {
	Reports    Reports
	Runner     Runner
	ReportsDir string
	Defaults   core.SubmissionDefaults
	Log        *slog.Logger
}

// Server represents the HTTP server
type Server struct {
	router     *chi.Mux
	httpServer *http.Server
	deps       Deps
	config     config.Server
	log        *slog.Logger
}

// New creates a new HTTP server instance
func New(deps Deps, cfg config.Server) *Server {
	log := deps.Log
	if log == nil {
		log = slog.Default()
	}

	s := &Server{
		router: chi.NewRouter(),
		deps:   deps,
		config: cfg,
		log:    log,
	}

	s.setupMiddleware()
	s.setupRoutes()

	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  config.Duration(cfg.ReadTimeout, 15*time.Second),
		WriteTimeout: config.Duration(cfg.WriteTimeout, 30*time.Second),
	}

	return s
}

// setupMiddleware configures middleware for the server
func (s *Server) setupMiddleware() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(s.requestLogger)
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.Timeout(60 * time.Second))
	s.router.Use(securityHeaders)

	if len(s.config.AllowedOrigins) > 0 {
		s.router.Use(cors.Handler(cors.Options{
			AllowedOrigins:   s.config.AllowedOrigins,
			AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders:   []string{"Accept", "Content-Type", "X-Request-ID", apiKeyHeader},
			AllowCredentials: false,
			MaxAge:           300,
		}))
	}
}

// setupRoutes configures routes for the server
func (s *Server) setupRoutes() {
	s.router.Get("/health", s.handleHealth)

	s.router.Route("/admin", func(r chi.Router) {
		r.Use(s.requireAdminAPI)

		r.Route("/reports", func(r chi.Router) {
			r.Get("/", s.handleListReports)
			r.Post("/", s.handleCreateReport)
			r.Route("/{slug}", func(r chi.Router) {
				r.With(noCache).Get("/status", s.handleReportStatus)
				r.Post("/cancel", s.handleCancelReport)
				r.Get("/result", s.handleReportResult)
				r.Get("/csv", s.handleReportCSV)
				r.Get("/html", s.handleReportHTML)
			})
		})
	})
}

// Start starts the HTTP server
func (s *Server) Start() error {
	s.log.Info("Starting HTTP server",
		"addr", s.httpServer.Addr,
		"read_timeout", s.httpServer.ReadTimeout,
		"write_timeout", s.httpServer.WriteTimeout,
	)

	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server failed to start: %w", err)
	}

	return nil
}

// Shutdown gracefully shuts down the HTTP server
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info("Shutting down HTTP server gracefully...")

	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	s.log.Info("HTTP server stopped")
	return nil
}

// Router returns the chi router instance (useful for testing)
func (s *Server) Router() *chi.Mux {
	return s.router
}
