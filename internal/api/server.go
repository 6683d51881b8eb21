package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/mattjoyce/modreg/internal/events"
	"github.com/mattjoyce/modreg/internal/module"
)

// Registry is the module registry surface the API serves.
type Registry interface {
	Create(ctx context.Context, name, text string) (module.Definition, error)
	Delete(ctx context.Context, name string, t module.Type) error
	Count(ctx context.Context) (int, error)
	FindAll(ctx context.Context, page module.Page) (module.PagedResult, error)
	FindByName(ctx context.Context, name string) ([]module.Definition, error)
	FindByType(ctx context.Context, page module.Page, t module.Type) (module.PagedResult, error)
	FindByNameAndType(ctx context.Context, name string, t module.Type) (module.Definition, error)
	Dependents(ctx context.Context, name string, t module.Type) ([]string, error)
	Display(ctx context.Context, name string, t module.Type) ([]byte, error)
}

// Config holds API server configuration
type Config struct {
	Listen string
}

// Server represents the HTTP API server
type Server struct {
	config    Config
	registry  Registry
	events    *events.Hub
	logger    *slog.Logger
	server    *http.Server
	startedAt time.Time
}

// New creates a new API server instance. hub may be nil, which disables /events.
func New(config Config, registry Registry, hub *events.Hub, logger *slog.Logger) *Server {
	return &Server{
		config:    config,
		registry:  registry,
		events:    hub,
		logger:    logger,
		startedAt: time.Now(),
	}
}

// Start serves until ctx is cancelled or the listener fails.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:              s.config.Listen,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	s.logger.Info("API server starting", "listen", s.config.Listen)

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("API server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown failed: %w", err)
		}
		return ctx.Err()
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealthz)
	r.Get("/openapi.json", s.handleOpenAPI)
	r.Get("/events", s.handleEvents)

	r.Route("/modules", func(r chi.Router) {
		r.Get("/", s.handleListModules)
		r.Post("/", s.handleCreateModule)
		r.Route("/{type}/{name}", func(r chi.Router) {
			r.Get("/", s.handleGetModule)
			r.Delete("/", s.handleDeleteModule)
			r.Get("/definition", s.handleDisplayModule)
			r.Get("/dependents", s.handleDependents)
		})
	})
	return r
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}
