package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/robolab/dispatchd/internal/bus"
	"github.com/robolab/dispatchd/internal/engine"
	"github.com/robolab/dispatchd/internal/events"
	"github.com/robolab/dispatchd/internal/queue"
	"github.com/robolab/dispatchd/internal/state"
)

// Dispatcher defines the queue engine operations the API drives.
type Dispatcher interface {
	Enqueue(ctx context.Context, req queue.EnqueueRequest) (*queue.Job, error)
	ClaimNext(ctx context.Context) (engine.ClaimResult, error)
	Archive(ctx context.Context) (*queue.ArchiveResult, error)
}

// JobReader defines the read-only job store operations the API consumes.
type JobReader interface {
	List(ctx context.Context, limit int) ([]queue.Job, error)
	Depth(ctx context.Context) (int, error)
}

// Config holds API server configuration.
type Config struct {
	Listen  string
	RobotID string
	// AdminToken, when non-empty, is required as a bearer token on
	// /api/admin routes.
	AdminToken string
}

// Server is the HTTP front of the dispatch gateway.
type Server struct {
	config    Config
	dispatch  Dispatcher
	store     JobReader
	cache     *state.Cache
	topics    bus.Topics
	hub       *events.Hub
	metricsH  http.Handler
	logger    *slog.Logger
	server    *http.Server
	startedAt time.Time
}

// New creates an API server instance. metricsHandler may be nil to disable
// the /metrics endpoint.
func New(config Config, dispatch Dispatcher, store JobReader, cache *state.Cache, topics bus.Topics, hub *events.Hub, metricsHandler http.Handler, logger *slog.Logger) *Server {
	return &Server{
		config:    config,
		dispatch:  dispatch,
		store:     store,
		cache:     cache,
		topics:    topics,
		hub:       hub,
		metricsH:  metricsHandler,
		logger:    logger,
		startedAt: time.Now(),
	}
}

// Start starts the HTTP server and blocks until ctx is cancelled or the
// server fails.
func (s *Server) Start(ctx context.Context) error {
	router := s.setupRoutes()

	s.server = &http.Server{
		Addr:         s.config.Listen,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
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

// setupRoutes configures the HTTP router.
func (s *Server) setupRoutes() *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)

	// Ops endpoints.
	r.Get("/health", s.handleHealth)
	r.Get("/status", s.handleStatus)
	r.Get("/events", s.handleEvents)
	if s.metricsH != nil {
		r.Handle("/metrics", s.metricsH)
	}

	// Minimal operator form.
	r.Get("/", s.handleIndex)
	r.Post("/submit", s.handleSubmitForm)

	// JSON API.
	r.Route("/api", func(r chi.Router) {
		r.Post("/jobs", s.handleCreateJob)
		r.Get("/jobs", s.handleListJobs)
		r.Post("/robot/claim-next", s.handleClaimNext)

		r.Group(func(r chi.Router) {
			r.Use(s.adminAuthMiddleware)
			r.Post("/admin/archive", s.handleArchive)
		})
	})

	return r
}

// loggingMiddleware logs HTTP requests.
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

// adminAuthMiddleware enforces the optional admin bearer token. With no
// token configured, admin routes are open (single-operator lab deployments).
func (s *Server) adminAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.config.AdminToken == "" {
			next.ServeHTTP(w, r)
			return
		}
		if r.Header.Get("Authorization") != "Bearer "+s.config.AdminToken {
			s.writeError(w, http.StatusUnauthorized, "invalid or missing admin token")
			return
		}
		next.ServeHTTP(w, r)
	})
}
