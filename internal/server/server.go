// Package server wires the service together: engine launcher, session
// registry, dispatcher, storage, and the chi router that exposes them.
// All dependency injection happens here, so the layers below stay free of
// process-wide state.
package server

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sakif/python-executor/internal/auth"
	"github.com/sakif/python-executor/internal/config"
	"github.com/sakif/python-executor/internal/dispatcher"
	"github.com/sakif/python-executor/internal/executor"
	dockerengine "github.com/sakif/python-executor/internal/executor/docker"
	"github.com/sakif/python-executor/internal/executor/local"
	"github.com/sakif/python-executor/internal/handler"
	"github.com/sakif/python-executor/internal/metrics"
	"github.com/sakif/python-executor/internal/middleware"
	sqliteRepo "github.com/sakif/python-executor/internal/repository/sqlite"
	"github.com/sakif/python-executor/internal/session"
	"github.com/sakif/python-executor/internal/staging"
)

// Server owns the HTTP surface and the resources behind it.
type Server struct {
	router   *chi.Mux
	config   config.Config
	logger   *slog.Logger
	registry *session.Registry
	db       *sqliteRepo.DB
	closers  []io.Closer
}

// New assembles the full dependency chain from configuration.
func New(cfg config.Config, logger *slog.Logger) (*Server, error) {
	s := &Server{
		router: chi.NewRouter(),
		config: cfg,
		logger: logger,
	}

	stager, err := staging.NewLocal(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("creating stager: %w", err)
	}

	launcher, err := s.buildLauncher(cfg)
	if err != nil {
		return nil, fmt.Errorf("creating engine launcher: %w", err)
	}

	promRegistry := prometheus.NewRegistry()
	promRegistry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(promRegistry)

	s.registry = session.NewRegistry(session.Config{
		IdleTimeout:   cfg.Session.IdleTimeout.Std(),
		SweepInterval: cfg.Session.SweepInterval.Std(),
		MaxSessions:   cfg.Session.MaxSessions,
	}, launcher, stager, m, logger)

	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o755); err != nil {
		s.closeAll()
		return nil, fmt.Errorf("creating database directory: %w", err)
	}
	db, err := sqliteRepo.New(cfg.DBPath)
	if err != nil {
		s.closeAll()
		return nil, fmt.Errorf("opening database: %w", err)
	}
	s.db = db

	disp := dispatcher.New(dispatcher.Config{
		DefaultTimeout: cfg.Session.DefaultTimeout.Std(),
		MaxTimeout:     cfg.Session.MaxTimeout.Std(),
	}, s.registry, db, m, logger)

	if err := s.setupRoutes(disp, stager, db, promRegistry); err != nil {
		s.closeAll()
		return nil, fmt.Errorf("setting up routes: %w", err)
	}

	return s, nil
}

// buildLauncher selects the execution backend from configuration.
func (s *Server) buildLauncher(cfg config.Config) (executor.Launcher, error) {
	switch cfg.Engine.Kind {
	case "docker":
		l, err := dockerengine.NewLauncher(dockerengine.Config{
			Image:          cfg.Engine.DockerImage,
			MemoryLimit:    cfg.Engine.MemoryLimit,
			CPULimit:       cfg.Engine.CPULimit,
			StartupTimeout: cfg.Engine.StartupTimeout.Std(),
			WorkspacePath:  dockerengine.DefaultConfig().WorkspacePath,
		}, s.logger)
		if err != nil {
			return nil, err
		}
		s.closers = append(s.closers, l)
		return l, nil
	default:
		return local.NewLauncher(local.Config{
			PythonPath:     cfg.Engine.PythonPath,
			StartupTimeout: cfg.Engine.StartupTimeout.Std(),
		}, s.logger), nil
	}
}

func (s *Server) setupRoutes(disp *dispatcher.Dispatcher, stager staging.Stager, db *sqliteRepo.DB, promRegistry *prometheus.Registry) error {
	s.router.Use(chimiddleware.RequestID)
	s.router.Use(chimiddleware.RealIP)
	s.router.Use(chimiddleware.Recoverer)
	s.router.Use(middleware.Logger(s.logger))

	healthHandler := handler.NewHealthHandler(s.registry)
	s.router.Get("/health", healthHandler.HandleHealth)

	s.router.Handle("/metrics", promhttp.HandlerFor(promRegistry, promhttp.HandlerOpts{}))

	executeHandler := handler.NewExecuteHandler(disp, stager, s.logger)
	sessionHandler := handler.NewSessionHandler(s.registry, s.logger)
	historyHandler := handler.NewHistoryHandler(db, s.logger)

	var tokens *auth.TokenService
	if s.config.JWTSecret != "" {
		var err error
		tokens, err = auth.NewTokenService(s.config.JWTSecret)
		if err != nil {
			return fmt.Errorf("creating token service: %w", err)
		}
	} else {
		s.logger.Warn("JWT_SECRET not set, authentication is disabled")
	}

	s.router.Route("/api", func(r chi.Router) {
		if tokens != nil {
			r.Use(auth.RequireAuth(tokens))
		}

		r.Post("/execute", executeHandler.HandleExecute)
		r.Get("/sessions", sessionHandler.HandleList)
		r.Delete("/sessions/{userID}", sessionHandler.HandleRemove)
		r.Get("/history", historyHandler.HandleList)
	})

	return nil
}

// Start runs the HTTP server until a signal arrives, then shuts everything
// down in dependency order: HTTP first, then sessions, then storage.
func (s *Server) Start() error {
	defer s.closeAll()

	s.registry.Start()

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", s.config.Port),
		Handler: s.router,
		// No WriteTimeout: a single execution call may legitimately run
		// for minutes, bounded by the dispatcher's own deadline.
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	serverErrors := make(chan error, 1)

	go func() {
		s.logger.Info("server starting",
			slog.Int("port", s.config.Port),
			slog.String("engine", s.config.Engine.Kind),
		)
		serverErrors <- srv.ListenAndServe()
	}()

	select {
	case err := <-serverErrors:
		if err != http.ErrServerClosed {
			return fmt.Errorf("server error: %w", err)
		}

	case sig := <-quit:
		s.logger.Info("shutdown signal received", slog.String("signal", sig.String()))

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := srv.Shutdown(ctx); err != nil {
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}
		s.logger.Info("server stopped gracefully")
	}

	return nil
}

// Router exposes the configured router for tests.
func (s *Server) Router() http.Handler {
	return s.router
}

func (s *Server) closeAll() {
	if s.registry != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		s.registry.Shutdown(ctx)
		cancel()
		s.registry = nil
	}
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.logger.Error("failed to close database", slog.String("error", err.Error()))
		}
		s.db = nil
	}
	for _, c := range s.closers {
		if err := c.Close(); err != nil {
			s.logger.Error("failed to close resource", slog.String("error", err.Error()))
		}
	}
	s.closers = nil
}
