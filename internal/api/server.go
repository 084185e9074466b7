package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"
)

type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
}

type ServerConfig struct {
	Addr       string
	InstanceID string
	StartTime  time.Time
	Health     HealthFunc
	Restarts   func() uint64
	Catalog    ClipStore
	Logger     *slog.Logger
}

func NewServer(cfg ServerConfig) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	cfg.Logger = cfg.Logger.With("component", "http")

	return &Server{
		httpServer: &http.Server{
			Addr:         cfg.Addr,
			Handler:      NewRouter(cfg),
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 0, // clip downloads
			IdleTimeout:  60 * time.Second,
		},
		logger: cfg.Logger,
	}
}

// Start serves until Shutdown. Returns nil after a clean shutdown.
func (s *Server) Start() error {
	s.logger.Info("starting HTTP server",
		"addr", s.httpServer.Addr,
		"endpoints", []string{"/health", "/readiness", "/metrics", "/clips"},
	)
	err := s.httpServer.ListenAndServe()
	if err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP server")
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) Addr() string {
	return s.httpServer.Addr
}
