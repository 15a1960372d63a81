// Package api serves a small JSON surface for submitting discovery jobs and
// reading jobs and assets back.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/CodeMonkeyCybersecurity/easm/internal/config"
	"github.com/CodeMonkeyCybersecurity/easm/internal/core"
	"github.com/CodeMonkeyCybersecurity/easm/internal/logger"
)

const (
	defaultLimit = 50
	maxLimit     = 500

	shutdownTimeout = 10 * time.Second
)

// Pinger reports whether the backing store is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

type Server struct {
	assets core.AssetRepository
	jobs   core.DiscoveryJobRepository
	pinger Pinger
	cfg    config.ServerConfig
	logger *logger.Logger
}

type Option func(*Server)

// WithPinger makes /health check the store.
func WithPinger(p Pinger) Option {
	return func(s *Server) { s.pinger = p }
}

func NewServer(assets core.AssetRepository, jobs core.DiscoveryJobRepository, cfg config.ServerConfig, log *logger.Logger, opts ...Option) *Server {
	if log == nil {
		log = logger.Nop()
	}
	s := &Server{
		assets: assets,
		jobs:   jobs,
		cfg:    cfg,
		logger: log.WithComponent("api"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Router builds the gin engine with every route and middleware attached.
func (s *Server) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery(), LoggingMiddleware(s.logger))
	if s.cfg.RequestsPerSecond > 0 {
		r.Use(RateLimitMiddleware(s.cfg))
	}
	if s.cfg.APIKey != "" {
		r.Use(AuthMiddleware(s.cfg.APIKey, s.logger))
	}

	r.GET("/health", s.health)

	api := r.Group("/api")
	{
		api.GET("/jobs", s.listJobs)
		api.GET("/jobs/:id", s.getJob)
		api.POST("/jobs", s.submitJob)
		api.GET("/assets", s.listAssets)
	}
	return r
}

// ListenAndServe serves until ctx is done, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Infow("API server listening", "addr", s.cfg.Addr, "auth", s.cfg.APIKey != "")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("API server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("API server shutdown failed: %w", err)
	}
	s.logger.Infow("API server stopped")
	return nil
}
