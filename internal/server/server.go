// Package server owns the REST gateway HTTP listener. The Prometheus
// scrape endpoint is served by the telemetry package on its own port.
package server

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/pinwarden/pinwarden/internal/config"
	"github.com/pinwarden/pinwarden/internal/logging"
)

// Server runs the gateway HTTP server.
type Server struct {
	cfg        config.ServerConfig
	logger     logging.Logger
	handler    http.Handler
	httpServer *http.Server
	wg         sync.WaitGroup
}

// New creates a server serving the given handler on the configured address.
func New(cfg config.ServerConfig, handler http.Handler, logger logging.Logger) *Server {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Server{cfg: cfg, logger: logger, handler: handler}
}

// Start launches the listener. It returns once the serve loop is running.
func (s *Server) Start(ctx context.Context) error {
	s.logger.Info(ctx, "starting pinwarden server",
		zap.String("host", s.cfg.Host),
		zap.Int("port", s.cfg.Port))

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port),
		Handler:      s.handler,
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error(ctx, "http server error", zap.Error(err))
		}
	}()
	return nil
}

// Stop shuts the listener down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info(ctx, "stopping server")

	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			s.logger.Error(ctx, "http server shutdown failed", zap.Error(err))
		}
	}

	s.wg.Wait()
	s.logger.Info(ctx, "server stopped")
	return nil
}
