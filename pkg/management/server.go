// Package management provides the operator HTTP surface of the job executor:
// liveness and readiness, Prometheus metrics and parked-job actions.
package management

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/nimburion/jobexec/pkg/observability/logger"
)

const (
	defaultIdleTimeout     = 60 * time.Second
	defaultShutdownTimeout = 30 * time.Second
)

// ServerConfig holds the listener settings of the HTTP server.
type ServerConfig struct {
	Address      string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// Server wraps http.Server with graceful startup and shutdown.
type Server struct {
	handler http.Handler
	logger  logger.Logger
	config  ServerConfig

	mu         sync.Mutex
	httpServer *http.Server
	addr       net.Addr
}

// NewServer creates a Server serving handler.
func NewServer(cfg ServerConfig, handler http.Handler, log logger.Logger) *Server {
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = defaultIdleTimeout
	}
	return &Server{handler: handler, logger: log, config: cfg}
}

// Start listens on the configured address and serves until ctx is done.
func (s *Server) Start(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.config.Address)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.config.Address, err)
	}
	return s.Serve(ctx, listener)
}

// Serve serves on listener until ctx is done and then drains in-flight
// requests. It returns nil after a clean shutdown.
func (s *Server) Serve(ctx context.Context, listener net.Listener) error {
	srv := &http.Server{
		Handler:      s.handler,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
		IdleTimeout:  s.config.IdleTimeout,
	}
	s.mu.Lock()
	s.httpServer, s.addr = srv, listener.Addr()
	s.mu.Unlock()

	s.logger.Info("management server listening", "address", listener.Addr().String())
	served := make(chan error, 1)
	go func() { served <- srv.Serve(listener) }()

	select {
	case err := <-served:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("management server: %w", err)
	case <-ctx.Done():
	}
	if err := s.Shutdown(context.WithoutCancel(ctx)); err != nil {
		return err
	}
	<-served
	return nil
}

// Addr returns the bound address once the server is serving.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

// Shutdown stops accepting connections and drains in-flight requests for at
// most defaultShutdownTimeout.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	srv := s.httpServer
	s.mu.Unlock()
	if srv == nil {
		return nil
	}

	drainCtx, cancel := context.WithTimeout(ctx, defaultShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(drainCtx); err != nil {
		return fmt.Errorf("drain management server: %w", err)
	}
	s.logger.Info("management server stopped")
	return nil
}
