// Package httpserver serves the phoenixd HTTP endpoints behind the worker
// admission ceiling.
package httpserver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/marmos91/phoenixd/internal/logger"
	"github.com/marmos91/phoenixd/pkg/config"
)

// stopTimeout bounds the shutdown triggered by cancelling Serve's context.
// The supervisor calls Stop with its own deadline instead.
const stopTimeout = 5 * time.Second

// Server is an HTTP server bound to an already open listener, so bind
// failures surface before the supervisor enters RUNNING.
type Server struct {
	server       *http.Server
	listener     net.Listener
	shutdownOnce sync.Once
}

// NewServer creates a stopped server. ln is usually an AdmissionListener.
func NewServer(cfg config.HTTPConfig, ln net.Listener, handler http.Handler) *Server {
	return &Server{
		server: &http.Server{
			Handler:      handler,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
			IdleTimeout:  cfg.IdleTimeout,
		},
		listener: ln,
	}
}

// Addr returns the listening address.
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

// Serve accepts connections until ctx is cancelled, Stop is called or the
// listener fails. It returns nil after a graceful stop.
func (s *Server) Serve(ctx context.Context) error {
	errChan := make(chan error, 1)
	go func() {
		logger.Info("HTTP server listening", logger.KeyAddress, s.Addr().String())
		errChan <- s.server.Serve(s.listener)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), stopTimeout)
		defer cancel()
		err := s.Stop(shutdownCtx)
		<-errChan
		return err
	case err := <-errChan:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("HTTP server failed: %w", err)
	}
}

// Stop stops accepting and waits for open connections to finish until
// ctx ends, after which the rest are closed. Safe to call more than once.
func (s *Server) Stop(ctx context.Context) error {
	var stopErr error
	s.shutdownOnce.Do(func() {
		logger.Debug("HTTP server shutdown initiated")
		if err := s.server.Shutdown(ctx); err != nil {
			_ = s.server.Close()
			stopErr = fmt.Errorf("HTTP server shutdown: %w", err)
			logger.Warn("HTTP server forced closed", logger.Err(err))
			return
		}
		logger.Info("HTTP server stopped gracefully")
	})
	return stopErr
}
