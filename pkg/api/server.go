// Package api exposes the saga engine over HTTP: read access to saga instances and dead
// letters, order commands, health probes and a websocket feed of transitions.
package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"

	"github.com/go-chi/chi/v5"

	"github.com/goclaw/ordersaga/config"
	"github.com/goclaw/ordersaga/pkg/logger"
)

// Server is the lifecycle the application drives.
type Server interface {
	Start() error
	Shutdown(ctx context.Context) error
}

// HTTPServer serves the router built by NewRouter.
type HTTPServer struct {
	server *http.Server
	router chi.Router
	logger logger.Logger

	mu       sync.Mutex
	listener net.Listener
}

func NewHTTPServer(cfg *config.Config, log logger.Logger, handlers *Handlers) *HTTPServer {
	router := NewRouter(cfg, log, handlers)
	httpCfg := cfg.Server.HTTP

	srv := &http.Server{
		Addr:              net.JoinHostPort(cfg.Server.Host, strconv.Itoa(cfg.Server.Port)),
		Handler:           router,
		ReadTimeout:       httpCfg.ReadTimeout,
		ReadHeaderTimeout: httpCfg.ReadTimeout,
		WriteTimeout:      httpCfg.WriteTimeout,
		IdleTimeout:       httpCfg.IdleTimeout,
	}
	if httpCfg.MaxHeaderBytes > 0 {
		srv.MaxHeaderBytes = httpCfg.MaxHeaderBytes
	}

	return &HTTPServer{
		server: srv,
		router: router,
		logger: log.With("component", "http"),
	}
}

// Listen binds the configured address. Port 0 picks a free port; Addr reports it.
func (s *HTTPServer) Listen() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return nil
	}
	ln, err := net.Listen("tcp", s.server.Addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.server.Addr, err)
	}
	s.listener = ln
	return nil
}

// Addr returns the bound address once Listen has succeeded, else the configured one.
func (s *HTTPServer) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.server.Addr
}

// Start listens if needed and serves until Shutdown. It returns nil after a clean shutdown.
func (s *HTTPServer) Start() error {
	if err := s.Listen(); err != nil {
		return err
	}
	s.mu.Lock()
	ln := s.listener
	s.mu.Unlock()

	s.logger.Info("HTTP server listening",
		"addr", ln.Addr().String(),
		"read_timeout", s.server.ReadTimeout,
		"write_timeout", s.server.WriteTimeout,
	)
	err := s.server.Serve(ln)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	s.logger.Error("HTTP server failed", "error", err)
	return fmt.Errorf("serve http: %w", err)
}

// Handler returns the routed handler.
func (s *HTTPServer) Handler() http.Handler {
	return s.router
}

// Shutdown stops accepting connections and waits for in-flight requests until ctx ends.
// Hijacked websocket connections are not tracked here and must be closed by their owner.
func (s *HTTPServer) Shutdown(ctx context.Context) error {
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown http server: %w", err)
	}
	s.mu.Lock()
	if s.listener != nil {
		// Serve closes its listener; this covers Listen without Start.
		_ = s.listener.Close()
	}
	s.mu.Unlock()
	s.logger.Info("HTTP server stopped")
	return nil
}
