// Package server exposes the hub over HTTP: the websocket endpoint that
// runners, hosts and peer hubs connect to, and a health probe.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/swax/naisys-hub/internal/ratelimit"
)

// Store is the slice of the storage layer the health probe reads.
type Store interface {
	Ping(ctx context.Context) error
	SchemaVersion() int
}

// ConnCounter reports how many clients are connected.
type ConnCounter interface {
	Count() int
}

// Server is the hub HTTP server.
type Server struct {
	httpServer *http.Server
	handler    http.Handler
	logger     *slog.Logger
}

// ServerConfig holds all dependencies and configuration for creating a Server.
// Limiter and Conns are optional.
type ServerConfig struct {
	// Hub serves the websocket upgrade on GET /ws.
	Hub    http.Handler
	DB     Store
	Logger *slog.Logger

	Limiter ratelimit.Limiter
	Conns   ConnCounter

	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	Version      string
}

// New creates a new HTTP server with all routes configured.
func New(cfg ServerConfig) *Server {
	h := &healthHandler{
		db:        cfg.DB,
		conns:     cfg.Conns,
		version:   cfg.Version,
		startedAt: time.Now(),
	}

	handshakeRL := ratelimit.Middleware(cfg.Limiter, ratelimit.IPKeyFunc, cfg.Logger)

	mux := http.NewServeMux()
	mux.Handle("GET /ws", handshakeRL(cfg.Hub))
	mux.Handle("GET /health", h)

	// Middleware chain (outermost executes first):
	// request ID → tracing → logging → recovery → handler.
	var handler http.Handler = mux
	handler = recoveryMiddleware(cfg.Logger, handler)
	handler = loggingMiddleware(cfg.Logger, handler)
	handler = tracingMiddleware(handler)
	handler = requestIDMiddleware(handler)

	return &Server{
		httpServer: &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Port),
			Handler:      handler,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
		},
		handler: handler,
		logger:  cfg.Logger,
	}
}

// Handler returns the root HTTP handler for use in tests.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Start begins serving HTTP requests.
func (s *Server) Start() error {
	s.logger.Info("http server starting", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Serve accepts connections on l instead of the configured port.
func (s *Server) Serve(l net.Listener) error {
	s.logger.Info("http server starting", "addr", l.Addr().String())
	return s.httpServer.Serve(l)
}

// Shutdown gracefully shuts down the HTTP server. Hijacked websocket
// connections are not tracked by net/http; close them separately.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("http server shutting down")
	return s.httpServer.Shutdown(ctx)
}
