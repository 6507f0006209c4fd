// Package api provides the status HTTP server: Prometheus metrics and a
// JSON health endpoint.
package api

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Server is an HTTP API server
type Server struct {
	httpServer    *http.Server
	mux           *http.ServeMux
	healthHandler *HealthHandler
	limiter       *RateLimiter
	logger        *zap.Logger
}

// NewServer creates a new API server. metrics may be nil, in which case
// /metrics is not registered.
func NewServer(addr string, reporter HealthReporter, metrics *Metrics, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	mux := http.NewServeMux()

	// 120 requests per minute per IP is plenty for a scraper plus a probe.
	limiter := NewRateLimiter(120, time.Minute)

	healthHandler := NewHealthHandler(reporter, logger)
	mux.HandleFunc("/healthz", limiter.Middleware(healthHandler.handleHealth))

	if reg := metrics.Registry(); reg != nil {
		metricsHandler := promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
		mux.HandleFunc("/metrics", limiter.Middleware(metricsHandler.ServeHTTP))
	}

	return &Server{
		httpServer: &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
			ReadTimeout:       10 * time.Second,
			WriteTimeout:      10 * time.Second,
			MaxHeaderBytes:    1 << 20, // 1 MB
		},
		mux:           mux,
		healthHandler: healthHandler,
		limiter:       limiter,
		logger:        logger,
	}
}

// Handler returns the root handler, for tests.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// Start binds the listener and serves until Shutdown. The returned error is
// only from binding; serve errors are logged.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return err
	}
	s.logger.Info("Starting status server", zap.String("addr", ln.Addr().String()))
	go func() {
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("Status server error", zap.Error(err))
		}
	}()
	return nil
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down status server")
	s.limiter.Close()
	return s.httpServer.Shutdown(ctx)
}
