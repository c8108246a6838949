// File: internal/monitor/server.go
package monitor

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const shutdownTimeout = 5 * time.Second

// Server exposes /metrics, /healthz and the /ws event stream.
type Server struct {
	hub    *Hub
	srv    *http.Server
	logger *zap.Logger
}

// NewServer wires the handlers. gatherer supplies /metrics; nil uses the default registry.
func NewServer(addr string, hub *Hub, gatherer prometheus.Gatherer, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "OK")
	})
	mux.HandleFunc("/ws", hub.HandleWS)

	return &Server{
		hub:    hub,
		srv:    &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second},
		logger: logger.Named("monitor"),
	}
}

// Handler returns the server's mux, for tests.
func (s *Server) Handler() http.Handler { return s.srv.Handler }

// Serve runs the hub and the HTTP server until ctx ends, then shuts both down.
func (s *Server) Serve(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.srv.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.srv.Addr, err)
	}
	return s.serve(ctx, ln)
}

func (s *Server) serve(ctx context.Context, ln net.Listener) error {
	hubCtx, stopHub := context.WithCancel(ctx)
	defer stopHub()
	hubDone := make(chan struct{})
	go func() {
		defer close(hubDone)
		s.hub.Run(hubCtx)
	}()

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Monitor server listening", zap.String("address", ln.Addr().String()))
		// ErrServerClosed is the normal result of Shutdown.
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	var serveErr error
	select {
	case <-ctx.Done():
	case serveErr = <-errCh:
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := s.srv.Shutdown(shutdownCtx); err != nil {
		s.logger.Error("Monitor server shutdown failed", zap.Error(err))
	}
	stopHub()
	<-hubDone
	if serveErr != nil {
		return fmt.Errorf("monitor server failed: %w", serveErr)
	}
	s.logger.Debug("Monitor server shut down gracefully.")
	return nil
}
