package metrics

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// HealthFunc reports whether the process is healthy. A nil HealthFunc always reports healthy.
type HealthFunc func() error

// Server exposes /metrics for Prometheus and /health for liveness checks.
type Server struct {
	addr       string
	listener   net.Listener
	httpServer *http.Server
}

// NewServer builds the server for addr without binding it. /health answers 503 with the
// error text while health fails.
func NewServer(addr string, gatherer prometheus.Gatherer, health HealthFunc) *Server {
	return &Server{
		addr: addr,
		httpServer: &http.Server{
			Handler:           newMux(gatherer, health),
			ReadHeaderTimeout: 10 * time.Second,
		},
	}
}

func newMux(gatherer prometheus.Gatherer, health HealthFunc) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	}))
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		if health != nil {
			if err := health(); err != nil {
				w.WriteHeader(http.StatusServiceUnavailable)
				_, _ = io.WriteString(w, err.Error())
				return
			}
		}
		_, _ = io.WriteString(w, "ok")
	})
	return mux
}

// Start binds the address and serves in the background. Bind failures are returned directly;
// the channel carries a later serve failure and is closed once serving stops.
func (s *Server) Start() (<-chan error, error) {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return nil, fmt.Errorf("metrics server listen on %s: %w", s.addr, err)
	}
	s.listener = ln

	errCh := make(chan error, 1)
	go func() {
		defer close(errCh)
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("metrics server: %w", err)
		}
	}()
	return errCh, nil
}

// Addr is the bound address once Start succeeded, else the configured one.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

// Shutdown stops accepting scrapes and waits for in-flight ones until ctx is done.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
