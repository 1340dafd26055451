package core

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/SkynetNext/xsk-fastpath/internal/config"
	"github.com/SkynetNext/xsk-fastpath/internal/middleware"
	"github.com/SkynetNext/xsk-fastpath/pkg/xlog"
)

// Server runs the daemon's modules and its metrics/admin listener.
type Server struct {
	cfg       *config.Config
	lifecycle Lifecycle
	mux       *http.ServeMux
	httpSrv   *http.Server
	addr      atomic.Value // net.Addr
	draining  atomic.Bool
	wg        sync.WaitGroup
}

func NewServer(cfg *config.Config) *Server {
	s := &Server{
		cfg: cfg,
		mux: http.NewServeMux(),
	}
	s.mux.Handle("/metrics", promhttp.Handler())
	s.mux.HandleFunc("/health", s.healthHandler)
	s.mux.HandleFunc("/ready", s.readyHandler) // K8s readiness check
	return s
}

// Mux returns the metrics/admin mux so other packages can add routes.
func (s *Server) Mux() *http.ServeMux {
	return s.mux
}

// Register adds a module; modules start in registration order.
func (s *Server) Register(m Module) {
	s.lifecycle.Register(m)
}

// Start starts every module, then the metrics/admin listener (if enabled).
// On failure everything already started is stopped again.
func (s *Server) Start(ctx context.Context) error {
	if err := s.lifecycle.Start(ctx); err != nil {
		return err
	}
	if !s.cfg.Metrics.Enabled {
		return nil
	}

	ln, err := net.Listen("tcp", s.cfg.Metrics.ListenAddr)
	if err != nil {
		return errors.Join(err, s.lifecycle.Stop(ctx))
	}
	s.addr.Store(ln.Addr())
	s.httpSrv = &http.Server{
		Handler:           middleware.TracingMiddleware(s.mux),
		ReadHeaderTimeout: 5 * time.Second,
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		xlog.Infof("Metrics server listening on %s", ln.Addr())
		if err := s.httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			xlog.Errorf("Metrics server error: %v", err)
		}
	}()
	return nil
}

// Addr returns the metrics/admin listener address, or nil before Start.
func (s *Server) Addr() net.Addr {
	a, _ := s.addr.Load().(net.Addr)
	return a
}

// GracefulShutdown handles the shutdown process
func (s *Server) GracefulShutdown(timeout time.Duration) error {
	xlog.Infof("Entering Drain Mode...")

	// This causes /ready to return 503, prompting K8s to remove this pod from endpoints
	s.draining.Store(true)
	if d := s.cfg.Lifecycle.DrainDelay; d > 0 {
		xlog.Infof("Waiting %v for K8s to deregister endpoints...", d)
		time.Sleep(d)
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	var errs []error
	// Modules first so sockets and the kernel program go away while the
	// admin API still answers.
	errs = append(errs, s.lifecycle.Stop(ctx))
	if s.httpSrv != nil {
		errs = append(errs, s.httpSrv.Shutdown(ctx))
	}
	s.wg.Wait()

	xlog.Infof("All goroutines finished. Shutdown complete.")
	return errors.Join(errs...)
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

// readyHandler for K8s readiness check
func (s *Server) readyHandler(w http.ResponseWriter, r *http.Request) {
	if s.draining.Load() {
		// In drain mode, return 503 to signal K8s to stop sending traffic
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte("Draining"))
		return
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("Ready"))
}
