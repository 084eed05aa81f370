package metrics

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/piwi3910/rdmalink/internal/health"
)

// DefaultAddress is where the metrics endpoint listens unless configured.
const DefaultAddress = ":9464"

// Server serves /metrics and the health endpoints.
type Server struct {
	http     *http.Server
	listener net.Listener
}

// NewServer builds the router. checker may be nil, in which case the health
// endpoints report healthy with no checks.
func NewServer(addr string, checker *health.Checker) *Server {
	if addr == "" {
		addr = DefaultAddress
	}

	if checker == nil {
		checker = health.NewChecker(health.DefaultCacheTTL)
	}

	return &Server{
		http: &http.Server{
			Addr:              addr,
			Handler:           newRouter(checker),
			ReadHeaderTimeout: 10 * time.Second,
			ReadTimeout:       30 * time.Second,
			WriteTimeout:      30 * time.Second,
			IdleTimeout:       120 * time.Second,
		},
	}
}

func newRouter(checker *health.Checker) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	healthHandler := health.NewHandler(checker)
	r.Get("/healthz", healthHandler.HealthHandler)
	r.Get("/healthz/live", healthHandler.LivenessHandler)
	r.Get("/healthz/ready", healthHandler.ReadinessHandler)
	r.Get("/healthz/detail", healthHandler.DetailedHandler)

	r.Handle("/metrics", promhttp.Handler())

	return r
}

// Name identifies the server in shutdown logs.
func (s *Server) Name() string {
	return "metrics"
}

// Handler exposes the router.
func (s *Server) Handler() http.Handler {
	return s.http.Handler
}

// Listen binds the configured address.
func (s *Server) Listen() error {
	ln, err := net.Listen("tcp", s.http.Addr)
	if err != nil {
		return fmt.Errorf("metrics listen on %s: %w", s.http.Addr, err)
	}

	s.listener = ln

	return nil
}

// Addr returns the bound address, or the configured one before Listen.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}

	return s.http.Addr
}

// Serve blocks until Shutdown. It binds first if Listen was not called.
func (s *Server) Serve() error {
	if s.listener == nil {
		if err := s.Listen(); err != nil {
			return err
		}
	}

	log.Info().Str("address", s.Addr()).Msg("Prometheus metrics available at /metrics")

	if err := s.http.Serve(s.listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("metrics server error: %w", err)
	}

	return nil
}

// Shutdown stops the server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}
