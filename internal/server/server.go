package server

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/openloom/plugin-server/pkg/logger"
)

// pinger is any dependency with a cheap liveness probe.
type pinger interface {
	Ping(ctx context.Context) error
}

// Params configures New.
type Params struct {
	Port string
	DB   pinger
	// Redis is optional in celery-less deployments.
	Redis pinger
	// Gatherer serves /metrics; nil disables the endpoint.
	Gatherer prometheus.Gatherer
	Logg     *logger.Logger
}

// Server is the operational HTTP surface: health, readiness and metrics. It
// serves no product traffic.
type Server struct {
	http *http.Server
	logg *logger.Logger
}

// New builds the health server.
func New(params Params) (*Server, error) {
	if params.Port == "" {
		return nil, errors.New("health port is required")
	}
	if params.Logg == nil {
		return nil, errors.New("logger is required")
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/_health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Get("/_ready", readyHandler(params))
	if params.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(params.Gatherer, promhttp.HandlerOpts{}))
	}

	return &Server{
		http: &http.Server{
			Addr:              net.JoinHostPort("", params.Port),
			Handler:           r,
			ReadHeaderTimeout: 5 * time.Second,
		},
		logg: params.Logg,
	}, nil
}

func readyHandler(params Params) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		checks := map[string]string{}
		ready := true
		probe := func(name string, p pinger) {
			if p == nil {
				return
			}
			if err := p.Ping(ctx); err != nil {
				checks[name] = err.Error()
				ready = false
				return
			}
			checks[name] = "ok"
		}
		probe("database", params.DB)
		probe("redis", params.Redis)

		status := http.StatusOK
		if !ready {
			status = http.StatusServiceUnavailable
		}
		writeJSON(w, status, map[string]any{"ready": ready, "checks": checks})
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// Start serves until Shutdown; it returns http.ErrServerClosed on a clean
// stop.
func (s *Server) Start() error {
	return s.http.ListenAndServe()
}

// Handler exposes the router; tests drive it without a listener.
func (s *Server) Handler() http.Handler {
	return s.http.Handler
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}
