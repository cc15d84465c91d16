// Package api exposes the gateway's HTTP surface: one handler per
// request/reply exchange, the fire-and-forget publishes and the
// operational endpoints.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/glimte/mmate-gateway/bridge"
	"github.com/glimte/mmate-gateway/contracts"
	"github.com/glimte/mmate-gateway/health"
	"github.com/glimte/mmate-gateway/internal/telemetry"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Requester is implemented by bridge.SyncAsyncBridge
type Requester interface {
	Submit(ctx context.Context, outbound string, payload contracts.Envelope, inbound string, timeout time.Duration, opts ...bridge.SubmitOption) (*contracts.Reply, error)
	Send(ctx context.Context, destination string, payload contracts.Envelope, opts ...bridge.SubmitOption) error
}

// RouteOverrides supplies per-route timeout and correlation mode, as
// config.Config does
type RouteOverrides interface {
	RouteTimeout(route string, def time.Duration) time.Duration
	RouteMode(route string) (bridge.Mode, error)
}

// Server runs the gateway's HTTP API
type Server struct {
	requester Requester
	routes    RouteOverrides
	health    *health.Registry
	metrics   *telemetry.Metrics
	gatherer  prometheus.Gatherer
	logger    *slog.Logger
	now       func() time.Time
}

// Option configures the Server
type Option func(*Server)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithRouteOverrides applies per-route timeouts and modes
func WithRouteOverrides(routes RouteOverrides) Option {
	return func(s *Server) {
		s.routes = routes
	}
}

// WithHealthRegistry serves registry on /api/ready
func WithHealthRegistry(registry *health.Registry) Option {
	return func(s *Server) {
		s.health = registry
	}
}

// WithMetrics records HTTP metrics into m and serves gatherer on /metrics
func WithMetrics(m *telemetry.Metrics, gatherer prometheus.Gatherer) Option {
	return func(s *Server) {
		s.metrics = m
		s.gatherer = gatherer
	}
}

// NewServer creates a new API server over requester
func NewServer(requester Requester, opts ...Option) *Server {
	s := &Server{
		requester: requester,
		health:    health.NewRegistry(),
		logger:    slog.Default(),
		now:       time.Now,
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// Router builds the HTTP routes
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(s.requestLogging, s.recoverPanics)
	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "not_found", "route not found")
	})
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
	})

	api := r.PathPrefix("/api").Subrouter()

	api.Handle("/health", health.LivenessHandler()).Methods(http.MethodGet).Name("health")
	api.Handle("/ready", health.NewHandler(s.health, 5*time.Second)).Methods(http.MethodGet).Name("ready")

	for _, ex := range exchanges {
		api.HandleFunc(ex.path, s.handleExchange(ex)).Methods(ex.method).Name(ex.name)
	}

	api.HandleFunc("/profiles-therapist/add-therapist", s.handleAddTherapist).
		Methods(http.MethodPost).Name("addTherapist")
	api.HandleFunc("/test-broker-connection", s.handleTestBrokerConnection).
		Methods(http.MethodPost).Name("testBrokerConnection")

	if s.gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})).
			Methods(http.MethodGet).Name("metrics")
	}

	return r
}

func (s *Server) timestamp() string {
	return contracts.FormatTimestamp(s.now())
}
