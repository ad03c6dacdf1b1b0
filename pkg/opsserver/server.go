// Package opsserver exposes the engine's own operational surface —
// liveness and Prometheus metrics — kept separate from any
// deployment-engine-domain endpoint. Grounded on the teacher's metrics
// registration style (internal/app/metrics, infrastructure/metrics) but
// routed through go-chi/chi/v5, a teacher-declared direct dependency no
// teacher file actually imports.
package opsserver

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry holds this process's Prometheus collectors, separate from the
// default global registry so tests can construct an isolated one.
var Registry = prometheus.NewRegistry()

var (
	deploymentsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "deployengine",
			Subsystem: "deployments",
			Name:      "transitions_total",
			Help:      "Total number of deployment state transitions observed by the log router.",
		},
		[]string{"state"},
	)

	buildDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "deployengine",
			Subsystem: "build_queue",
			Name:      "build_duration_seconds",
			Help:      "Wall-clock duration of a Building phase.",
			Buckets:   prometheus.ExponentialBuckets(0.5, 2, 10),
		},
		[]string{"outcome"},
	)

	activeBuilds = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "deployengine",
			Subsystem: "build_queue",
			Name:      "active_builds",
			Help:      "Number of builds currently running within the build concurrency cap.",
		},
	)

	broadcastDrops = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "deployengine",
			Subsystem: "log_router",
			Name:      "broadcast_drops_total",
			Help:      "Log entries dropped because a subscriber's channel was full.",
		},
	)
)

func init() {
	Registry.MustRegister(deploymentsTotal, buildDuration, activeBuilds, broadcastDrops, collectors.NewGoCollector())
}

// RecordTransition increments the transitions counter for a terminal or
// intermediate state.
func RecordTransition(state string) {
	deploymentsTotal.WithLabelValues(state).Inc()
}

// RecordBuildDuration observes how long a build took to leave Building.
func RecordBuildDuration(outcome string, d time.Duration) {
	buildDuration.WithLabelValues(outcome).Observe(d.Seconds())
}

// SetActiveBuilds reports the current count of builds running within the
// build concurrency cap, counted before the gateway slot is requested.
func SetActiveBuilds(n int) {
	activeBuilds.Set(float64(n))
}

// RecordBroadcastDrop counts one log entry a subscriber never received
// because its channel was full.
func RecordBroadcastDrop() {
	broadcastDrops.Inc()
}

// HealthChecker reports whether the engine considers itself ready to serve.
type HealthChecker interface {
	Healthy(ctx context.Context) error
}

// Server is a minimal chi-routed HTTP server exposing /healthz and
// /metrics; it has no knowledge of deployments, services, or builds beyond
// the HealthChecker it wraps.
type Server struct {
	addr    string
	checker HealthChecker
	http    *http.Server
}

// New builds a Server bound to addr.
func New(addr string, checker HealthChecker) *Server {
	r := chi.NewRouter()
	s := &Server{addr: addr, checker: checker}

	r.Get("/healthz", s.handleHealthz)
	r.Handle("/metrics", promhttp.HandlerFor(Registry, promhttp.HandlerOpts{}))

	s.http = &http.Server{Addr: addr, Handler: r}
	return s
}

// Name implements system.Service.
func (s *Server) Name() string { return "ops-server" }

// Start implements system.Service; it begins serving in the background and
// returns immediately.
func (s *Server) Start(context.Context) error {
	go func() {
		_ = s.http.ListenAndServe()
	}()
	return nil
}

// Stop implements system.Service.
func (s *Server) Stop(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if s.checker != nil {
		if err := s.checker.Healthy(r.Context()); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(err.Error()))
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}
