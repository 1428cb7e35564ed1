// Package metrics provides Prometheus instrumentation for the RPC
// surface and the address-pool background loops.
package metrics

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Metrics holds every Prometheus collector this daemon registers.
type Metrics struct {
	requestsTotal    *prometheus.CounterVec
	requestDuration  *prometheus.HistogramVec
	requestsInFlight prometheus.Gauge

	spawnsTotal   *prometheus.CounterVec
	spawnDuration prometheus.Histogram
	checkDuration prometheus.Histogram
	checksTotal   *prometheus.CounterVec

	poolIdle  *prometheus.GaugeVec
	poolUsing *prometheus.GaugeVec
	poolBad   *prometheus.GaugeVec

	routeReconciles *prometheus.CounterVec
}

// New creates and registers every collector against the default
// registry.
func New() *Metrics {
	return &Metrics{
		requestsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "poold_http_requests_total",
				Help: "Total number of RPC-surface HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		requestDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "poold_http_request_duration_seconds",
				Help:    "RPC-surface HTTP request duration in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
			},
			[]string{"method", "path", "status"},
		),
		requestsInFlight: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "poold_http_requests_in_flight",
				Help: "Number of RPC-surface requests currently being processed",
			},
		),
		spawnsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "poold_spawns_total",
				Help: "Total number of spawn attempts by outcome",
			},
			[]string{"outcome"},
		),
		spawnDuration: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "poold_spawn_duration_seconds",
				Help:    "Duration of a single spawn attempt",
				Buckets: prometheus.DefBuckets,
			},
		),
		checkDuration: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "poold_check_duration_seconds",
				Help:    "Duration of a single address usability probe",
				Buckets: prometheus.DefBuckets,
			},
		),
		checksTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "poold_checks_total",
				Help: "Total number of address checks by outcome",
			},
			[]string{"outcome"},
		),
		poolIdle: promauto.NewGaugeVec(
			prometheus.GaugeOpts{Name: "poold_pool_idle_addresses", Help: "Idle addresses per mirror"},
			[]string{"dbname"},
		),
		poolUsing: promauto.NewGaugeVec(
			prometheus.GaugeOpts{Name: "poold_pool_using_addresses", Help: "In-use addresses per mirror"},
			[]string{"dbname"},
		),
		poolBad: promauto.NewGaugeVec(
			prometheus.GaugeOpts{Name: "poold_pool_bad_addresses", Help: "Bad addresses per mirror"},
			[]string{"dbname"},
		),
		routeReconciles: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "poold_route_reconciles_total",
				Help: "Total number of route/ndppd reconcile cycles by outcome",
			},
			[]string{"outcome"},
		),
	}
}

// RecordHTTPRequest records one completed RPC-surface request.
func (m *Metrics) RecordHTTPRequest(method, path string, statusCode int, duration time.Duration) {
	status := strconv.Itoa(statusCode)
	m.requestsTotal.WithLabelValues(method, path, status).Inc()
	m.requestDuration.WithLabelValues(method, path, status).Observe(duration.Seconds())
}

// IncRequestsInFlight increments the in-flight gauge.
func (m *Metrics) IncRequestsInFlight() { m.requestsInFlight.Inc() }

// DecRequestsInFlight decrements the in-flight gauge.
func (m *Metrics) DecRequestsInFlight() { m.requestsInFlight.Dec() }

// RecordSpawn records one spawn attempt's outcome and latency.
func (m *Metrics) RecordSpawn(accepted bool, duration time.Duration) {
	outcome := "rejected"
	if accepted {
		outcome = "accepted"
	}
	m.spawnsTotal.WithLabelValues(outcome).Inc()
	m.spawnDuration.Observe(duration.Seconds())
}

// RecordCheck records one usability probe's outcome and latency.
func (m *Metrics) RecordCheck(usable bool, duration time.Duration) {
	outcome := "unusable"
	if usable {
		outcome = "usable"
	}
	m.checksTotal.WithLabelValues(outcome).Inc()
	m.checkDuration.Observe(duration.Seconds())
}

// SetMirrorGauges publishes a mirror's status breakdown.
func (m *Metrics) SetMirrorGauges(dbname string, idle, using, bad int) {
	m.poolIdle.WithLabelValues(dbname).Set(float64(idle))
	m.poolUsing.WithLabelValues(dbname).Set(float64(using))
	m.poolBad.WithLabelValues(dbname).Set(float64(bad))
}

// RecordRouteReconcile records one route-monitor tick's outcome.
func (m *Metrics) RecordRouteReconcile(ok bool) {
	outcome := "error"
	if ok {
		outcome = "ok"
	}
	m.routeReconciles.WithLabelValues(outcome).Inc()
}

// HTTPMiddleware wraps a handler to record request metrics.
func (m *Metrics) HTTPMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		m.IncRequestsInFlight()
		defer m.DecRequestsInFlight()

		start := time.Now()
		rw := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(rw, r)
		m.RecordHTTPRequest(r.Method, r.URL.Path, rw.statusCode, time.Since(start))
	})
}

type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (rw *statusRecorder) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Server serves the /metrics endpoint on its own port, separate from
// the RPC surface, so scraping never contends with request handling.
type Server struct {
	httpServer *http.Server
	log        *zap.SugaredLogger
}

// NewServer builds a metrics Server listening on port at path.
func NewServer(port int, path string, log *zap.SugaredLogger) *Server {
	mux := http.NewServeMux()
	mux.Handle(path, promhttp.Handler())
	return &Server{
		httpServer: &http.Server{Addr: fmt.Sprintf(":%d", port), Handler: mux},
		log:        log,
	}
}

// Start blocks serving metrics until Shutdown is called.
func (s *Server) Start() error {
	s.log.Infow("starting metrics server", "addr", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown gracefully stops the metrics server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
