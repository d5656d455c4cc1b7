package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics collects Prometheus metrics for the application.
type Metrics struct {
	registry        *prometheus.Registry
	handler         http.Handler
	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec

	transactionsTotal *prometheus.CounterVec
	projectionApplies prometheus.Counter
	malformedSkipped  prometheus.Counter
	projectionAsOf    prometheus.Gauge
}

// NewMetrics initialises the registry and base metrics.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	requests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "stockpile_http_requests_total",
		Help: "HTTP requests by route and status code.",
	}, []string{"route", "code"})
	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "stockpile_http_request_duration_seconds",
		Help:    "HTTP request duration per route.",
		Buckets: prometheus.DefBuckets,
	}, []string{"route"})
	transactions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "stockpile_ledger_transactions_total",
		Help: "Transactions appended to the stock ledger by type.",
	}, []string{"type"})
	applies := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "stockpile_ledger_projection_applies_total",
		Help: "Transactions folded into the stock projection.",
	})
	malformed := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "stockpile_ledger_malformed_skipped_total",
		Help: "Malformed transactions skipped during replay.",
	})
	asOf := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "stockpile_ledger_projection_asof_seq",
		Help: "Last transaction sequence folded into the projection.",
	})
	registry.MustRegister(requests, duration, transactions, applies, malformed, asOf)
	return &Metrics{
		registry:          registry,
		handler:           promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		requestsTotal:     requests,
		requestDuration:   duration,
		transactionsTotal: transactions,
		projectionApplies: applies,
		malformedSkipped:  malformed,
		projectionAsOf:    asOf,
	}
}

// Handler returns the http.Handler for the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, http.StatusText(http.StatusServiceUnavailable), http.StatusServiceUnavailable)
		})
	}
	return m.handler
}

// Middleware records metrics for every HTTP request.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	if m == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		recorder := statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(&recorder, r)
		route := routePattern(r)
		m.requestsTotal.WithLabelValues(route, strconv.Itoa(recorder.status)).Inc()
		m.requestDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	})
}

// TransactionAppended counts one accepted ledger mutation.
func (m *Metrics) TransactionAppended(txType string) {
	if m == nil {
		return
	}
	m.transactionsTotal.WithLabelValues(txType).Inc()
}

// ProjectionApplied counts one folded transaction and moves the as-of gauge.
func (m *Metrics) ProjectionApplied(seq int64) {
	if m == nil {
		return
	}
	m.projectionApplies.Inc()
	m.projectionAsOf.Set(float64(seq))
}

// MalformedSkipped counts one transaction skipped during replay.
func (m *Metrics) MalformedSkipped() {
	if m == nil {
		return
	}
	m.malformedSkipped.Inc()
}

// Registerer exposes the registry for custom metric registration.
func (m *Metrics) Registerer() prometheus.Registerer {
	if m == nil {
		return prometheus.DefaultRegisterer
	}
	return m.registry
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func routePattern(r *http.Request) string {
	if routeCtx := chi.RouteContext(r.Context()); routeCtx != nil {
		if pattern := routeCtx.RoutePattern(); pattern != "" {
			return pattern
		}
	}
	return "unknown"
}
