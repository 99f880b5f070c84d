package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	jobmetrics "github.com/billhub/billhub/internal/jobs"
)

// Metrics collects Prometheus metrics for the service. A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry        *prometheus.Registry
	handler         http.Handler
	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec

	collisions       *prometheus.CounterVec
	exhausted        *prometheus.CounterVec
	documentsIssued  *prometheus.CounterVec
	returnsProcessed prometheus.Counter
	paymentsRecorded prometheus.Counter
	idempotentReplay prometheus.Counter

	jobs *jobmetrics.Metrics
}

// NewMetrics initialises the registry with HTTP, domain and job collectors.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	requests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "billhub_http_requests_total",
		Help: "HTTP requests by route and status code.",
	}, []string{"route", "code"})
	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "billhub_http_request_duration_seconds",
		Help:    "HTTP request duration per route.",
		Buckets: prometheus.DefBuckets,
	}, []string{"route"})
	collisions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "billhub_sequence_collisions_total",
		Help: "Document number collisions resolved by the savepoint retry loop.",
	}, []string{"series"})
	exhausted := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "billhub_sequence_exhausted_total",
		Help: "Allocations that ran out of retry attempts.",
	}, []string{"series"})
	issued := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "billhub_documents_issued_total",
		Help: "Documents committed by kind.",
	}, []string{"kind"})
	processed := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "billhub_returns_processed_total",
		Help: "Returns settled.",
	})
	payments := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "billhub_payments_recorded_total",
		Help: "Confirmed payments recorded.",
	})
	replays := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "billhub_idempotent_replays_total",
		Help: "Responses served from the idempotency store.",
	})
	registry.MustRegister(requests, duration, collisions, exhausted, issued, processed, payments, replays)
	return &Metrics{
		registry:         registry,
		handler:          promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		requestsTotal:    requests,
		requestDuration:  duration,
		collisions:       collisions,
		exhausted:        exhausted,
		documentsIssued:  issued,
		returnsProcessed: processed,
		paymentsRecorded: payments,
		idempotentReplay: replays,
		jobs:             jobmetrics.NewMetrics(registry),
	}
}

// Handler returns the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, http.StatusText(http.StatusServiceUnavailable), http.StatusServiceUnavailable)
		})
	}
	return m.handler
}

// Middleware records request count and latency per route pattern.
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

// Registerer exposes the registry for custom collectors.
func (m *Metrics) Registerer() prometheus.Registerer {
	if m == nil {
		return prometheus.DefaultRegisterer
	}
	return m.registry
}

// Jobs returns the background job collectors registered with this registry.
func (m *Metrics) Jobs() *jobmetrics.Metrics {
	if m == nil {
		return nil
	}
	return m.jobs
}

func (m *Metrics) ObserveCollision(series string) {
	if m == nil {
		return
	}
	m.collisions.WithLabelValues(series).Inc()
}

func (m *Metrics) ObserveExhausted(series string) {
	if m == nil {
		return
	}
	m.exhausted.WithLabelValues(series).Inc()
}

func (m *Metrics) DocumentIssued(kind string) {
	if m == nil {
		return
	}
	m.documentsIssued.WithLabelValues(kind).Inc()
}

func (m *Metrics) ReturnProcessed() {
	if m == nil {
		return
	}
	m.returnsProcessed.Inc()
}

func (m *Metrics) PaymentRecorded() {
	if m == nil {
		return
	}
	m.paymentsRecorded.Inc()
}

func (m *Metrics) IdempotentReplay() {
	if m == nil {
		return
	}
	m.idempotentReplay.Inc()
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
