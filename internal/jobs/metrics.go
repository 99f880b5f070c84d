// Package jobmetrics holds the Prometheus collectors shared by background jobs.
package jobmetrics

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	outcomeSuccess = "success"
	outcomeFailure = "failure"
)

// Metrics exposes Prometheus collectors for background jobs. A nil *Metrics records nothing.
type Metrics struct {
	runs          *prometheus.CounterVec
	duration      *prometheus.HistogramVec
	lastSuccess   *prometheus.GaugeVec
	skipped       *prometheus.CounterVec
	discrepancies *prometheus.CounterVec
	linked        *prometheus.CounterVec
}

var (
	defaultOnce    sync.Once
	defaultMetrics *Metrics
)

// NewMetrics registers the job collectors with registerer. A nil registerer selects the
// process-wide default registry, registered once.
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	if registerer != nil {
		return register(registerer)
	}
	defaultOnce.Do(func() {
		defaultMetrics = register(prometheus.DefaultRegisterer)
	})
	return defaultMetrics
}

func register(registerer prometheus.Registerer) *Metrics {
	m := &Metrics{
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "billhub_jobs_total",
			Help: "Job executions by task type and outcome.",
		}, []string{"job", "status"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "billhub_job_duration_seconds",
			Help:    "Job execution time.",
			Buckets: []float64{0.05, 0.1, 0.5, 1, 5, 15, 60, 300},
		}, []string{"job"}),
		lastSuccess: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "billhub_job_last_success_timestamp_seconds",
			Help: "Unix time of the last successful run per task type.",
		}, []string{"job"}),
		skipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "billhub_jobs_skipped_total",
			Help: "Tenants skipped because another worker held the tenant lock.",
		}, []string{"job"}),
		discrepancies: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "billhub_ledger_discrepancies_total",
			Help: "Accounts whose current balance differs from opening balance plus movements.",
		}, []string{"tenant"}),
		linked: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "billhub_payments_linked_total",
			Help: "Payments linked to documents by background jobs.",
		}, []string{"tenant"}),
	}
	registerer.MustRegister(m.runs, m.duration, m.lastSuccess, m.skipped, m.discrepancies, m.linked)
	return m
}

// Tracker times a single job run.
type Tracker struct {
	metrics *Metrics
	job     string
	start   time.Time
}

// Track starts timing a run of job.
func (m *Metrics) Track(job string) *Tracker {
	return &Tracker{metrics: m, job: job, start: time.Now()}
}

// End records the outcome of the run and returns err unchanged.
func (t *Tracker) End(err error) error {
	if t == nil || t.metrics == nil {
		return err
	}
	outcome := outcomeSuccess
	if err != nil {
		outcome = outcomeFailure
	} else {
		t.metrics.lastSuccess.WithLabelValues(t.job).SetToCurrentTime()
	}
	t.metrics.runs.WithLabelValues(t.job, outcome).Inc()
	t.metrics.duration.WithLabelValues(t.job).Observe(time.Since(t.start).Seconds())
	return err
}

// Skipped counts a tenant passed over because its lock was held elsewhere.
func (m *Metrics) Skipped(job string) {
	if m == nil {
		return
	}
	m.skipped.WithLabelValues(job).Inc()
}

// AddDiscrepancies counts accounts whose balance disagrees with their movements.
func (m *Metrics) AddDiscrepancies(tenantID int64, count int) {
	if m == nil || count <= 0 {
		return
	}
	m.discrepancies.WithLabelValues(tenantLabel(tenantID)).Add(float64(count))
}

// AddLinked counts payments linked to documents by the background linker.
func (m *Metrics) AddLinked(tenantID int64, count int) {
	if m == nil || count <= 0 {
		return
	}
	m.linked.WithLabelValues(tenantLabel(tenantID)).Add(float64(count))
}

func tenantLabel(id int64) string {
	return strconv.FormatInt(id, 10)
}
