// Package jobs runs the periodic background work of the credit service
// (dead-letter webhook replay, idempotency and rate limit cleanup, balance
// reconciliation) and exposes its metrics.
package jobs

import (
	"github.com/prometheus/client_golang/prometheus"
)

const (
	MetricJobsTotal      = "creditledger_background_jobs_total"
	MetricJobsDuration   = "creditledger_background_jobs_duration_seconds"
	MetricJobErrorsTotal = "creditledger_background_job_errors_total"
	MetricJobLastSuccess = "creditledger_background_job_last_success_timestamp_seconds"
)

// Job types, used as the job_type label.
const (
	JobTypeWebhookReplay      = "webhook_replay"
	JobTypeIdempotencyCleanup = "idempotency_cleanup"
	JobTypeBalanceReconcile   = "balance_reconcile"
	JobTypeRateLimitCleanup   = "rate_limit_cleanup"
)

const (
	StatusSuccess = "success"
	StatusFailure = "failure"
)

// Metrics counts job runs. A nil *Metrics records nothing.
type Metrics struct {
	jobsTotal    *prometheus.CounterVec
	jobsDuration *prometheus.HistogramVec
	jobErrors    *prometheus.CounterVec
	lastSuccess  *prometheus.GaugeVec
}

// NewMetrics creates unregistered job metrics.
func NewMetrics() *Metrics {
	return &Metrics{
		jobsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: MetricJobsTotal,
			Help: "Background job runs by type and status.",
		}, []string{"job_type", "status"}),
		jobsDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    MetricJobsDuration,
			Help:    "Background job run duration in seconds.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 120},
		}, []string{"job_type"}),
		jobErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: MetricJobErrorsTotal,
			Help: "Failed background job runs by type and error class.",
		}, []string{"job_type", "error_type"}),
		// A stale value means replay or reconciliation has stopped making progress.
		lastSuccess: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: MetricJobLastSuccess,
			Help: "Unix time of the last successful run per job type.",
		}, []string{"job_type"}),
	}
}

// Register adds the job collectors to reg.
func (m *Metrics) Register(reg prometheus.Registerer) error {
	for _, c := range []prometheus.Collector{m.jobsTotal, m.jobsDuration, m.jobErrors, m.lastSuccess} {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

func (m *Metrics) IncJobsTotal(jobType, status string) {
	if m == nil {
		return
	}
	m.jobsTotal.WithLabelValues(jobType, status).Inc()
}

func (m *Metrics) ObserveJobDuration(jobType string, seconds float64) {
	if m == nil {
		return
	}
	m.jobsDuration.WithLabelValues(jobType).Observe(seconds)
}

// IncJobErrors counts a failure; errorType is a short class such as "timeout".
func (m *Metrics) IncJobErrors(jobType, errorType string) {
	if m == nil {
		return
	}
	m.jobErrors.WithLabelValues(jobType, errorType).Inc()
}

// SetLastSuccess records unixSeconds as the last successful run of jobType.
func (m *Metrics) SetLastSuccess(jobType string, unixSeconds float64) {
	if m == nil {
		return
	}
	m.lastSuccess.WithLabelValues(jobType).Set(unixSeconds)
}
