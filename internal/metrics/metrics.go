package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	globalMetrics *Metrics
	globalMu      sync.RWMutex
)

// Metrics holds all Prometheus metrics for RelayQ
type Metrics struct {
	// Job counters
	JobsCreatedTotal   *prometheus.CounterVec
	JobsSentTotal      *prometheus.CounterVec
	JobsFailedTotal    *prometheus.CounterVec
	JobsRetriedTotal   *prometheus.CounterVec
	JobsCancelledTotal prometheus.Counter

	// Queue gauges
	QueuePending         prometheus.Gauge
	QueueInFlight        prometheus.Gauge
	QueueFailedTransient prometheus.Gauge

	// Dispatch
	LimiterWaitSeconds  prometheus.Histogram
	DispatchPassSeconds prometheus.Histogram

	// API metrics
	APIRequestsTotal          *prometheus.CounterVec
	APIRequestDurationSeconds *prometheus.HistogramVec

	// System metrics
	UptimeSeconds    prometheus.Gauge
	Goroutines       prometheus.Gauge
	StorageUsedBytes prometheus.Gauge

	registry *prometheus.Registry
}

// New creates a new Metrics instance with all metrics registered
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		JobsCreatedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relayq_jobs_created_total",
				Help: "Total number of jobs accepted",
			},
			[]string{"source"},
		),
		JobsSentTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relayq_jobs_sent_total",
				Help: "Total number of successfully delivered jobs",
			},
			[]string{"domain"},
		),
		JobsFailedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relayq_jobs_failed_total",
				Help: "Total number of failed delivery attempts",
			},
			[]string{"domain", "kind"},
		),
		JobsRetriedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relayq_jobs_retried_total",
				Help: "Total number of retries scheduled",
			},
			[]string{"domain"},
		),
		JobsCancelledTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "relayq_jobs_cancelled_total",
				Help: "Total number of jobs cancelled before dispatch",
			},
		),

		QueuePending: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "relayq_queue_pending",
				Help: "Number of jobs waiting for dispatch",
			},
		),
		QueueInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "relayq_queue_in_flight",
				Help: "Number of jobs currently being delivered",
			},
		),
		QueueFailedTransient: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "relayq_queue_failed_transient",
				Help: "Number of jobs awaiting retry scheduling",
			},
		),

		LimiterWaitSeconds: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "relayq_limiter_wait_seconds",
				Help:    "Time spent waiting on the send rate limiter",
				Buckets: []float64{.001, .01, .1, .5, 1, 2.5, 5, 10, 30, 60},
			},
		),
		DispatchPassSeconds: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "relayq_dispatch_pass_seconds",
				Help:    "Duration of one dispatch pass",
				Buckets: []float64{.01, .05, .1, .5, 1, 5, 15, 60},
			},
		),

		APIRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relayq_api_requests_total",
				Help: "Total number of API requests",
			},
			[]string{"method", "path", "status"},
		),
		APIRequestDurationSeconds: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "relayq_api_request_duration_seconds",
				Help:    "API request duration in seconds",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
			},
			[]string{"method", "path"},
		),

		UptimeSeconds: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "relayq_uptime_seconds",
				Help: "Process uptime in seconds",
			},
		),
		Goroutines: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "relayq_goroutines",
				Help: "Number of active goroutines",
			},
		),
		StorageUsedBytes: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "relayq_storage_used_bytes",
				Help: "BoltDB file size in bytes",
			},
		),

		registry: reg,
	}

	reg.MustRegister(
		m.JobsCreatedTotal,
		m.JobsSentTotal,
		m.JobsFailedTotal,
		m.JobsRetriedTotal,
		m.JobsCancelledTotal,
		m.QueuePending,
		m.QueueInFlight,
		m.QueueFailedTransient,
		m.LimiterWaitSeconds,
		m.DispatchPassSeconds,
		m.APIRequestsTotal,
		m.APIRequestDurationSeconds,
		m.UptimeSeconds,
		m.Goroutines,
		m.StorageUsedBytes,
	)

	return m
}

// Registry returns the Prometheus registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// SetGlobal sets the global metrics instance
func SetGlobal(m *Metrics) {
	globalMu.Lock()
	defer globalMu.Unlock()
	globalMetrics = m
}

// Global returns the global metrics instance
func Global() *Metrics {
	globalMu.RLock()
	defer globalMu.RUnlock()
	return globalMetrics
}

// IncJobsCreated increments the accepted job counter
func IncJobsCreated(source string) {
	m := Global()
	if m != nil {
		m.JobsCreatedTotal.WithLabelValues(source).Inc()
	}
}

// AddJobsCreated adds a batch to the accepted job counter
func AddJobsCreated(source string, n int) {
	m := Global()
	if m != nil && n > 0 {
		m.JobsCreatedTotal.WithLabelValues(source).Add(float64(n))
	}
}

// IncJobsSent increments the delivered job counter
func IncJobsSent(domain string) {
	m := Global()
	if m != nil {
		m.JobsSentTotal.WithLabelValues(domain).Inc()
	}
}

// IncJobsFailed increments the failed attempt counter
func IncJobsFailed(domain, kind string) {
	m := Global()
	if m != nil {
		m.JobsFailedTotal.WithLabelValues(domain, kind).Inc()
	}
}

// IncJobsRetried increments the retry counter
func IncJobsRetried(domain string) {
	m := Global()
	if m != nil {
		m.JobsRetriedTotal.WithLabelValues(domain).Inc()
	}
}

// IncJobsCancelled increments the cancelled job counter
func IncJobsCancelled() {
	m := Global()
	if m != nil {
		m.JobsCancelledTotal.Inc()
	}
}

// ObserveLimiterWait records a limiter wait duration
func ObserveLimiterWait(d time.Duration) {
	m := Global()
	if m != nil {
		m.LimiterWaitSeconds.Observe(d.Seconds())
	}
}

// ObserveDispatchPass records a dispatch pass duration
func ObserveDispatchPass(d time.Duration) {
	m := Global()
	if m != nil {
		m.DispatchPassSeconds.Observe(d.Seconds())
	}
}
