package monitor

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"aiexec-sandbox/internal/executor"
)

// Metrics holds all Prometheus metrics for the execution engine.
type Metrics struct {
	Registry *prometheus.Registry

	ExecutionsTotal   *prometheus.CounterVec
	ExecutionDuration *prometheus.HistogramVec
	QueueRejections   prometheus.Counter
	ActiveExecutions  prometheus.Gauge
	AuthAttempts      *prometheus.CounterVec
	SecurityEvents    *prometheus.CounterVec
	RequestsInFlight  prometheus.Gauge
	CodeSizeBytes     prometheus.Histogram
	OutputSizeBytes   prometheus.Histogram
}

// NewMetrics creates and registers all Prometheus metrics using a dedicated
// registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		Registry: reg,

		ExecutionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "aiexec",
				Name:      "executions_total",
				Help:      "Total number of code executions by language and terminal status.",
			},
			[]string{"language", "status"},
		),

		ExecutionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "aiexec",
				Name:      "execution_duration_seconds",
				Help:      "Duration of code executions in seconds.",
				Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
			},
			[]string{"language"},
		),

		QueueRejections: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "aiexec",
				Name:      "queue_rejections_total",
				Help:      "Submissions rejected because no execution slot freed in time.",
			},
		),

		ActiveExecutions: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "aiexec",
				Name:      "active_executions",
				Help:      "Number of currently running executions.",
			},
		),

		AuthAttempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "aiexec",
				Subsystem: "auth",
				Name:      "attempts_total",
				Help:      "Credential verification and privilege checks by outcome.",
			},
			[]string{"outcome"},
		),

		SecurityEvents: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "aiexec",
				Name:      "security_events_total",
				Help:      "Security events detected before or during execution.",
			},
			[]string{"type"},
		),

		RequestsInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "aiexec",
				Subsystem: "api",
				Name:      "requests_in_flight",
				Help:      "Number of HTTP requests currently being processed.",
			},
		),

		CodeSizeBytes: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "aiexec",
				Name:      "code_size_bytes",
				Help:      "Size of submitted code in bytes.",
				Buckets:   prometheus.ExponentialBuckets(100, 4, 8),
			},
		),

		OutputSizeBytes: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "aiexec",
				Name:      "output_size_bytes",
				Help:      "Size of execution output in bytes.",
				Buckets:   prometheus.ExponentialBuckets(10, 4, 8),
			},
		),
	}

	reg.MustRegister(
		m.ExecutionsTotal,
		m.ExecutionDuration,
		m.QueueRejections,
		m.ActiveExecutions,
		m.AuthAttempts,
		m.SecurityEvents,
		m.RequestsInFlight,
		m.CodeSizeBytes,
		m.OutputSizeBytes,
	)

	return m
}

// ObserveExecution satisfies executor.Observer.
func (m *Metrics) ObserveExecution(language string, status executor.Status, d time.Duration) {
	m.ExecutionsTotal.WithLabelValues(language, string(status)).Inc()
	m.ExecutionDuration.WithLabelValues(language).Observe(d.Seconds())
}

// ObserveQueueRejection satisfies executor.Observer.
func (m *Metrics) ObserveQueueRejection() {
	m.QueueRejections.Inc()
}

// SetActiveExecutions satisfies executor.Observer.
func (m *Metrics) SetActiveExecutions(n int64) {
	m.ActiveExecutions.Set(float64(n))
}

// RecordAuthAttempt counts one verification or privilege-check outcome.
func (m *Metrics) RecordAuthAttempt(outcome string) {
	m.AuthAttempts.WithLabelValues(outcome).Inc()
}

// RecordSecurityEvent counts a detected security event.
func (m *Metrics) RecordSecurityEvent(eventType string) {
	m.SecurityEvents.WithLabelValues(eventType).Inc()
}

var _ executor.Observer = (*Metrics)(nil)
