// Package metrics provides Prometheus instrumentation for uploads.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Namespace prefixes every metric name.
const Namespace = "mediaupload"

// Metrics holds the upload collectors. A nil *Metrics is valid and records
// nothing, so components can be built without instrumentation.
type Metrics struct {
	// Session outcomes
	SessionsTotal *prometheus.CounterVec // mediaupload_sessions_total{outcome}

	// Scheduler gauges
	ActiveSessions prometheus.Gauge
	QueuedSessions prometheus.Gauge

	// Transfer stats
	BytesUploaded prometheus.Counter
	PartRetries   prometheus.Counter
	PartDuration  prometheus.Histogram

	// Credential fetches by reason (initial, refresh)
	CredentialFetches *prometheus.CounterVec // mediaupload_credential_fetches_total{reason}
}

// New creates the upload metrics and registers them with registry.
// A nil registry creates unregistered collectors.
func New(registry prometheus.Registerer) *Metrics {
	factory := promauto.With(registry)
	return &Metrics{
		SessionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "sessions_total",
			Help:      "Upload sessions that reached a terminal phase, by outcome",
		}, []string{"outcome"}),

		ActiveSessions: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "active_sessions",
			Help:      "Upload sessions currently running",
		}),

		QueuedSessions: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "queued_sessions",
			Help:      "Upload sessions waiting for a slot",
		}),

		BytesUploaded: factory.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "uploaded_bytes_total",
			Help:      "Bytes acknowledged by object storage",
		}),

		PartRetries: factory.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "part_retries_total",
			Help:      "Part uploads repeated after a transient failure",
		}),

		PartDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: Namespace,
			Name:      "part_duration_seconds",
			Help:      "Time to upload one part, including retries",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
		}),

		CredentialFetches: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "credential_fetches_total",
			Help:      "Temporary credentials fetched from the backend, by reason",
		}, []string{"reason"}),
	}
}

// SessionFinished counts a terminal session outcome.
func (m *Metrics) SessionFinished(outcome string) {
	if m == nil {
		return
	}
	m.SessionsTotal.WithLabelValues(outcome).Inc()
}

// SetScheduler records the scheduler's active and queued counts.
func (m *Metrics) SetScheduler(active, queued int) {
	if m == nil {
		return
	}
	m.ActiveSessions.Set(float64(active))
	m.QueuedSessions.Set(float64(queued))
}

// PartUploaded records a successful part.
func (m *Metrics) PartUploaded(bytes int64, took time.Duration) {
	if m == nil {
		return
	}
	m.BytesUploaded.Add(float64(bytes))
	m.PartDuration.Observe(took.Seconds())
}

// PartRetried counts one retry.
func (m *Metrics) PartRetried() {
	if m == nil {
		return
	}
	m.PartRetries.Inc()
}

// CredentialFetched counts one fetch for reason.
func (m *Metrics) CredentialFetched(reason string) {
	if m == nil {
		return
	}
	m.CredentialFetches.WithLabelValues(reason).Inc()
}
