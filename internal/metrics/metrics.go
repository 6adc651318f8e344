// Package metrics provides Prometheus metrics for the version service.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every collector the service exports. A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	IngestionsTotal        *prometheus.CounterVec
	IngestRetriesTotal     prometheus.Counter
	IngestDuration         prometheus.Histogram
	PrunedVersionsTotal    prometheus.Counter
	RetentionFailuresTotal prometheus.Counter
	DiffTruncationsTotal   prometheus.Counter
	DiffDuration           prometheus.Histogram
	HTTPRequestDuration    *prometheus.HistogramVec
}

// New creates the collectors on a private registry so several instances can coexist in tests.
func New() *Metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(registry)

	return &Metrics{
		registry: registry,
		IngestionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "folio_ingestions_total",
				Help: "Version ingestions by source and result",
			},
			[]string{"source", "result"},
		),
		IngestRetriesTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "folio_ingest_retries_total",
			Help: "Ingestion attempts retried after a write conflict",
		}),
		IngestDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "folio_ingest_duration_seconds",
			Help:    "Duration of version ingestion including retries",
			Buckets: prometheus.DefBuckets,
		}),
		PrunedVersionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "folio_pruned_versions_total",
			Help: "Automatic versions deleted by retention cleanup",
		}),
		RetentionFailuresTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "folio_retention_failures_total",
			Help: "Retention cleanups that failed after a successful ingestion",
		}),
		DiffTruncationsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "folio_diff_truncations_total",
			Help: "Diffs short-circuited because an input exceeded the line limit",
		}),
		DiffDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "folio_diff_duration_seconds",
			Help:    "Duration of line diff computation",
			Buckets: prometheus.ExponentialBuckets(0.0005, 4, 8),
		}),
		HTTPRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "folio_http_request_duration_seconds",
				Help:    "Duration of HTTP requests by route pattern and status",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"route", "status"},
		),
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry exposes the underlying registry for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) RecordIngestion(source, result string, duration time.Duration) {
	if m == nil {
		return
	}
	m.IngestionsTotal.WithLabelValues(source, result).Inc()
	m.IngestDuration.Observe(duration.Seconds())
}

func (m *Metrics) RecordIngestRetry() {
	if m == nil {
		return
	}
	m.IngestRetriesTotal.Inc()
}

func (m *Metrics) RecordPruned(count int) {
	if m == nil || count <= 0 {
		return
	}
	m.PrunedVersionsTotal.Add(float64(count))
}

func (m *Metrics) RecordRetentionFailure() {
	if m == nil {
		return
	}
	m.RetentionFailuresTotal.Inc()
}

func (m *Metrics) RecordDiff(duration time.Duration, truncated bool) {
	if m == nil {
		return
	}
	m.DiffDuration.Observe(duration.Seconds())
	if truncated {
		m.DiffTruncationsTotal.Inc()
	}
}

func (m *Metrics) RecordHTTPRequest(route string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	m.HTTPRequestDuration.WithLabelValues(route, statusClass(status)).Observe(duration.Seconds())
}

func statusClass(status int) string {
	switch {
	case status >= 500:
		return "5xx"
	case status >= 400:
		return "4xx"
	case status >= 300:
		return "3xx"
	default:
		return "2xx"
	}
}
