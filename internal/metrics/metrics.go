// Package metrics registers the gateway's Prometheus collectors: queue
// depth and throughput, per-platform dispatch outcomes, and inbound event
// counts. The collectors live on a private registry so tests can build
// isolated instances.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles the gateway's collectors.
type Metrics struct {
	registry *prometheus.Registry

	JobsEnqueued  prometheus.Counter
	JobsCompleted prometheus.Counter
	JobsFailed    prometheus.Counter
	JobsRetried   prometheus.Counter
	JobsStalled   prometheus.Counter
	JobDuration   prometheus.Histogram

	QueueDepth *prometheus.GaugeVec

	SendOutcomes  *prometheus.CounterVec
	InboundEvents *prometheus.CounterVec
}

// New creates a Metrics instance with its own registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		JobsEnqueued: factory.NewCounter(prometheus.CounterOpts{
			Name: "gateway_jobs_enqueued_total",
			Help: "Message jobs accepted into the queue.",
		}),
		JobsCompleted: factory.NewCounter(prometheus.CounterOpts{
			Name: "gateway_jobs_completed_total",
			Help: "Message jobs that finished successfully.",
		}),
		JobsFailed: factory.NewCounter(prometheus.CounterOpts{
			Name: "gateway_jobs_failed_total",
			Help: "Message jobs that exhausted their attempts.",
		}),
		JobsRetried: factory.NewCounter(prometheus.CounterOpts{
			Name: "gateway_jobs_retried_total",
			Help: "Job attempts re-enqueued with backoff.",
		}),
		JobsStalled: factory.NewCounter(prometheus.CounterOpts{
			Name: "gateway_jobs_stalled_total",
			Help: "Jobs observed in the active state beyond the stall threshold.",
		}),
		JobDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "gateway_job_duration_seconds",
			Help:    "End-to-end processing time of one job attempt.",
			Buckets: prometheus.DefBuckets,
		}),
		QueueDepth: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "gateway_queue_depth",
			Help: "Number of jobs per queue state.",
		}, []string{"state"}),
		SendOutcomes: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_send_outcomes_total",
			Help: "Per-target delivery outcomes by platform.",
		}, []string{"platform", "status"}),
		InboundEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_inbound_events_total",
			Help: "Canonical inbound events ingested by platform and type.",
		}, []string{"platform", "type"}),
	}
}

// Handler returns the scrape endpoint for this instance's registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
