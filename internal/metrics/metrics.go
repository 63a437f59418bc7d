// Package metrics holds the Prometheus collectors shared by the feed,
// arbitrage and executor packages. Collectors live on a private registry so
// tests can build as many as they like.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry bundles every arbengine collector.
type Registry struct {
	reg *prometheus.Registry

	SessionStatus     *prometheus.GaugeVec
	Reconnects        *prometheus.CounterVec
	SessionFailures   *prometheus.CounterVec
	Resyncs           *prometheus.CounterVec
	EventsApplied     *prometheus.CounterVec
	MalformedMessages *prometheus.CounterVec
	BufferOverflows   *prometheus.CounterVec
	SnapshotLatency   *prometheus.HistogramVec
	QuotesPublished   *prometheus.CounterVec

	Detections *prometheus.CounterVec
	SinkDrops  prometheus.Counter
	Executions *prometheus.CounterVec
	Archived   prometheus.Counter
}

// New creates a Registry with all collectors registered.
func New() *Registry {
	r := &Registry{
		reg: prometheus.NewRegistry(),
		SessionStatus: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "arbengine_feed_session_status",
				Help: "Current feed session status (0=disconnected 1=connecting 2=buffering 3=synced 4=failed)",
			},
			[]string{"exchange"},
		),
		Reconnects: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "arbengine_feed_reconnects_total",
				Help: "Reconnect attempts per exchange",
			},
			[]string{"exchange"},
		),
		SessionFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "arbengine_feed_session_failures_total",
				Help: "Sessions stopped after exhausting their reconnect budget",
			},
			[]string{"exchange"},
		),
		Resyncs: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "arbengine_feed_resyncs_total",
				Help: "Resync cycles by cause",
			},
			[]string{"exchange", "reason"},
		),
		EventsApplied: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "arbengine_feed_events_applied_total",
				Help: "Depth events applied to the local book",
			},
			[]string{"exchange"},
		),
		MalformedMessages: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "arbengine_feed_malformed_messages_total",
				Help: "Stream frames dropped because they could not be decoded",
			},
			[]string{"exchange"},
		),
		BufferOverflows: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "arbengine_feed_buffer_overflows_total",
				Help: "Buffered events evicted while waiting for a snapshot",
			},
			[]string{"exchange"},
		),
		SnapshotLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "arbengine_feed_snapshot_seconds",
				Help:    "Snapshot fetch latency",
				Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
			},
			[]string{"exchange", "result"},
		),
		QuotesPublished: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "arbengine_feed_quotes_published_total",
				Help: "Best-quote updates handed to the detector",
			},
			[]string{"exchange"},
		),
		Detections: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "arbengine_arb_detections_total",
				Help: "Detector scan outcomes",
			},
			[]string{"result"},
		),
		SinkDrops: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "arbengine_executor_dropped_total",
				Help: "Opportunities dropped because the execution queue was full",
			},
		),
		Executions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "arbengine_executor_executions_total",
				Help: "Executions by final status",
			},
			[]string{"status"},
		),
		Archived: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "arbengine_archive_records_total",
				Help: "Execution records moved to object storage",
			},
		),
	}

	r.reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		r.SessionStatus,
		r.Reconnects,
		r.SessionFailures,
		r.Resyncs,
		r.EventsApplied,
		r.MalformedMessages,
		r.BufferOverflows,
		r.SnapshotLatency,
		r.QuotesPublished,
		r.Detections,
		r.SinkDrops,
		r.Executions,
		r.Archived,
	)
	return r
}

// ObserveSnapshot records one snapshot fetch.
func (r *Registry) ObserveSnapshot(exchange string, took time.Duration, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	r.SnapshotLatency.WithLabelValues(exchange, result).Observe(took.Seconds())
}

// Handler serves the registry in the Prometheus exposition format.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{Registry: r.reg})
}
