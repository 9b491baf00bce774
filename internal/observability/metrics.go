package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds every Prometheus metric emitted by the tracer and the
// driver. It uses a private registry so neither process ever pollutes the
// global default registry — both binaries expose it on their own /metrics
// endpoint via the shared health.Server.
type Metrics struct {
	Registry *prometheus.Registry

	// Canonicalizer (C1)
	CanonicalizeDuration prometheus.Histogram
	CanonicalizeErrors   *prometheus.CounterVec

	// Watch fabric (C3)
	WatchEventsTotal       *prometheus.CounterVec
	WatchQueueDepth        prometheus.Gauge
	WatchQueueDroppedTotal prometheus.Counter
	OwnershipRetriesTotal  prometheus.Counter
	OwnershipDroppedTotal  prometheus.Counter

	// Object store (C2)
	StoreTimelineEvents prometheus.Gauge
	StoreKindIndexSize  *prometheus.GaugeVec

	// Export API (C5)
	ExportDuration    prometheus.Histogram
	ExportSizeBytes   prometheus.Histogram
	ExportRequests    *prometheus.CounterVec

	// Trace codec (C4)
	CompressionRatio    prometheus.Gauge
	CompressionDuration prometheus.Histogram

	// Replay engine (C6)
	ReplayState          *prometheus.GaugeVec
	ReplayEventsApplied  *prometheus.CounterVec
	ReplayApplyRetries   prometheus.Counter
	ReplayApplyFailures  *prometheus.CounterVec

	// Admission mutator (C7)
	AdmissionDuration  prometheus.Histogram
	AdmissionMutations *prometheus.CounterVec
}

// NewMetrics builds a Metrics instance with every metric registered against
// a fresh private registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()

	sizeBuckets := prometheus.ExponentialBuckets(1024, 4, 10)

	m := &Metrics{
		Registry: reg,

		CanonicalizeDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "clustersim_canonicalize_duration_seconds",
			Help:    "Duration of canonicalizing one observed object.",
			Buckets: prometheus.DefBuckets,
		}),
		CanonicalizeErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "clustersim_canonicalize_errors_total",
			Help: "Total number of canonicalization failures, by kind.",
		}, []string{"kind"}),

		WatchEventsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "clustersim_watch_events_total",
			Help: "Total number of watch events received, by kind and action.",
		}, []string{"kind", "action"}),
		WatchQueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "clustersim_watch_queue_depth",
			Help: "Current depth of the watch fabric's store-mutation queue.",
		}),
		WatchQueueDroppedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "clustersim_watch_queue_dropped_total",
			Help: "Total number of watch events dropped because the queue was saturated.",
		}),
		OwnershipRetriesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "clustersim_ownership_retries_total",
			Help: "Total number of ownership-chain resolution retries.",
		}),
		OwnershipDroppedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "clustersim_ownership_dropped_total",
			Help: "Total number of pod events dropped after exhausting ownership retries.",
		}),

		StoreTimelineEvents: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "clustersim_store_timeline_events",
			Help: "Current number of events held in the object store's timeline.",
		}),
		StoreKindIndexSize: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "clustersim_store_kind_index_size",
			Help: "Current number of live objects in the kind index, by kind.",
		}, []string{"kind"}),

		ExportDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "clustersim_export_duration_seconds",
			Help:    "Duration of building and encoding an exported trace.",
			Buckets: prometheus.DefBuckets,
		}),
		ExportSizeBytes: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "clustersim_export_size_bytes",
			Help:    "Size in bytes of the encoded trace returned by the export endpoint.",
			Buckets: sizeBuckets,
		}),
		ExportRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "clustersim_export_requests_total",
			Help: "Total number of export requests, by outcome.",
		}, []string{"outcome"}),

		CompressionRatio: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "clustersim_trace_compression_ratio",
			Help: "Most recent trace encode's compressed/original size ratio.",
		}),
		CompressionDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "clustersim_trace_compression_duration_seconds",
			Help:    "Duration of zstd-compressing an encoded trace.",
			Buckets: prometheus.DefBuckets,
		}),

		ReplayState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "clustersim_replay_state",
			Help: "Current replay engine state (1 = active, 0 = inactive).",
		}, []string{"state"}),
		ReplayEventsApplied: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "clustersim_replay_events_total",
			Help: "Total number of timeline events played, by action.",
		}, []string{"action"}),
		ReplayApplyRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "clustersim_replay_apply_retries_total",
			Help: "Total number of transient apply retries during replay.",
		}),
		ReplayApplyFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "clustersim_replay_apply_failures_total",
			Help: "Total number of apply failures during replay, by kind (transient vs permanent).",
		}, []string{"kind"}),

		AdmissionDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "clustersim_admission_duration_seconds",
			Help:    "Duration of handling one admission mutation request.",
			Buckets: prometheus.DefBuckets,
		}),
		AdmissionMutations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "clustersim_admission_mutations_total",
			Help: "Total number of admission requests, by outcome.",
		}, []string{"outcome"}),
	}

	reg.MustRegister(
		m.CanonicalizeDuration,
		m.CanonicalizeErrors,
		m.WatchEventsTotal,
		m.WatchQueueDepth,
		m.WatchQueueDroppedTotal,
		m.OwnershipRetriesTotal,
		m.OwnershipDroppedTotal,
		m.StoreTimelineEvents,
		m.StoreKindIndexSize,
		m.ExportDuration,
		m.ExportSizeBytes,
		m.ExportRequests,
		m.CompressionRatio,
		m.CompressionDuration,
		m.ReplayState,
		m.ReplayEventsApplied,
		m.ReplayApplyRetries,
		m.ReplayApplyFailures,
		m.AdmissionDuration,
		m.AdmissionMutations,
	)

	return m
}
