package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	// Event metrics
	EventsTotal *prometheus.CounterVec

	// Replication metrics
	SyncsCompleted  prometheus.Counter
	SyncsFailed     *prometheus.CounterVec
	SessionsActive  prometheus.Gauge
	SessionDuration prometheus.Histogram

	// Delta metrics
	BytesTransferred prometheus.Counter
	BytesSaved       prometheus.Counter
	DeltaDuration    prometheus.Histogram

	// Conflict metrics
	ConflictsDetected prometheus.Counter
	ConflictsResolved prometheus.Counter

	// Fleet metrics
	NodesOnline     prometheus.Gauge
	ChunkStoreSize  prometheus.Gauge
	ChunkStoreBytes prometheus.Gauge
}

// NewMetrics creates and registers Prometheus metrics
func NewMetrics() *Metrics {
	return &Metrics{
		EventsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "coordinator_events_total",
				Help: "Total number of events appended to the log",
			},
			[]string{"event_type"},
		),

		SyncsCompleted: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "coordinator_syncs_completed_total",
				Help: "Total number of replication sessions that completed",
			},
		),

		SyncsFailed: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "coordinator_syncs_failed_total",
				Help: "Total number of replication sessions that failed",
			},
			[]string{"reason"},
		),

		SessionsActive: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "coordinator_sessions_active",
				Help: "Replication sessions currently in flight",
			},
		),

		SessionDuration: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "coordinator_session_duration_seconds",
				Help:    "Duration of replication sessions",
				Buckets: prometheus.DefBuckets,
			},
		),

		BytesTransferred: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "coordinator_bytes_transferred_total",
				Help: "Chunk bytes pushed to targets",
			},
		),

		BytesSaved: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "coordinator_bytes_saved_total",
				Help: "Bytes avoided by delta reuse",
			},
		),

		DeltaDuration: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "coordinator_delta_compute_seconds",
				Help:    "Duration of delta computation",
				Buckets: prometheus.DefBuckets,
			},
		),

		ConflictsDetected: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "coordinator_conflicts_detected_total",
				Help: "Concurrent version pairs detected",
			},
		),

		ConflictsResolved: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "coordinator_conflicts_resolved_total",
				Help: "Conflicts resolved by operators",
			},
		),

		NodesOnline: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "coordinator_nodes_online",
				Help: "Nodes currently online",
			},
		),

		ChunkStoreSize: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "coordinator_chunk_store_chunks",
				Help: "Distinct chunks held by the chunk store",
			},
		),

		ChunkStoreBytes: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "coordinator_chunk_store_bytes",
				Help: "Bytes held by the chunk store",
			},
		),
	}
}
