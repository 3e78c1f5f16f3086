package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Registry holds all Prometheus metrics for klinevault.
type Registry struct {
	// Store writer
	QueueDepth    prometheus.Gauge
	QueueRejected prometheus.Counter
	BatchFlushes  *prometheus.CounterVec
	FlushDuration prometheus.Histogram
	RowsWritten   prometheus.Counter
	RowErrors     prometheus.Counter

	// Adapter
	AdapterRequests  *prometheus.CounterVec
	AdapterFallbacks *prometheus.CounterVec
	AdapterLatency   *prometheus.HistogramVec

	// Cache tiers
	CacheHits   *prometheus.CounterVec
	CacheMisses *prometheus.CounterVec

	// Quality and repair
	Anomalies       *prometheus.CounterVec
	RepairsAttempted prometheus.Counter
	RepairsSucceeded prometheus.Counter
	RetentionDeletes prometheus.Counter

	registry *prometheus.Registry
}

// New creates and registers all klinevault metrics on a fresh registry.
func New() *Registry {
	r := &Registry{
		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "klinevault_store_queue_depth",
			Help: "Rows currently pending in the store write queue",
		}),
		QueueRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "klinevault_store_queue_rejected_total",
			Help: "Queue submissions rejected due to overflow",
		}),
		BatchFlushes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "klinevault_store_batch_flushes_total",
			Help: "Store writer batch flushes by trigger",
		}, []string{"trigger"}),
		FlushDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "klinevault_store_flush_duration_seconds",
			Help:    "Duration of store batch flushes",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5},
		}),
		RowsWritten: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "klinevault_store_rows_written_total",
			Help: "Candle rows upserted into the store",
		}),
		RowErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "klinevault_store_row_errors_total",
			Help: "Per-row insert errors that did not abort a batch",
		}),
		AdapterRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "klinevault_adapter_requests_total",
			Help: "Bybit adapter requests by endpoint and result",
		}, []string{"endpoint", "result"}),
		AdapterFallbacks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "klinevault_adapter_fallbacks_total",
			Help: "Requests answered by a fallback endpoint variant",
		}, []string{"endpoint"}),
		AdapterLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "klinevault_adapter_latency_seconds",
			Help:    "Bybit adapter request latency",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1.0, 2.0, 5.0},
		}, []string{"endpoint"}),
		CacheHits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "klinevault_cache_hits_total",
			Help: "Cache hits by tier (ram, redis, store)",
		}, []string{"tier"}),
		CacheMisses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "klinevault_cache_misses_total",
			Help: "Cache misses by tier",
		}, []string{"tier"}),
		Anomalies: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "klinevault_anomalies_total",
			Help: "Detected data-quality anomalies by kind and severity",
		}, []string{"kind", "severity"}),
		RepairsAttempted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "klinevault_repairs_attempted_total",
			Help: "Gap repair attempts",
		}),
		RepairsSucceeded: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "klinevault_repairs_succeeded_total",
			Help: "Gap repairs that inserted or updated at least one row",
		}),
		RetentionDeletes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "klinevault_retention_rows_deleted_total",
			Help: "Rows removed by retention enforcement",
		}),
		registry: prometheus.NewRegistry(),
	}

	r.registry.MustRegister(
		r.QueueDepth, r.QueueRejected, r.BatchFlushes, r.FlushDuration,
		r.RowsWritten, r.RowErrors,
		r.AdapterRequests, r.AdapterFallbacks, r.AdapterLatency,
		r.CacheHits, r.CacheMisses,
		r.Anomalies, r.RepairsAttempted, r.RepairsSucceeded, r.RetentionDeletes,
	)
	return r
}

// Prometheus exposes the underlying registry for the /metrics handler.
func (r *Registry) Prometheus() *prometheus.Registry {
	return r.registry
}
