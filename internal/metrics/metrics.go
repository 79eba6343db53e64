// Package metrics registers the Prometheus instruments shared across the
// ingestion, backfill and API layers.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics bundles every instrument the service exports. A single instance
// is created at startup and handed to each component.
type Metrics struct {
	FillsProcessed    *prometheus.CounterVec
	FillsDeduped      prometheus.Counter
	SnapshotsFlushed  prometheus.Counter
	SnapshotFlushSize prometheus.Histogram
	BackfillChunks    *prometheus.CounterVec
	BackfillActive    prometheus.Gauge
	WeightConsumed    prometheus.Counter
	WSReconnects      prometheus.Counter
	WSSubscriptions   prometheus.Gauge
	TrackedTraders    prometheus.Gauge
	DiscoveryQueued   prometheus.Counter
	GapsDetected      *prometheus.CounterVec
	UpstreamRequests  *prometheus.CounterVec
	UpstreamLatency   *prometheus.HistogramVec
	APIRequests       *prometheus.CounterVec
}

// New registers all instruments on the given registerer.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		FillsProcessed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "perpfolio",
			Name:      "fills_processed_total",
			Help:      "Fills applied to trader state, by source.",
		}, []string{"source"}),
		FillsDeduped: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "perpfolio",
			Name:      "fills_deduped_total",
			Help:      "Fills dropped because the tid was already seen.",
		}),
		SnapshotsFlushed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "perpfolio",
			Name:      "snapshots_flushed_total",
			Help:      "PnL snapshots written to the database.",
		}),
		SnapshotFlushSize: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "perpfolio",
			Name:      "snapshot_flush_size",
			Help:      "Snapshots per batch flush.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 11),
		}),
		BackfillChunks: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "perpfolio",
			Name:      "backfill_chunks_total",
			Help:      "Backfill day chunks processed, by result.",
		}, []string{"result"}),
		BackfillActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "perpfolio",
			Name:      "backfill_active_jobs",
			Help:      "Backfill jobs currently running.",
		}),
		WeightConsumed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "perpfolio",
			Name:      "upstream_weight_consumed_total",
			Help:      "API weight units withdrawn from the rate budget.",
		}),
		WSReconnects: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "perpfolio",
			Name:      "ws_reconnects_total",
			Help:      "WebSocket reconnect attempts.",
		}),
		WSSubscriptions: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "perpfolio",
			Name:      "ws_subscriptions",
			Help:      "Active WebSocket subscriptions.",
		}),
		TrackedTraders: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "perpfolio",
			Name:      "tracked_traders",
			Help:      "Traders with in-memory PnL state.",
		}),
		DiscoveryQueued: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "perpfolio",
			Name:      "discovery_queued_total",
			Help:      "Addresses enqueued for discovery.",
		}),
		GapsDetected: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "perpfolio",
			Name:      "gaps_detected_total",
			Help:      "Data gaps recorded, by type.",
		}, []string{"gap_type"}),
		UpstreamRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "perpfolio",
			Name:      "upstream_requests_total",
			Help:      "Upstream info requests, by endpoint type and outcome.",
		}, []string{"type", "outcome"}),
		UpstreamLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "perpfolio",
			Name:      "upstream_request_seconds",
			Help:      "Upstream request latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"type"}),
		APIRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "perpfolio",
			Name:      "api_requests_total",
			Help:      "Read API requests, by route and status class.",
		}, []string{"route", "status"}),
	}
}

// NewUnregistered returns metrics backed by a private registry, for tests.
func NewUnregistered() *Metrics {
	return New(prometheus.NewRegistry())
}
