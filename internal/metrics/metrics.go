package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Transport / intake metrics
	MessagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "plantpulse_ingest_messages_total",
			Help: "Total number of transport messages received, by outcome",
		},
		[]string{"outcome"},
	)

	MessageBytesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "plantpulse_ingest_message_bytes_total",
			Help: "Total bytes of message payload received",
		},
	)

	// Lane metrics
	LaneQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "plantpulse_ingest_lane_queue_depth",
			Help: "Total queued messages across all sensor lanes",
		},
	)

	LaneDroppedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "plantpulse_ingest_lane_dropped_total",
			Help: "Messages dropped because a sensor lane queue was full",
		},
	)

	LanesActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "plantpulse_ingest_lanes_active",
			Help: "Number of live sensor lanes",
		},
	)

	// Pipeline stage metrics
	NormalizationTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "plantpulse_ingest_normalization_total",
			Help: "Normalization attempts by matched schema variant",
		},
		[]string{"variant"},
	)

	ExtractionDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "plantpulse_ingest_extraction_duration_seconds",
			Help:    "Duration of feature extraction in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	InferenceDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "plantpulse_ingest_inference_duration_seconds",
			Help:    "Duration of inference calls in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	InferenceFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "plantpulse_ingest_inference_failures_total",
			Help: "Inference failures by kind",
		},
		[]string{"kind"},
	)

	// Persistence metrics
	StorageWrites = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "plantpulse_ingest_storage_writes_total",
			Help: "Persistence writes by collection and status",
		},
		[]string{"collection", "status"},
	)

	StorageDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "plantpulse_ingest_storage_duration_seconds",
			Help:    "Duration of persistence writes in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Broadcast metrics
	Subscribers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "plantpulse_ingest_subscribers",
			Help: "Currently connected dashboard subscribers",
		},
	)

	BroadcastDroppedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "plantpulse_ingest_broadcast_dropped_total",
			Help: "Updates dropped because a subscriber buffer was full",
		},
	)

	// Alert metrics
	AlertsPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "plantpulse_ingest_alerts_published_total",
			Help: "Fault alert events published, by status",
		},
		[]string{"status"},
	)
)
