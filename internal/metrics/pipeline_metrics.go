package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Ingest metrics
	EventsReceivedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "insights_events_received_total",
			Help: "Total number of events received by source",
		},
		[]string{"source"}, // nats, replay
	)

	EventsUnclassifiedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "insights_events_unclassified_total",
			Help: "Total number of events that produced no metric records",
		},
	)

	// Record flow metrics
	RecordsEmittedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "insights_records_emitted_total",
			Help: "Total number of records emitted by stage",
		},
		[]string{"stage"},
	)

	RecordsDroppedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "insights_records_dropped_total",
			Help: "Total number of records dropped because a stage queue was full",
		},
		[]string{"stage"},
	)

	ProcessingErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "insights_processing_errors_total",
			Help: "Total number of records lost to processing failures by stage",
		},
		[]string{"stage"},
	)

	QueueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "insights_queue_depth",
			Help: "Current number of records waiting in a stage queue",
		},
		[]string{"stage"},
	)

	// Statistics metrics
	AnomaliesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "insights_anomalies_total",
			Help: "Total number of anomalous samples by metric name",
		},
		[]string{"metric"},
	)

	StreamsTracked = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "insights_streams_tracked",
			Help: "Number of metric streams with live state by granularity",
		},
		[]string{"granularity"},
	)

	// Aggregation metrics
	UncorrelatedDroppedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "insights_uncorrelated_dropped_total",
			Help: "Total number of samples dropped for lacking a correlated object",
		},
	)

	BucketsFlushedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "insights_buckets_flushed_total",
			Help: "Total number of aggregation buckets flushed by reason",
		},
		[]string{"reason"}, // full, stale
	)

	// Notification metrics
	NotificationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "insights_notifications_total",
			Help: "Total number of insights generated by type",
		},
		[]string{"type"},
	)

	NotificationsSentTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "insights_notifications_sent_total",
			Help: "Total number of insight deliveries by router and status",
		},
		[]string{"router", "status"}, // status: success, failed
	)

	// Persistence metrics
	SinkWritesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "insights_sink_writes_total",
			Help: "Total number of rows written to the persistence sink by table",
		},
		[]string{"table"},
	)

	SinkErrorsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "insights_sink_errors_total",
			Help: "Total number of failed persistence flushes",
		},
	)
)

// RecordEventReceived records an inbound event
func RecordEventReceived(source string) {
	EventsReceivedTotal.WithLabelValues(source).Inc()
}

// RecordEmitted records n records leaving a stage
func RecordEmitted(stage string, n int) {
	if n <= 0 {
		return
	}
	RecordsEmittedTotal.WithLabelValues(stage).Add(float64(n))
}

// RecordDropped records a record lost to a full queue
func RecordDropped(stage string) {
	RecordsDroppedTotal.WithLabelValues(stage).Inc()
}

// RecordProcessingError records a record lost to a failure or panic
func RecordProcessingError(stage string) {
	ProcessingErrorsTotal.WithLabelValues(stage).Inc()
}

// RecordAnomaly records an anomalous sample
func RecordAnomaly(metric string) {
	AnomaliesTotal.WithLabelValues(metric).Inc()
}

// RecordUncorrelated records a sample dropped by the aggregator
func RecordUncorrelated() {
	UncorrelatedDroppedTotal.Inc()
}

// RecordBucketFlushed records a bucket flush
func RecordBucketFlushed(reason string) {
	BucketsFlushedTotal.WithLabelValues(reason).Inc()
}

// RecordNotification records a generated insight
func RecordNotification(notificationType string) {
	NotificationsTotal.WithLabelValues(notificationType).Inc()
}

// RecordNotificationSent records a delivery attempt
func RecordNotificationSent(router string, success bool) {
	status := "success"
	if !success {
		status = "failed"
	}
	NotificationsSentTotal.WithLabelValues(router, status).Inc()
}

// RecordSinkWrite records rows flushed to the persistence sink
func RecordSinkWrite(table string, rows int) {
	SinkWritesTotal.WithLabelValues(table).Add(float64(rows))
}

// RecordSinkError records a failed persistence flush
func RecordSinkError() {
	SinkErrorsTotal.Inc()
}

// SetQueueDepth reports a stage queue's backlog
func SetQueueDepth(stage string, depth int) {
	QueueDepth.WithLabelValues(stage).Set(float64(depth))
}

// SetStreamsTracked reports live stream state per granularity
func SetStreamsTracked(granularity string, n int) {
	StreamsTracked.WithLabelValues(granularity).Set(float64(n))
}
