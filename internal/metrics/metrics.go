package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTP metrics, labeled by route template
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sensorwatch_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "route", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sensorwatch_http_request_duration_seconds",
			Help:    "HTTP request latency in seconds",
			Buckets: []float64{.0005, .001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "route", "status"},
	)

	HTTPResponseSize = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sensorwatch_http_response_size_bytes",
			Help:    "HTTP response size in bytes",
			Buckets: prometheus.ExponentialBuckets(16, 4, 8),
		},
		[]string{"method", "route"},
	)

	RequestsRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sensorwatch_requests_rejected_total",
			Help: "Requests rejected before evaluation",
		},
		[]string{"reason"}, // invalid_value, invalid_body, unknown_sensor, empty_sensor, body_too_large
	)

	// Evaluation metrics
	EvaluationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sensorwatch_evaluations_total",
			Help: "Total number of threshold evaluations",
		},
		[]string{"known", "status"},
	)

	BatchSize = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "sensorwatch_batch_size",
			Help:    "Number of readings per batch submission",
			Buckets: []float64{1, 2, 3, 5, 10, 25, 50, 100},
		},
	)

	// Warning log metrics
	WarningLogWritesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sensorwatch_warning_log_writes_total",
			Help: "Warning log append attempts",
		},
		[]string{"status"}, // success, failed
	)

	WarningLogWriteDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "sensorwatch_warning_log_write_duration_seconds",
			Help:    "Time taken to append one line to the warning log",
			Buckets: []float64{.00005, .0001, .0005, .001, .005, .01, .05, .1},
		},
	)

	// Notification fan-out metrics
	NotifyQueueSize = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "sensorwatch_notify_queue_size",
			Help: "Current size of the warning notification queue",
		},
	)

	NotifyQueueCapacity = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "sensorwatch_notify_queue_capacity",
			Help: "Capacity of the warning notification queue",
		},
	)

	NotifyDroppedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "sensorwatch_notify_dropped_total",
			Help: "Warning events dropped because the queue was full",
		},
	)

	WorkerProcessedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "sensorwatch_worker_processed_total",
			Help: "Total number of warning events published by workers",
		},
	)

	WorkerFailedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "sensorwatch_worker_failed_total",
			Help: "Total number of warning events workers failed to publish",
		},
	)

	WorkerBatchPublishDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "sensorwatch_worker_batch_publish_duration_seconds",
			Help:    "Time taken to publish a batch of warning events",
			Buckets: []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		},
	)

	// Sink metrics
	PublishTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sensorwatch_publish_total",
			Help: "Warning events published per sink",
		},
		[]string{"sink", "status"},
	)

	KafkaPublishDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "sensorwatch_kafka_publish_duration_seconds",
			Help:    "Time taken to publish to Kafka",
			Buckets: []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		},
	)

	KafkaPublishRetries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "sensorwatch_kafka_publish_retries_total",
			Help: "Total number of Kafka publish retries",
		},
	)

	// Panic recovery
	PanicsRecovered = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sensorwatch_panics_recovered_total",
			Help: "Total number of panics recovered",
		},
		[]string{"component"},
	)
)
