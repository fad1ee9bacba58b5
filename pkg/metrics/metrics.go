// Package metrics provides Prometheus metrics for the Fern service.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// FetchRunsTotal tracks fetch runs by source and terminal status
	FetchRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fern",
			Subsystem: "ingest",
			Name:      "runs_total",
			Help:      "Total number of fetch runs by terminal status",
		},
		[]string{"source_id", "status"},
	)

	// FetchRunDuration tracks fetch run duration in seconds
	FetchRunDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "fern",
			Subsystem: "ingest",
			Name:      "run_duration_seconds",
			Help:      "Duration of fetch runs in seconds",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800, 3600},
		},
		[]string{"source_id"},
	)

	// DocumentsFetched tracks raw documents pulled per source
	DocumentsFetched = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fern",
			Subsystem: "ingest",
			Name:      "documents_fetched_total",
			Help:      "Total number of raw documents fetched",
		},
		[]string{"source_id", "entity_type"},
	)

	// UpsertActions tracks upsert outcomes by action
	UpsertActions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fern",
			Subsystem: "upsert",
			Name:      "actions_total",
			Help:      "Total number of upsert outcomes by action",
		},
		[]string{"source_id", "entity_type", "action"},
	)

	// NormalizationRejects tracks documents rejected during normalization
	NormalizationRejects = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fern",
			Subsystem: "normalize",
			Name:      "rejects_total",
			Help:      "Total number of documents rejected during normalization",
		},
		[]string{"source_id", "entity_type"},
	)

	// ArtifactBytesStored tracks bytes written to the artifact store
	ArtifactBytesStored = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fern",
			Subsystem: "artifacts",
			Name:      "bytes_stored_total",
			Help:      "Total bytes written to the artifact store",
		},
		[]string{"source_id"},
	)

	// QueueJobsProcessed tracks jobs processed from the run queue
	QueueJobsProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fern",
			Subsystem: "queue",
			Name:      "jobs_processed_total",
			Help:      "Total number of jobs processed from the queue",
		},
		[]string{"status"},
	)

	// QueueJobsInFlight tracks jobs currently being processed
	QueueJobsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "fern",
			Subsystem: "queue",
			Name:      "jobs_in_flight",
			Help:      "Number of jobs currently being processed",
		},
	)

	// SchedulerRunsScheduled tracks runs enqueued by the scheduler
	SchedulerRunsScheduled = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "fern",
			Subsystem: "scheduler",
			Name:      "runs_scheduled_total",
			Help:      "Total number of runs enqueued by the scheduler",
		},
	)

	// RateLimitWaitTime tracks time spent waiting on source pacing
	RateLimitWaitTime = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "fern",
			Subsystem: "ratelimit",
			Name:      "wait_seconds",
			Help:      "Time spent waiting for source rate limits in seconds",
			Buckets:   []float64{0.01, 0.1, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"source_id"},
	)

	// KafkaMessagesPublished tracks Kafka messages published
	KafkaMessagesPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fern",
			Subsystem: "kafka",
			Name:      "messages_published_total",
			Help:      "Total number of messages published to Kafka",
		},
		[]string{"topic", "status"},
	)

	// KafkaPublishDuration tracks Kafka publish duration
	KafkaPublishDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "fern",
			Subsystem: "kafka",
			Name:      "publish_duration_seconds",
			Help:      "Duration of Kafka publish operations in seconds",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5},
		},
	)
)

// RecordFetchRun records a completed fetch run
func RecordFetchRun(sourceID, status string, durationSeconds float64) {
	FetchRunsTotal.WithLabelValues(sourceID, status).Inc()
	FetchRunDuration.WithLabelValues(sourceID).Observe(durationSeconds)
}

// RecordUpsertAction records one upsert outcome
func RecordUpsertAction(sourceID, entityType, action string) {
	UpsertActions.WithLabelValues(sourceID, entityType, action).Inc()
}

// RecordQueueJob records a queue job processing metric
func RecordQueueJob(status string) {
	QueueJobsProcessed.WithLabelValues(status).Inc()
}

// RecordKafkaPublish records a Kafka publish operation
func RecordKafkaPublish(topic, status string, durationSeconds float64) {
	KafkaMessagesPublished.WithLabelValues(topic, status).Inc()
	KafkaPublishDuration.Observe(durationSeconds)
}
