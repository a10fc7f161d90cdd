package pubsub

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// BrokerMessagesAppended counts messages appended to topic logs.
	BrokerMessagesAppended = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pubsub_broker_messages_appended_total",
			Help: "Total number of messages appended to broker topic logs",
		},
		[]string{"topic"},
	)

	// BrokerPolledMessages counts messages handed out by Poll.
	BrokerPolledMessages = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pubsub_broker_messages_polled_total",
			Help: "Total number of messages returned by broker polls",
		},
		[]string{"topic", "consumer_group"},
	)

	// PublisherMessagesPublished counts successful publishes.
	PublisherMessagesPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pubsub_publisher_messages_published_total",
			Help: "Total number of messages published through the publisher facade",
		},
		[]string{"topic"},
	)

	// PublisherPublishErrors counts publish failures.
	PublisherPublishErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pubsub_publisher_publish_errors_total",
			Help: "Total number of publish failures",
		},
		[]string{"topic"},
	)

	// ConsumerMessagesProcessed counts successfully handled messages.
	ConsumerMessagesProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pubsub_consumer_messages_processed_total",
			Help: "Total number of successfully processed messages",
		},
		[]string{"topic", "consumer_group"},
	)

	// ConsumerMessagesFailed counts handler invocations that returned an error.
	ConsumerMessagesFailed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pubsub_consumer_messages_failed_total",
			Help: "Total number of message handler failures (before retry disposition)",
		},
		[]string{"topic", "consumer_group"},
	)

	// ConsumerMessagesRetried counts scheduled per-message retries.
	ConsumerMessagesRetried = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pubsub_consumer_messages_retried_total",
			Help: "Total number of per-message retries scheduled by consumer workers",
		},
		[]string{"topic", "consumer_group"},
	)

	// ConsumerDeadLetters counts messages that exhausted retries.
	ConsumerDeadLetters = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pubsub_consumer_dead_letters_total",
			Help: "Total number of messages dead-lettered after exhausting retries",
		},
		[]string{"topic", "consumer_group"},
	)

	// ConsumerProcessingDuration observes handler execution time.
	ConsumerProcessingDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pubsub_consumer_processing_duration_seconds",
			Help:    "Duration of message processing in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"topic", "consumer_group"},
	)
)
