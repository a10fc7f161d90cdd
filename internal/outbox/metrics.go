package outbox

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// EventsPublished counts outbox rows successfully drained to the bus.
	EventsPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "outbox_events_published_total",
			Help: "Total number of outbox events published to the message bus",
		},
		[]string{"topic"},
	)

	// PublishFailures counts drain attempts that failed to publish.
	PublishFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "outbox_publish_failures_total",
			Help: "Total number of failed outbox publish attempts",
		},
		[]string{"topic"},
	)

	// DeadLetters counts rows that exhausted the dispatcher's retry budget.
	DeadLetters = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "outbox_dead_letters_total",
			Help: "Total number of outbox events dead-lettered after exhausting retries",
		},
	)

	// RowsDeleted counts rows removed by the janitor.
	RowsDeleted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "outbox_gc_rows_deleted_total",
			Help: "Total number of processed outbox rows garbage-collected",
		},
	)

	// PendingRows reports the current row populations per disposition.
	PendingRows = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "outbox_pending_rows",
			Help: "Current number of outbox rows by disposition",
		},
		[]string{"disposition"},
	)
)
