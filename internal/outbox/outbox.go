// Package outbox implements the transactional outbox: durable staging of
// domain events inside the business transaction and asynchronous draining
// into the message bus.
package outbox

import (
	"context"
	"time"
)

// Event is a durable outbox row. Once Processed is true the row is terminal
// except for garbage collection; RetryCount only ever grows and Version
// increments on every update.
type Event struct {
	ID            string     `json:"id"`
	AggregateID   string     `json:"aggregate_id"`
	AggregateType string     `json:"aggregate_type"`
	EventType     string     `json:"event_type"`
	EventData     []byte     `json:"event_data"`
	CreatedAt     time.Time  `json:"created_at"`
	Processed     bool       `json:"processed"`
	ProcessedAt   *time.Time `json:"processed_at,omitempty"`
	RetryCount    int        `json:"retry_count"`
	NextRetryAt   *time.Time `json:"next_retry_at,omitempty"`
	ErrorMessage  *string    `json:"error_message,omitempty"`
	Version       int        `json:"version"`
}

// Stats is a snapshot of outbox row populations.
type Stats struct {
	Fresh         int64 `json:"fresh"`
	AwaitingRetry int64 `json:"awaiting_retry"`
	DeadLettered  int64 `json:"dead_lettered"`
	Processed     int64 `json:"processed"`
}

// Store is the dispatcher's surface over the outbox table. Both drains use
// conditional updates, so the same row being picked up twice (two dispatcher
// instances, or a restart) is safe.
type Store interface {
	// FindFresh returns unprocessed rows that have never failed
	// (retry_count = 0), oldest first.
	FindFresh(ctx context.Context, limit int) ([]Event, error)

	// FindForRetry returns unprocessed rows with retry_count in
	// [1, maxRetries) whose next_retry_at has passed, oldest first.
	// Rows at maxRetries are dead-lettered and never selected.
	FindForRetry(ctx context.Context, now time.Time, limit int) ([]Event, error)

	// MarkProcessed terminally completes a row. The update is conditional on
	// the row being unprocessed; losing the race returns errors.ErrConflict.
	MarkProcessed(ctx context.Context, id string, at time.Time) error

	// IncrementRetry records a failed publish: bumps retry_count, sets
	// next_retry_at and the error message. Conditional on processed = false.
	IncrementRetry(ctx context.Context, id string, nextRetryAt time.Time, errMsg string) error

	// DeleteProcessedBefore garbage-collects processed rows older than
	// cutoff and returns how many were removed.
	DeleteProcessedBefore(ctx context.Context, cutoff time.Time) (int64, error)

	// Stats counts rows per disposition.
	Stats(ctx context.Context) (Stats, error)
}
