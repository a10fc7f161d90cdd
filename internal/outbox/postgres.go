package outbox

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/utafrali/catalog-sync/pkg/database"
	apperrors "github.com/utafrali/catalog-sync/pkg/errors"
)

// PostgresStore implements Store over the outbox_events table:
//
//	CREATE TABLE outbox_events (
//	    id             UUID PRIMARY KEY,
//	    aggregate_id   TEXT        NOT NULL,
//	    aggregate_type TEXT        NOT NULL,
//	    event_type     TEXT        NOT NULL,
//	    event_data     JSONB       NOT NULL,
//	    created_at     TIMESTAMPTZ NOT NULL,
//	    processed      BOOLEAN     NOT NULL DEFAULT FALSE,
//	    processed_at   TIMESTAMPTZ,
//	    retry_count    INT         NOT NULL DEFAULT 0,
//	    next_retry_at  TIMESTAMPTZ,
//	    error_message  TEXT,
//	    version        INT         NOT NULL DEFAULT 1
//	);
//	CREATE INDEX ON outbox_events (processed);
//	CREATE INDEX ON outbox_events (event_type);
//	CREATE INDEX ON outbox_events (created_at);
//	CREATE INDEX ON outbox_events (aggregate_id);
type PostgresStore struct {
	pool       database.DBTX
	maxRetries int
}

// NewPostgresStore creates a store over the given pool. maxRetries bounds
// the retry scan's half-open interval.
func NewPostgresStore(pool database.DBTX, maxRetries int) *PostgresStore {
	return &PostgresStore{pool: pool, maxRetries: maxRetries}
}

const outboxColumns = `id, aggregate_id, aggregate_type, event_type, event_data, created_at, processed, processed_at, retry_count, next_retry_at, error_message, version`

// InsertTx stages an event inside the caller's transaction. This is the
// durability half of the outbox contract: the row commits or rolls back
// with the business mutation.
func (s *PostgresStore) InsertTx(ctx context.Context, tx pgx.Tx, ev *Event) error {
	if ev.ID == "" {
		ev.ID = uuid.New().String()
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now().UTC()
	}
	if ev.Version == 0 {
		ev.Version = 1
	}

	query := `
		INSERT INTO outbox_events (id, aggregate_id, aggregate_type, event_type, event_data, created_at, version)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`

	_, err := tx.Exec(ctx, query,
		ev.ID,
		ev.AggregateID,
		ev.AggregateType,
		ev.EventType,
		ev.EventData,
		ev.CreatedAt,
		ev.Version,
	)
	if err != nil {
		return fmt.Errorf("insert outbox event: %w", err)
	}
	return nil
}

// FindFresh selects unprocessed rows that have never failed, oldest first.
func (s *PostgresStore) FindFresh(ctx context.Context, limit int) ([]Event, error) {
	query := fmt.Sprintf(`
		SELECT %s
		FROM outbox_events
		WHERE processed = FALSE AND retry_count = 0
		ORDER BY created_at ASC, id ASC
		LIMIT $1`, outboxColumns)

	return s.queryEvents(ctx, query, limit)
}

// FindForRetry selects unprocessed rows with retry_count in [1, maxRetries)
// whose next_retry_at is due, oldest first.
func (s *PostgresStore) FindForRetry(ctx context.Context, now time.Time, limit int) ([]Event, error) {
	query := fmt.Sprintf(`
		SELECT %s
		FROM outbox_events
		WHERE processed = FALSE
		  AND retry_count >= 1 AND retry_count < $1
		  AND (next_retry_at IS NULL OR next_retry_at <= $2)
		ORDER BY created_at ASC, id ASC
		LIMIT $3`, outboxColumns)

	return s.queryEvents(ctx, query, s.maxRetries, now, limit)
}

func (s *PostgresStore) queryEvents(ctx context.Context, query string, args ...any) ([]Event, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query outbox events: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var ev Event
		if err := rows.Scan(
			&ev.ID,
			&ev.AggregateID,
			&ev.AggregateType,
			&ev.EventType,
			&ev.EventData,
			&ev.CreatedAt,
			&ev.Processed,
			&ev.ProcessedAt,
			&ev.RetryCount,
			&ev.NextRetryAt,
			&ev.ErrorMessage,
			&ev.Version,
		); err != nil {
			return nil, fmt.Errorf("scan outbox event: %w", err)
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate outbox events: %w", err)
	}
	return events, nil
}

// MarkProcessed terminally completes a row. The WHERE processed = FALSE
// guard makes the update a compare-and-set: losing the race to another
// dispatcher returns errors.ErrConflict.
func (s *PostgresStore) MarkProcessed(ctx context.Context, id string, at time.Time) error {
	query := `
		UPDATE outbox_events
		SET processed = TRUE, processed_at = $2, version = version + 1
		WHERE id = $1 AND processed = FALSE`

	ct, err := s.pool.Exec(ctx, query, id, at)
	if err != nil {
		return fmt.Errorf("mark outbox event processed: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return apperrors.Conflict("outbox event " + id + " already processed")
	}
	return nil
}

// IncrementRetry bumps the retry ledger on a failed publish; same
// conditional-update discipline as MarkProcessed.
func (s *PostgresStore) IncrementRetry(ctx context.Context, id string, nextRetryAt time.Time, errMsg string) error {
	query := `
		UPDATE outbox_events
		SET retry_count = retry_count + 1, next_retry_at = $2, error_message = $3, version = version + 1
		WHERE id = $1 AND processed = FALSE`

	ct, err := s.pool.Exec(ctx, query, id, nextRetryAt, errMsg)
	if err != nil {
		return fmt.Errorf("increment outbox retry: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return apperrors.Conflict("outbox event " + id + " already processed")
	}
	return nil
}

// DeleteProcessedBefore garbage-collects processed rows older than cutoff.
func (s *PostgresStore) DeleteProcessedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	query := `DELETE FROM outbox_events WHERE processed = TRUE AND processed_at < $1`

	ct, err := s.pool.Exec(ctx, query, cutoff)
	if err != nil {
		return 0, fmt.Errorf("delete processed outbox events: %w", err)
	}
	return ct.RowsAffected(), nil
}

// Stats counts rows per disposition in a single scan.
func (s *PostgresStore) Stats(ctx context.Context) (Stats, error) {
	query := `
		SELECT
			count(*) FILTER (WHERE NOT processed AND retry_count = 0)  AS fresh,
			count(*) FILTER (WHERE NOT processed AND retry_count >= 1 AND retry_count < $1) AS awaiting_retry,
			count(*) FILTER (WHERE NOT processed AND retry_count >= $1) AS dead_lettered,
			count(*) FILTER (WHERE processed) AS processed
		FROM outbox_events`

	var stats Stats
	err := s.pool.QueryRow(ctx, query, s.maxRetries).Scan(
		&stats.Fresh,
		&stats.AwaitingRetry,
		&stats.DeadLettered,
		&stats.Processed,
	)
	if err != nil {
		return Stats{}, fmt.Errorf("outbox stats: %w", err)
	}
	return stats, nil
}
