package outbox

import (
	"context"
	"errors"
	"testing"
	"time"

	pgxmock "github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/utafrali/catalog-sync/pkg/database"
	apperrors "github.com/utafrali/catalog-sync/pkg/errors"
)

func newMock(t *testing.T) pgxmock.PgxPoolIface {
	t.Helper()
	mock, err := database.NewMockPool()
	require.NoError(t, err)
	return mock
}

var outboxTestColumns = []string{
	"id", "aggregate_id", "aggregate_type", "event_type", "event_data",
	"created_at", "processed", "processed_at", "retry_count", "next_retry_at",
	"error_message", "version",
}

var testNow = time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)

func outboxRow(id string, retryCount int) []any {
	return []any{
		id, "42", "Product", "ProductCreated", []byte(`{"id":"42"}`),
		testNow, false, nil, retryCount, nil, nil, 1,
	}
}

func TestPostgresStore_FindFresh(t *testing.T) {
	mock := newMock(t)
	defer mock.Close()
	store := NewPostgresStore(mock, 5)

	mock.ExpectQuery(`(?s)SELECT .* FROM outbox_events\s+WHERE processed = FALSE AND retry_count = 0`).
		WithArgs(50).
		WillReturnRows(pgxmock.NewRows(outboxTestColumns).
			AddRow(outboxRow("ev-1", 0)...).
			AddRow(outboxRow("ev-2", 0)...))

	events, err := store.FindFresh(context.Background(), 50)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "ev-1", events[0].ID)
	assert.Equal(t, "Product", events[0].AggregateType)
	assert.False(t, events[0].Processed)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_FindForRetry(t *testing.T) {
	mock := newMock(t)
	defer mock.Close()
	store := NewPostgresStore(mock, 5)

	now := testNow
	mock.ExpectQuery(`(?s)SELECT .* FROM outbox_events\s+WHERE processed = FALSE\s+AND retry_count >= 1 AND retry_count < \$1`).
		WithArgs(5, now, 50).
		WillReturnRows(pgxmock.NewRows(outboxTestColumns).
			AddRow(outboxRow("ev-3", 2)...))

	events, err := store.FindForRetry(context.Background(), now, 50)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, 2, events[0].RetryCount)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_MarkProcessed(t *testing.T) {
	mock := newMock(t)
	defer mock.Close()
	store := NewPostgresStore(mock, 5)

	mock.ExpectExec(`UPDATE outbox_events\s+SET processed = TRUE`).
		WithArgs("ev-1", testNow).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	require.NoError(t, store.MarkProcessed(context.Background(), "ev-1", testNow))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_MarkProcessed_Conflict(t *testing.T) {
	mock := newMock(t)
	defer mock.Close()
	store := NewPostgresStore(mock, 5)

	mock.ExpectExec(`UPDATE outbox_events\s+SET processed = TRUE`).
		WithArgs("ev-1", testNow).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err := store.MarkProcessed(context.Background(), "ev-1", testNow)
	assert.ErrorIs(t, err, apperrors.ErrConflict, "zero rows affected means another writer won")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_IncrementRetry(t *testing.T) {
	mock := newMock(t)
	defer mock.Close()
	store := NewPostgresStore(mock, 5)

	next := testNow.Add(2 * time.Minute)
	mock.ExpectExec(`UPDATE outbox_events\s+SET retry_count = retry_count \+ 1`).
		WithArgs("ev-1", next, "broker unavailable").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	require.NoError(t, store.IncrementRetry(context.Background(), "ev-1", next, "broker unavailable"))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_IncrementRetry_AlreadyProcessed(t *testing.T) {
	mock := newMock(t)
	defer mock.Close()
	store := NewPostgresStore(mock, 5)

	next := testNow.Add(2 * time.Minute)
	mock.ExpectExec(`UPDATE outbox_events\s+SET retry_count = retry_count \+ 1`).
		WithArgs("ev-1", next, "late failure").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err := store.IncrementRetry(context.Background(), "ev-1", next, "late failure")
	assert.ErrorIs(t, err, apperrors.ErrConflict)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_DeleteProcessedBefore(t *testing.T) {
	mock := newMock(t)
	defer mock.Close()
	store := NewPostgresStore(mock, 5)

	cutoff := testNow.Add(-7 * 24 * time.Hour)
	mock.ExpectExec(`DELETE FROM outbox_events WHERE processed = TRUE`).
		WithArgs(cutoff).
		WillReturnResult(pgxmock.NewResult("DELETE", 12))

	deleted, err := store.DeleteProcessedBefore(context.Background(), cutoff)
	require.NoError(t, err)
	assert.Equal(t, int64(12), deleted)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_Stats(t *testing.T) {
	mock := newMock(t)
	defer mock.Close()
	store := NewPostgresStore(mock, 5)

	mock.ExpectQuery(`SELECT\s+count\(\*\) FILTER`).
		WithArgs(5).
		WillReturnRows(pgxmock.NewRows([]string{"fresh", "awaiting_retry", "dead_lettered", "processed"}).
			AddRow(int64(3), int64(2), int64(1), int64(40)))

	stats, err := store.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(3), stats.Fresh)
	assert.Equal(t, int64(2), stats.AwaitingRetry)
	assert.Equal(t, int64(1), stats.DeadLettered)
	assert.Equal(t, int64(40), stats.Processed)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestProducer_StoreEvent_InsertsInsideTransaction(t *testing.T) {
	mock := newMock(t)
	defer mock.Close()
	store := NewPostgresStore(mock, 5)
	producer := NewProducer(store, testLogger())
	ctx := context.Background()

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO outbox_events`).
		WithArgs(pgxmock.AnyArg(), "42", "Product", "ProductCreated", pgxmock.AnyArg(), pgxmock.AnyArg(), 1).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	tx, err := mock.Begin(ctx)
	require.NoError(t, err)

	ev, err := producer.StoreEvent(ctx, tx, "42", "Product", "ProductCreated", map[string]string{"id": "42"})
	require.NoError(t, err)
	assert.NotEmpty(t, ev.ID)
	assert.Equal(t, "ProductCreated", ev.EventType)
	assert.JSONEq(t, `{"id":"42"}`, string(ev.EventData))

	require.NoError(t, tx.Commit(ctx))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestProducer_StoreEvent_SerializationErrorSurfacesSynchronously(t *testing.T) {
	mock := newMock(t)
	defer mock.Close()
	store := NewPostgresStore(mock, 5)
	producer := NewProducer(store, testLogger())
	ctx := context.Background()

	mock.ExpectBegin()
	mock.ExpectRollback()

	tx, err := mock.Begin(ctx)
	require.NoError(t, err)

	// Channels are not serializable; the caller sees the error before any
	// row is written and can roll the business transaction back.
	_, err = producer.StoreEvent(ctx, tx, "42", "Product", "ProductCreated", make(chan int))
	require.Error(t, err)
	require.NoError(t, tx.Rollback(ctx))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_QueryError(t *testing.T) {
	mock := newMock(t)
	defer mock.Close()
	store := NewPostgresStore(mock, 5)

	mock.ExpectQuery(`(?s)SELECT .* FROM outbox_events`).
		WithArgs(50).
		WillReturnError(errors.New("connection refused"))

	_, err := store.FindFresh(context.Background(), 50)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection refused")
}
