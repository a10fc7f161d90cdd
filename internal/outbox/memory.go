package outbox

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	apperrors "github.com/utafrali/catalog-sync/pkg/errors"
)

// MemoryStore is an in-memory Store for development and tests. It applies
// the same conditional-update semantics as the relational store.
type MemoryStore struct {
	mu         sync.Mutex
	rows       map[string]*Event
	maxRetries int
}

// NewMemoryStore creates an empty in-memory store. maxRetries bounds the
// retry scan exactly like the relational implementation.
func NewMemoryStore(maxRetries int) *MemoryStore {
	return &MemoryStore{
		rows:       make(map[string]*Event),
		maxRetries: maxRetries,
	}
}

// Add stages a new event row. Used by the in-memory producer path and
// tests; the relational path inserts inside the business transaction.
func (s *MemoryStore) Add(ev Event) Event {
	s.mu.Lock()
	defer s.mu.Unlock()

	if ev.ID == "" {
		ev.ID = uuid.New().String()
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now().UTC()
	}
	if ev.Version == 0 {
		ev.Version = 1
	}
	s.rows[ev.ID] = &ev
	return ev
}

// FindFresh returns unprocessed rows with retry_count = 0, oldest first.
func (s *MemoryStore) FindFresh(_ context.Context, limit int) ([]Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.selectRows(limit, func(ev *Event) bool {
		return !ev.Processed && ev.RetryCount == 0
	}), nil
}

// FindForRetry returns unprocessed rows with retry_count in [1, maxRetries)
// whose next_retry_at has passed.
func (s *MemoryStore) FindForRetry(_ context.Context, now time.Time, limit int) ([]Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.selectRows(limit, func(ev *Event) bool {
		if ev.Processed || ev.RetryCount < 1 || ev.RetryCount >= s.maxRetries {
			return false
		}
		return ev.NextRetryAt == nil || !ev.NextRetryAt.After(now)
	}), nil
}

func (s *MemoryStore) selectRows(limit int, match func(*Event) bool) []Event {
	selected := make([]Event, 0, limit)
	for _, ev := range s.rows {
		if match(ev) {
			selected = append(selected, *ev)
		}
	}
	sort.Slice(selected, func(i, j int) bool {
		if selected[i].CreatedAt.Equal(selected[j].CreatedAt) {
			return selected[i].ID < selected[j].ID
		}
		return selected[i].CreatedAt.Before(selected[j].CreatedAt)
	})
	if len(selected) > limit {
		selected = selected[:limit]
	}
	return selected
}

// MarkProcessed terminally completes a row; conditional on processed=false.
func (s *MemoryStore) MarkProcessed(_ context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ev, ok := s.rows[id]
	if !ok {
		return apperrors.NotFound("outbox event", id)
	}
	if ev.Processed {
		return apperrors.Conflict("outbox event " + id + " already processed")
	}

	ev.Processed = true
	ev.ProcessedAt = &at
	ev.Version++
	return nil
}

// IncrementRetry records a failed publish; conditional on processed=false.
func (s *MemoryStore) IncrementRetry(_ context.Context, id string, nextRetryAt time.Time, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ev, ok := s.rows[id]
	if !ok {
		return apperrors.NotFound("outbox event", id)
	}
	if ev.Processed {
		return apperrors.Conflict("outbox event " + id + " already processed")
	}

	ev.RetryCount++
	ev.NextRetryAt = &nextRetryAt
	ev.ErrorMessage = &errMsg
	ev.Version++
	return nil
}

// DeleteProcessedBefore removes processed rows older than cutoff.
func (s *MemoryStore) DeleteProcessedBefore(_ context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var deleted int64
	for id, ev := range s.rows {
		if ev.Processed && ev.ProcessedAt != nil && ev.ProcessedAt.Before(cutoff) {
			delete(s.rows, id)
			deleted++
		}
	}
	return deleted, nil
}

// Stats counts rows per disposition.
func (s *MemoryStore) Stats(_ context.Context) (Stats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var stats Stats
	for _, ev := range s.rows {
		switch {
		case ev.Processed:
			stats.Processed++
		case ev.RetryCount >= s.maxRetries:
			stats.DeadLettered++
		case ev.RetryCount > 0:
			stats.AwaitingRetry++
		default:
			stats.Fresh++
		}
	}
	return stats, nil
}

// SetNextRetryAt rewinds a row's retry clock without touching the ledger;
// test helper standing in for the passage of backoff time.
func (s *MemoryStore) SetNextRetryAt(id string, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if ev, ok := s.rows[id]; ok {
		ev.NextRetryAt = &at
	}
}

// Get returns a copy of a row; test helper.
func (s *MemoryStore) Get(id string) (Event, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ev, ok := s.rows[id]
	if !ok {
		return Event{}, false
	}
	return *ev, true
}
