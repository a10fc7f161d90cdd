// Package index defines the write surface of the search index maintained by
// the projector and the reconciler.
package index

import (
	"context"

	"github.com/utafrali/catalog-sync/internal/domain"
)

// Counter identifies a read-model-owned analytics counter on a document.
type Counter string

const (
	CounterClicks    Counter = "click_count"
	CounterPurchases Counter = "purchase_count"
)

// Indexer is the interface for maintaining product documents in the search
// index. Implementations may use Elasticsearch or in-memory storage.
type Indexer interface {
	// Index creates or fully replaces a document.
	Index(ctx context.Context, doc *domain.Document) error

	// Update merges the write-model fields of doc into the stored document,
	// preserving read-model-owned counters, and recomputes derived fields.
	// If no document exists the merge degenerates to an insert.
	Update(ctx context.Context, doc *domain.Document) error

	// Delete removes a document by product id. Deleting a missing document
	// is not an error.
	Delete(ctx context.Context, id string) error

	// IncrementCounter atomically adds delta to the given counter and
	// recomputes the popularity-derived fields. The increment must not lose
	// updates under concurrency.
	IncrementCounter(ctx context.Context, id string, counter Counter, delta int64) error

	// BulkIndex creates or replaces many documents.
	BulkIndex(ctx context.Context, docs []domain.Document) error

	// Get fetches a document by product id, or errors.ErrNotFound.
	Get(ctx context.Context, id string) (*domain.Document, error)

	// Count returns the number of documents in the index.
	Count(ctx context.Context) (int64, error)

	// Ping checks index reachability.
	Ping(ctx context.Context) error
}
