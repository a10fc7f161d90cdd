// Package memory provides an in-memory Indexer used for development,
// degraded mode, and tests.
package memory

import (
	"context"
	"sync"

	apperrors "github.com/utafrali/catalog-sync/pkg/errors"

	"github.com/utafrali/catalog-sync/internal/domain"
	"github.com/utafrali/catalog-sync/internal/index"
)

// Engine is an in-memory implementation of index.Indexer. All operations
// run under one mutex, which makes counter increments trivially atomic.
type Engine struct {
	mu   sync.RWMutex
	docs map[string]domain.Document
}

// New creates an empty in-memory engine.
func New() *Engine {
	return &Engine{
		docs: make(map[string]domain.Document),
	}
}

// Index creates or fully replaces a document.
func (e *Engine) Index(_ context.Context, doc *domain.Document) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.docs[doc.ProductID] = *doc
	return nil
}

// Update merges write-model fields into the stored document, keeping the
// stored counters, then recomputes derived fields. Missing documents are
// inserted as-is.
func (e *Engine) Update(_ context.Context, doc *domain.Document) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	merged := *doc
	if existing, ok := e.docs[doc.ProductID]; ok {
		merged.ClickCount = existing.ClickCount
		merged.PurchaseCount = existing.PurchaseCount
	}
	merged.Recompute()
	e.docs[doc.ProductID] = merged
	return nil
}

// Delete removes a document. Missing documents are ignored.
func (e *Engine) Delete(_ context.Context, id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	delete(e.docs, id)
	return nil
}

// IncrementCounter adds delta to the counter and recomputes derived fields
// under the engine lock.
func (e *Engine) IncrementCounter(_ context.Context, id string, counter index.Counter, delta int64) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	doc, ok := e.docs[id]
	if !ok {
		return apperrors.NotFound("document", id)
	}

	switch counter {
	case index.CounterClicks:
		doc.ClickCount += delta
	case index.CounterPurchases:
		doc.PurchaseCount += delta
	default:
		return apperrors.InvalidInput("unknown counter: " + string(counter))
	}

	doc.Recompute()
	e.docs[id] = doc
	return nil
}

// BulkIndex creates or replaces many documents.
func (e *Engine) BulkIndex(_ context.Context, docs []domain.Document) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	for i := range docs {
		e.docs[docs[i].ProductID] = docs[i]
	}
	return nil
}

// Get fetches a copy of the stored document.
func (e *Engine) Get(_ context.Context, id string) (*domain.Document, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	doc, ok := e.docs[id]
	if !ok {
		return nil, apperrors.NotFound("document", id)
	}
	return &doc, nil
}

// Count returns the number of stored documents.
func (e *Engine) Count(_ context.Context) (int64, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return int64(len(e.docs)), nil
}

// Ping always succeeds for the in-memory engine.
func (e *Engine) Ping(_ context.Context) error {
	return nil
}

// Clear removes all documents. Used by tests and full-resync recovery.
func (e *Engine) Clear() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.docs = make(map[string]domain.Document)
}
