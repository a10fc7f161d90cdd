// Package repository reads product aggregates from the write store.
package repository

import (
	"context"
	"time"

	"github.com/utafrali/catalog-sync/internal/domain"
)

// ProductReader hands out fully materialized product aggregates: categories,
// attributes, and images are resolved before the aggregate leaves the
// adapter, so the projector and reconciler never chase sub-collections.
type ProductReader interface {
	// GetByID fetches one aggregate, or errors.ErrNotFound.
	GetByID(ctx context.Context, id string) (*domain.Product, error)

	// List pages through all products ordered by id.
	List(ctx context.Context, offset, limit int) ([]domain.Product, error)

	// UpdatedSince returns products updated at or after the given instant,
	// ordered by updated_at.
	UpdatedSince(ctx context.Context, since time.Time, limit int) ([]domain.Product, error)

	// Count returns the total number of products.
	Count(ctx context.Context) (int64, error)
}
