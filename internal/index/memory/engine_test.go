package memory

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/utafrali/catalog-sync/pkg/errors"

	"github.com/utafrali/catalog-sync/internal/domain"
	"github.com/utafrali/catalog-sync/internal/index"
)

func sampleDoc(id string) *domain.Document {
	return domain.FromProduct(&domain.Product{
		ID:            id,
		Name:          "Widget",
		Description:   "A fine widget",
		SKU:           "W-" + id,
		Price:         42.50,
		Categories:    []string{"widgets"},
		StockQuantity: 3,
		CreatedAt:     time.Now().UTC(),
		UpdatedAt:     time.Now().UTC(),
	})
}

func TestEngine_IndexAndGet(t *testing.T) {
	e := New()
	ctx := context.Background()

	require.NoError(t, e.Index(ctx, sampleDoc("p1")))

	doc, err := e.Get(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, "Widget", doc.Name)

	_, err = e.Get(ctx, "ghost")
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
}

func TestEngine_Delete(t *testing.T) {
	e := New()
	ctx := context.Background()

	require.NoError(t, e.Index(ctx, sampleDoc("p1")))
	require.NoError(t, e.Delete(ctx, "p1"))
	require.NoError(t, e.Delete(ctx, "p1"), "deleting a missing document is not an error")

	_, err := e.Get(ctx, "p1")
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
}

func TestEngine_UpdatePreservesCounters(t *testing.T) {
	e := New()
	ctx := context.Background()

	doc := sampleDoc("p1")
	require.NoError(t, e.Index(ctx, doc))
	require.NoError(t, e.IncrementCounter(ctx, "p1", index.CounterClicks, 60))

	// An update carrying zero counters must not clobber read-model state.
	updated := sampleDoc("p1")
	updated.Name = "Widget v2"
	updated.ClickCount = 0
	require.NoError(t, e.Update(ctx, updated))

	got, err := e.Get(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, "Widget v2", got.Name)
	assert.Equal(t, int64(60), got.ClickCount)
	assert.Equal(t, 60.0, got.PopularityScore)
	assert.Contains(t, got.Tags, "popular", "derived fields recomputed with preserved counters")
}

func TestEngine_UpdateMissingInserts(t *testing.T) {
	e := New()
	ctx := context.Background()

	require.NoError(t, e.Update(ctx, sampleDoc("p1")))

	doc, err := e.Get(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, "Widget", doc.Name)
}

func TestEngine_IncrementCounter_NoLostUpdates(t *testing.T) {
	e := New()
	ctx := context.Background()
	require.NoError(t, e.Index(ctx, sampleDoc("p9")))

	const n = 1000
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, e.IncrementCounter(ctx, "p9", index.CounterClicks, 1))
		}()
	}
	wg.Wait()

	doc, err := e.Get(ctx, "p9")
	require.NoError(t, err)
	assert.Equal(t, int64(n), doc.ClickCount)
	assert.Equal(t, float64(n), doc.PopularityScore)
}

func TestEngine_IncrementCounter_PurchasesWeighted(t *testing.T) {
	e := New()
	ctx := context.Background()
	require.NoError(t, e.Index(ctx, sampleDoc("p1")))

	require.NoError(t, e.IncrementCounter(ctx, "p1", index.CounterPurchases, 2))
	require.NoError(t, e.IncrementCounter(ctx, "p1", index.CounterClicks, 5))

	doc, err := e.Get(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), doc.PurchaseCount)
	assert.Equal(t, int64(5), doc.ClickCount)
	assert.Equal(t, 25.0, doc.PopularityScore)
}

func TestEngine_IncrementCounter_Unknown(t *testing.T) {
	e := New()
	ctx := context.Background()
	require.NoError(t, e.Index(ctx, sampleDoc("p1")))

	err := e.IncrementCounter(ctx, "p1", index.Counter("view_count"), 1)
	assert.ErrorIs(t, err, apperrors.ErrInvalidInput)

	err = e.IncrementCounter(ctx, "ghost", index.CounterClicks, 1)
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
}

func TestEngine_BulkIndexAndCount(t *testing.T) {
	e := New()
	ctx := context.Background()

	docs := []domain.Document{*sampleDoc("p1"), *sampleDoc("p2"), *sampleDoc("p3")}
	require.NoError(t, e.BulkIndex(ctx, docs))

	count, err := e.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), count)

	e.Clear()
	count, err = e.Count(ctx)
	require.NoError(t, err)
	assert.Zero(t, count)
}
