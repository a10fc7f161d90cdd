// Package projector maintains the search read model from product events.
package projector

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	apperrors "github.com/utafrali/catalog-sync/pkg/errors"
	"github.com/utafrali/catalog-sync/pkg/pubsub"

	"github.com/utafrali/catalog-sync/internal/domain"
	"github.com/utafrali/catalog-sync/internal/index"
)

var (
	// EventsProjected counts successfully applied events per type.
	EventsProjected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "projector_events_applied_total",
			Help: "Total number of events applied to the search index",
		},
		[]string{"event_type"},
	)

	// DuplicatesSkipped counts deliveries skipped by the idempotency guard.
	DuplicatesSkipped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "projector_duplicates_skipped_total",
			Help: "Total number of duplicate deliveries skipped by the idempotency guard",
		},
	)
)

// Projector dispatches product events to the search index: full upserts for
// creates, counter-preserving merges for updates, deletes, and atomic
// server-side counter increments for analytics events.
type Projector struct {
	indexer index.Indexer
	idemp   pubsub.IdempotencyStore
	logger  *slog.Logger
}

// New creates a projector writing to indexer and deduplicating on idemp.
func New(indexer index.Indexer, idemp pubsub.IdempotencyStore, logger *slog.Logger) *Projector {
	return &Projector{
		indexer: indexer,
		idemp:   idemp,
		logger:  logger,
	}
}

// Handler returns the message handler to register with a consumer group.
func (p *Projector) Handler() pubsub.Handler {
	return p.Handle
}

// Handle applies one event. Applying the same idempotency key twice leaves
// the index unchanged: workers fanned out over the topic each receive every
// message, so the key is reserved atomically before the apply and exactly
// one worker wins it. A failed apply releases the reservation so the
// worker's redelivery can win it again. Deserialization failures are
// terminal and route straight to the dead-letter path; index failures
// propagate and inherit the worker's retry policy.
func (p *Projector) Handle(ctx context.Context, msg pubsub.Message) error {
	key := msg.Header(pubsub.HeaderIdempotencyKey)
	reserved := false
	if key != "" {
		won, err := p.idemp.Acquire(ctx, key)
		if err != nil {
			p.logger.WarnContext(ctx, "idempotency reservation failed, processing anyway",
				slog.String("key", key),
				slog.String("error", err.Error()),
			)
		} else if !won {
			DuplicatesSkipped.Inc()
			p.logger.DebugContext(ctx, "skipping duplicate event",
				slog.String("key", key),
				slog.String("event_type", msg.EventType),
			)
			return nil
		} else {
			reserved = true
		}
	}

	if err := p.apply(ctx, msg); err != nil {
		if reserved {
			if relErr := p.idemp.Release(ctx, key); relErr != nil {
				p.logger.WarnContext(ctx, "failed to release idempotency key",
					slog.String("key", key),
					slog.String("error", relErr.Error()),
				)
			}
		}
		return err
	}

	EventsProjected.WithLabelValues(msg.EventType).Inc()
	return nil
}

func (p *Projector) apply(ctx context.Context, msg pubsub.Message) error {
	switch msg.EventType {
	case domain.EventProductCreated:
		return p.applyCreated(ctx, msg)
	case domain.EventProductUpdated:
		return p.applyUpdated(ctx, msg)
	case domain.EventProductDeleted:
		return p.applyDeleted(ctx, msg)
	case domain.EventProductViewed:
		return p.applyCounter(ctx, msg, index.CounterClicks)
	case domain.EventProductPurchased:
		return p.applyCounter(ctx, msg, index.CounterPurchases)
	case domain.EventProductInventoryChanged:
		return p.applyInventoryChanged(ctx, msg)
	default:
		p.logger.WarnContext(ctx, "unknown event type received",
			slog.String("event_type", msg.EventType),
			slog.String("message_id", msg.ID),
		)
		return nil
	}
}

func (p *Projector) applyCreated(ctx context.Context, msg pubsub.Message) error {
	var data domain.ProductCreatedData
	if err := msg.UnmarshalPayload(&data); err != nil {
		return apperrors.BadPayload(fmt.Errorf("unmarshal ProductCreated: %w", err))
	}

	doc := domain.FromProduct(productFromEventData(&data))
	if err := p.indexer.Index(ctx, doc); err != nil {
		return fmt.Errorf("index product %s: %w", data.ID, err)
	}

	p.logger.InfoContext(ctx, "product indexed",
		slog.String("product_id", data.ID),
	)
	return nil
}

func (p *Projector) applyUpdated(ctx context.Context, msg pubsub.Message) error {
	var data domain.ProductUpdatedData
	if err := msg.UnmarshalPayload(&data); err != nil {
		return apperrors.BadPayload(fmt.Errorf("unmarshal ProductUpdated: %w", err))
	}

	// Update merges write-model fields only; the index keeps ownership of
	// the analytics counters.
	doc := domain.FromProduct(productFromEventData(&data))
	if err := p.indexer.Update(ctx, doc); err != nil {
		return fmt.Errorf("update product %s: %w", data.ID, err)
	}

	p.logger.InfoContext(ctx, "product re-indexed",
		slog.String("product_id", data.ID),
	)
	return nil
}

func (p *Projector) applyDeleted(ctx context.Context, msg pubsub.Message) error {
	var data domain.ProductDeletedData
	if err := msg.UnmarshalPayload(&data); err != nil {
		return apperrors.BadPayload(fmt.Errorf("unmarshal ProductDeleted: %w", err))
	}

	if err := p.indexer.Delete(ctx, data.ID); err != nil {
		return fmt.Errorf("delete product %s: %w", data.ID, err)
	}

	p.logger.InfoContext(ctx, "product removed from index",
		slog.String("product_id", data.ID),
	)
	return nil
}

// applyCounter increments one analytics counter. The index performs the
// increment server-side, so concurrent events never lose updates. A missing
// document is retryable: the create event may still be in flight on another
// worker.
func (p *Projector) applyCounter(ctx context.Context, msg pubsub.Message, counter index.Counter) error {
	productID, err := p.analyticsProductID(msg)
	if err != nil {
		return err
	}

	if err := p.indexer.IncrementCounter(ctx, productID, counter, 1); err != nil {
		return fmt.Errorf("increment %s for product %s: %w", counter, productID, err)
	}
	return nil
}

func (p *Projector) analyticsProductID(msg pubsub.Message) (string, error) {
	switch msg.EventType {
	case domain.EventProductViewed:
		var data domain.ProductViewedData
		if err := msg.UnmarshalPayload(&data); err != nil {
			return "", apperrors.BadPayload(fmt.Errorf("unmarshal ProductViewed: %w", err))
		}
		return data.ProductID, nil
	default:
		var data domain.ProductPurchasedData
		if err := msg.UnmarshalPayload(&data); err != nil {
			return "", apperrors.BadPayload(fmt.Errorf("unmarshal ProductPurchased: %w", err))
		}
		return data.ProductID, nil
	}
}

func (p *Projector) applyInventoryChanged(ctx context.Context, msg pubsub.Message) error {
	var data domain.ProductInventoryChangedData
	if err := msg.UnmarshalPayload(&data); err != nil {
		return apperrors.BadPayload(fmt.Errorf("unmarshal ProductInventoryChanged: %w", err))
	}

	doc, err := p.indexer.Get(ctx, data.ProductID)
	if err != nil {
		return fmt.Errorf("load product %s for inventory change: %w", data.ProductID, err)
	}

	// Merge rather than replace so concurrent counter increments survive.
	doc.StockQuantity = data.StockQuantity
	doc.Recompute()
	if err := p.indexer.Update(ctx, doc); err != nil {
		return fmt.Errorf("reindex product %s after inventory change: %w", data.ProductID, err)
	}

	p.logger.DebugContext(ctx, "inventory updated",
		slog.String("product_id", data.ProductID),
		slog.Int("stock_quantity", data.StockQuantity),
	)
	return nil
}

// productFromEventData converts an event payload into the aggregate shape
// the document builder consumes. Counters start at zero; the index owns
// them.
func productFromEventData(data *domain.ProductCreatedData) *domain.Product {
	return &domain.Product{
		ID:            data.ID,
		Name:          data.Name,
		Description:   data.Description,
		SKU:           data.SKU,
		Price:         data.Price,
		Categories:    data.Categories,
		Attributes:    data.Attributes,
		Images:        data.Images,
		StockQuantity: data.StockQuantity,
		CreatedAt:     data.CreatedAt,
		UpdatedAt:     data.UpdatedAt,
	}
}
