package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// Producer is the business layer's entry point into the outbox. StoreEvent
// MUST be called inside the same transaction as the business mutation;
// otherwise the delivery guarantee is void.
type Producer struct {
	store  *PostgresStore
	logger *slog.Logger
}

// NewProducer creates a producer over the relational store.
func NewProducer(store *PostgresStore, logger *slog.Logger) *Producer {
	return &Producer{store: store, logger: logger}
}

// StoreEvent serializes the payload and stages the event row on the given
// transaction. Serialization errors surface synchronously so the caller can
// roll the business transaction back.
func (p *Producer) StoreEvent(ctx context.Context, tx pgx.Tx, aggregateID, aggregateType, eventType string, eventData any) (*Event, error) {
	data, err := json.Marshal(eventData)
	if err != nil {
		return nil, fmt.Errorf("serialize %s event for aggregate %s: %w", eventType, aggregateID, err)
	}

	ev := &Event{
		ID:            uuid.New().String(),
		AggregateID:   aggregateID,
		AggregateType: aggregateType,
		EventType:     eventType,
		EventData:     data,
		CreatedAt:     time.Now().UTC(),
		Version:       1,
	}

	if err := p.store.InsertTx(ctx, tx, ev); err != nil {
		return nil, err
	}

	p.logger.DebugContext(ctx, "outbox event staged",
		slog.String("event_id", ev.ID),
		slog.String("event_type", eventType),
		slog.String("aggregate_id", aggregateID),
	)
	return ev, nil
}
