package outbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	apperrors "github.com/utafrali/catalog-sync/pkg/errors"
	"github.com/utafrali/catalog-sync/pkg/pubsub"

	"github.com/utafrali/catalog-sync/internal/domain"
)

// Source header value stamped on every envelope the dispatcher builds.
const sourceOutbox = "outbox"

// DispatcherConfig tunes the outbox drains.
type DispatcherConfig struct {
	BatchSize          int
	ProcessingInterval time.Duration // fresh drain cadence
	RetryInterval      time.Duration // retry drain cadence
	MaxRetries         int
	CleanupAfter       time.Duration // janitor threshold for processed rows
	DrainConcurrency   int           // parallel publishes per drain
}

// DefaultDispatcherConfig mirrors the configuration surface defaults.
func DefaultDispatcherConfig() DispatcherConfig {
	return DispatcherConfig{
		BatchSize:          50,
		ProcessingInterval: 5 * time.Second,
		RetryInterval:      10 * time.Second,
		MaxRetries:         5,
		CleanupAfter:       7 * 24 * time.Hour,
		DrainConcurrency:   5,
	}
}

// Dispatcher drains the outbox into the message bus on two independent
// cadences: a fast one for fresh rows (latency) and a slower one for
// retries (so backoff can breathe and fresh work is never starved). A
// daily janitor garbage-collects processed rows.
//
// Mark-processed and increment-retry run outside the publish path in their
// own store round-trips, and both are conditional updates, so concurrent
// dispatcher instances or a restart re-draining the same rows is safe.
type Dispatcher struct {
	store  Store
	sink   pubsub.Sink
	cfg    DispatcherConfig
	logger *slog.Logger

	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
	mu      sync.Mutex
}

// NewDispatcher creates a dispatcher draining store into sink.
func NewDispatcher(store Store, sink pubsub.Sink, cfg DispatcherConfig, logger *slog.Logger) *Dispatcher {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultDispatcherConfig().BatchSize
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = DefaultDispatcherConfig().MaxRetries
	}
	if cfg.DrainConcurrency <= 0 {
		cfg.DrainConcurrency = DefaultDispatcherConfig().DrainConcurrency
	}

	return &Dispatcher{
		store:  store,
		sink:   sink,
		cfg:    cfg,
		logger: logger,
	}
}

// Start launches the fresh drain, the retry drain, and the janitor.
// Idempotent.
func (d *Dispatcher) Start() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.started {
		return
	}
	d.started = true

	ctx, cancel := context.WithCancel(context.Background())
	d.cancel = cancel

	d.wg.Add(3)
	go d.loop(ctx, d.cfg.ProcessingInterval, d.DrainFresh)
	go d.loop(ctx, d.cfg.RetryInterval, d.DrainRetries)
	go d.loop(ctx, 24*time.Hour, d.RunJanitor)

	d.logger.Info("outbox dispatcher started",
		slog.Duration("processing_interval", d.cfg.ProcessingInterval),
		slog.Duration("retry_interval", d.cfg.RetryInterval),
		slog.Int("batch_size", d.cfg.BatchSize),
	)
}

// Stop halts the drains and waits for in-flight ticks to finish.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.started {
		return
	}
	d.started = false

	d.cancel()
	d.wg.Wait()
	d.logger.Info("outbox dispatcher stopped")
}

func (d *Dispatcher) loop(ctx context.Context, interval time.Duration, tick func(context.Context) error) {
	defer d.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := tick(ctx); err != nil && !errors.Is(err, context.Canceled) {
				d.logger.Error("outbox drain tick failed", slog.String("error", err.Error()))
			}
		}
	}
}

// DrainFresh publishes one batch of never-failed rows.
func (d *Dispatcher) DrainFresh(ctx context.Context) error {
	events, err := d.store.FindFresh(ctx, d.cfg.BatchSize)
	if err != nil {
		return fmt.Errorf("find fresh outbox events: %w", err)
	}
	return d.drain(ctx, events)
}

// DrainRetries publishes one batch of due retry rows.
func (d *Dispatcher) DrainRetries(ctx context.Context) error {
	events, err := d.store.FindForRetry(ctx, time.Now().UTC(), d.cfg.BatchSize)
	if err != nil {
		return fmt.Errorf("find retryable outbox events: %w", err)
	}
	return d.drain(ctx, events)
}

// drain publishes each row and settles its ledger. Rows are handed out in
// the store's created_at order, but up to DrainConcurrency publishes run at
// once, so rows of one batch can reach the bus in a different order.
func (d *Dispatcher) drain(ctx context.Context, events []Event) error {
	if len(events) == 0 {
		d.updateGauges(ctx)
		return nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.cfg.DrainConcurrency)

	for _, ev := range events {
		ev := ev
		g.Go(func() error {
			d.dispatchOne(gctx, ev)
			return nil
		})
	}
	_ = g.Wait()

	d.updateGauges(ctx)
	return nil
}

// dispatchOne publishes one row and records the outcome in a store
// round-trip separate from the publish itself.
func (d *Dispatcher) dispatchOne(ctx context.Context, ev Event) {
	msg := d.buildEnvelope(ev)

	published, err := d.sink.Publish(ctx, msg)
	if err != nil {
		PublishFailures.WithLabelValues(msg.Topic).Inc()
		d.recordFailure(ctx, ev, err)
		return
	}

	EventsPublished.WithLabelValues(msg.Topic).Inc()
	if err := d.store.MarkProcessed(ctx, ev.ID, time.Now().UTC()); err != nil {
		if errors.Is(err, apperrors.ErrConflict) {
			// Another dispatcher instance won the race; the publish is
			// duplicated but consumers deduplicate on the idempotency key.
			d.logger.Debug("outbox event already marked processed",
				slog.String("event_id", ev.ID),
			)
			return
		}
		d.logger.Error("mark processed failed",
			slog.String("event_id", ev.ID),
			slog.String("error", err.Error()),
		)
		return
	}

	d.logger.DebugContext(ctx, "outbox event published",
		slog.String("event_id", ev.ID),
		slog.String("topic", published.Topic),
		slog.Int64("offset", published.Offset),
	)
}

// recordFailure advances the retry ledger with exponential backoff
// (2^(retryCount+1) minutes) and dead-letters at the retry cap.
func (d *Dispatcher) recordFailure(ctx context.Context, ev Event, cause error) {
	newCount := ev.RetryCount + 1
	delay := time.Duration(math.Pow(2, float64(newCount))) * time.Minute
	nextRetryAt := time.Now().UTC().Add(delay)

	if err := d.store.IncrementRetry(ctx, ev.ID, nextRetryAt, cause.Error()); err != nil {
		d.logger.Error("increment retry failed",
			slog.String("event_id", ev.ID),
			slog.String("error", err.Error()),
		)
		return
	}

	if newCount >= d.cfg.MaxRetries {
		// Terminal: the row stays unprocessed but the retry scan's
		// half-open interval excludes it. Operators recover out of band.
		DeadLetters.Inc()
		d.logger.Error("outbox event dead-lettered",
			slog.String("event_id", ev.ID),
			slog.String("event_type", ev.EventType),
			slog.String("aggregate_id", ev.AggregateID),
			slog.Int("retry_count", newCount),
			slog.String("error", cause.Error()),
		)
		return
	}

	d.logger.Warn("outbox publish failed, retry scheduled",
		slog.String("event_id", ev.ID),
		slog.Int("retry_count", newCount),
		slog.Time("next_retry_at", nextRetryAt),
		slog.String("error", cause.Error()),
	)
}

// buildEnvelope converts an outbox row into a bus message. The idempotency
// key is derived from the row id, so re-publishes of the same row
// deduplicate downstream.
func (d *Dispatcher) buildEnvelope(ev Event) pubsub.Message {
	msg := pubsub.Message{
		ID:           ev.ID,
		Topic:        domain.TopicForAggregate(ev.AggregateType),
		EventType:    ev.EventType,
		Payload:      ev.EventData,
		PartitionKey: ev.AggregateID,
		Timestamp:    time.Now().UTC(),
		Headers: map[string]string{
			pubsub.HeaderIdempotencyKey: "outbox-event-" + ev.ID,
			pubsub.HeaderAggregateID:    ev.AggregateID,
			pubsub.HeaderAggregateType:  ev.AggregateType,
			pubsub.HeaderEventType:      ev.EventType,
			pubsub.HeaderSource:         sourceOutbox,
			pubsub.HeaderCreatedAt:      ev.CreatedAt.Format(time.RFC3339Nano),
		},
	}
	return msg
}

// RunJanitor deletes processed rows older than the cleanup threshold.
func (d *Dispatcher) RunJanitor(ctx context.Context) error {
	cutoff := time.Now().UTC().Add(-d.cfg.CleanupAfter)
	deleted, err := d.store.DeleteProcessedBefore(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("outbox janitor: %w", err)
	}
	if deleted > 0 {
		RowsDeleted.Add(float64(deleted))
		d.logger.Info("outbox janitor removed processed rows",
			slog.Int64("deleted", deleted),
			slog.Time("cutoff", cutoff),
		)
	}
	return nil
}

func (d *Dispatcher) updateGauges(ctx context.Context) {
	stats, err := d.store.Stats(ctx)
	if err != nil {
		return
	}
	PendingRows.WithLabelValues("fresh").Set(float64(stats.Fresh))
	PendingRows.WithLabelValues("awaiting_retry").Set(float64(stats.AwaitingRetry))
	PendingRows.WithLabelValues("dead_lettered").Set(float64(stats.DeadLettered))
	PendingRows.WithLabelValues("processed").Set(float64(stats.Processed))
}
