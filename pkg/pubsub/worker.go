package pubsub

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	apperrors "github.com/utafrali/catalog-sync/pkg/errors"
)

// Handler processes a single message. Returning an error triggers the
// worker's retry policy; wrap the error with errors.BadPayload to skip
// retries and dead-letter immediately.
type Handler func(ctx context.Context, msg Message) error

// BatchHandler processes a whole batch in offset order. On error the batch
// is recorded as failed and nothing is committed.
type BatchHandler func(ctx context.Context, batch *Batch) error

// stopGrace is how long Stop waits for in-flight work before giving up.
const stopGrace = 5 * time.Second

// WorkerConfig tunes a consumer worker.
type WorkerConfig struct {
	BatchSize    int
	PollInterval time.Duration
	MaxRetries   int
	RetryDelay   time.Duration
}

// DefaultWorkerConfig mirrors the configuration surface defaults.
func DefaultWorkerConfig() WorkerConfig {
	return WorkerConfig{
		BatchSize:    10,
		PollInterval: 100 * time.Millisecond,
		MaxRetries:   3,
		RetryDelay:   1 * time.Second,
	}
}

// WorkerStats is a snapshot of one worker's counters.
type WorkerStats struct {
	WorkerID      string    `json:"worker_id"`
	Processed     int64     `json:"processed"`
	Failed        int64     `json:"failed"`
	Retried       int64     `json:"retried"`
	DeadLettered  int64     `json:"dead_lettered"`
	BatchesFailed int64     `json:"batches_failed"`
	LastConsumeAt time.Time `json:"last_consume_at"`
}

// Worker is a single polling/dispatch loop. It owns a distinct consumer
// identity on the broker (its own committed-offset cursor), a message OR a
// batch handler, and a retry ladder for failed messages.
//
// With a message handler, messages within a batch are dispatched
// concurrently and each message commits its own offset once it reaches a
// terminal disposition (success or dead-letter); the broker coalesces
// commits to the maximum observed. A message that dead-letters mid-batch
// therefore has its offset skipped once higher offsets commit:
// dead-lettering trades strict ordering for liveness. Callers needing
// strict order use a batch handler.
type Worker struct {
	id           string
	family       string
	topics       []string
	broker       *Broker
	handler      Handler
	batchHandler BatchHandler
	cfg          WorkerConfig
	logger       *slog.Logger

	running  atomic.Bool
	cancel   context.CancelFunc
	loopDone chan struct{}

	processed     atomic.Int64
	failed        atomic.Int64
	retried       atomic.Int64
	deadLettered  atomic.Int64
	batchesFailed atomic.Int64
	lastConsume   atomic.Int64 // unix nanos
}

// newWorker wires a worker; exactly one of handler/batchHandler is set.
func newWorker(id, family string, topics []string, broker *Broker, h Handler, bh BatchHandler, cfg WorkerConfig, logger *slog.Logger) (*Worker, error) {
	if (h == nil) == (bh == nil) {
		return nil, fmt.Errorf("pubsub: worker %s: exactly one of message handler and batch handler must be set", id)
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultWorkerConfig().BatchSize
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultWorkerConfig().PollInterval
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = DefaultWorkerConfig().RetryDelay
	}

	return &Worker{
		id:           id,
		family:       family,
		topics:       topics,
		broker:       broker,
		handler:      h,
		batchHandler: bh,
		cfg:          cfg,
		logger:       logger.With(slog.String("worker", id)),
	}, nil
}

// ID returns the worker's consumer identity on the broker.
func (w *Worker) ID() string { return w.id }

// Start subscribes the worker and launches its poll loop. Idempotent.
func (w *Worker) Start() error {
	if !w.running.CompareAndSwap(false, true) {
		return nil
	}

	if err := w.broker.Subscribe(w.id, w.topics...); err != nil {
		w.running.Store(false)
		return fmt.Errorf("subscribe worker %s: %w", w.id, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	w.cancel = cancel
	w.loopDone = make(chan struct{})

	go w.run(ctx)

	w.logger.Info("worker started",
		slog.Any("topics", w.topics),
		slog.Int("batch_size", w.cfg.BatchSize),
	)
	return nil
}

// Stop cancels the poll loop and waits up to 5 seconds for the in-flight
// batch (including pending retry sleeps, which exit on cancellation) to
// drain. Idempotent.
func (w *Worker) Stop() {
	if !w.running.CompareAndSwap(true, false) {
		return
	}

	w.cancel()

	select {
	case <-w.loopDone:
		w.logger.Info("worker stopped")
	case <-time.After(stopGrace):
		w.logger.Warn("worker stop grace period elapsed, abandoning in-flight work")
	}
}

// Stats returns a snapshot of this worker's counters.
func (w *Worker) Stats() WorkerStats {
	stats := WorkerStats{
		WorkerID:      w.id,
		Processed:     w.processed.Load(),
		Failed:        w.failed.Load(),
		Retried:       w.retried.Load(),
		DeadLettered:  w.deadLettered.Load(),
		BatchesFailed: w.batchesFailed.Load(),
	}
	if ns := w.lastConsume.Load(); ns > 0 {
		stats.LastConsumeAt = time.Unix(0, ns).UTC()
	}
	return stats
}

// run is the poll loop: fetch a batch, process it to completion, sleep on
// empty polls.
func (w *Worker) run(ctx context.Context) {
	defer close(w.loopDone)

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		batch, err := w.broker.Poll(w.id, w.cfg.BatchSize)
		if err != nil {
			w.logger.Error("poll failed", slog.String("error", err.Error()))
			w.sleep(ctx)
			continue
		}

		if batch.Empty() {
			w.sleep(ctx)
			continue
		}

		w.lastConsume.Store(time.Now().UnixNano())
		w.processBatch(ctx, batch)
	}
}

func (w *Worker) sleep(ctx context.Context) {
	select {
	case <-ctx.Done():
	case <-time.After(w.cfg.PollInterval):
	}
}

func (w *Worker) processBatch(ctx context.Context, batch *Batch) {
	if w.batchHandler != nil {
		w.processWholeBatch(ctx, batch)
		return
	}

	// Dispatch every message concurrently and wait for the whole batch to
	// reach terminal dispositions before polling again; otherwise the next
	// poll would re-fetch messages whose offsets are still uncommitted.
	var wg sync.WaitGroup
	for _, msg := range batch.Messages {
		wg.Add(1)
		go func(m Message) {
			defer wg.Done()
			w.dispatch(ctx, m)
		}(msg)
	}
	wg.Wait()
}

// processWholeBatch hands the entire batch to the batch handler in offset
// order, committing the end offset on success.
func (w *Worker) processWholeBatch(ctx context.Context, batch *Batch) {
	start := time.Now()
	err := w.batchHandler(ctx, batch)
	ConsumerProcessingDuration.WithLabelValues(batch.Topic, w.family).Observe(time.Since(start).Seconds())

	if err != nil {
		w.batchesFailed.Add(1)
		ConsumerMessagesFailed.WithLabelValues(batch.Topic, w.family).Add(float64(batch.Size()))
		w.logger.Error("batch handler failed",
			slog.String("topic", batch.Topic),
			slog.Int64("start_offset", batch.StartOffset),
			slog.Int64("end_offset", batch.EndOffset),
			slog.String("error", err.Error()),
		)
		return
	}

	w.processed.Add(int64(batch.Size()))
	ConsumerMessagesProcessed.WithLabelValues(batch.Topic, w.family).Add(float64(batch.Size()))
	if err := w.broker.Commit(w.id, batch.Topic, batch.EndOffset); err != nil {
		w.logger.Error("commit failed",
			slog.String("topic", batch.Topic),
			slog.Int64("offset", batch.EndOffset),
			slog.String("error", err.Error()),
		)
	}
}

// dispatch drives one message to a terminal disposition: invoke the handler,
// and on failure either walk the retry ladder (delay RetryDelay * 2^n,
// incrementing the retry-count header each attempt) or dead-letter.
func (w *Worker) dispatch(ctx context.Context, msg Message) {
	msgCtx := otel.GetTextMapPropagator().Extract(ctx, propagation.MapCarrier(msg.Headers))
	msgCtx, span := otel.Tracer(tracerName).Start(msgCtx, "pubsub.consume "+msg.Topic,
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("messaging.system", "pubsub"),
			attribute.String("messaging.destination.name", msg.Topic),
			attribute.String("messaging.operation", "process"),
			attribute.String("messaging.consumer.group.name", w.family),
			attribute.Int64("messaging.message.offset", msg.Offset),
		),
	)
	defer span.End()

	for {
		start := time.Now()
		err := w.handler(msgCtx, msg)
		ConsumerProcessingDuration.WithLabelValues(msg.Topic, w.family).Observe(time.Since(start).Seconds())

		if err == nil {
			w.processed.Add(1)
			ConsumerMessagesProcessed.WithLabelValues(msg.Topic, w.family).Inc()
			w.commit(msg)
			return
		}

		w.failed.Add(1)
		ConsumerMessagesFailed.WithLabelValues(msg.Topic, w.family).Inc()
		span.RecordError(err)

		// Bad payloads never get better; skip the retry ladder.
		if apperrors.IsBadPayload(err) {
			span.SetStatus(codes.Error, "bad payload")
			w.deadLetter(msg, err)
			return
		}

		retryCount := msg.RetryCount()
		if retryCount >= w.cfg.MaxRetries {
			span.SetStatus(codes.Error, "retries exhausted")
			w.deadLetter(msg, err)
			return
		}

		delay := w.cfg.RetryDelay * time.Duration(1<<uint(retryCount))
		w.retried.Add(1)
		ConsumerMessagesRetried.WithLabelValues(msg.Topic, w.family).Inc()
		w.logger.Warn("handler failed, scheduling retry",
			slog.String("topic", msg.Topic),
			slog.Int64("offset", msg.Offset),
			slog.Int("retry_count", retryCount),
			slog.Duration("delay", delay),
			slog.String("error", err.Error()),
		)

		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
		msg = msg.WithRetryCount(retryCount + 1)
	}
}

// deadLetter records the terminal disposition and commits the offset so the
// log advances past the poison message.
func (w *Worker) deadLetter(msg Message, cause error) {
	w.deadLettered.Add(1)
	ConsumerDeadLetters.WithLabelValues(msg.Topic, w.family).Inc()

	w.logger.Error("message dead-lettered",
		slog.String("topic", msg.Topic),
		slog.Int64("offset", msg.Offset),
		slog.String("message_id", msg.ID),
		slog.String("event_type", msg.EventType),
		slog.Int("retry_count", msg.RetryCount()),
		slog.String("error", cause.Error()),
	)

	w.commit(msg)
}

func (w *Worker) commit(msg Message) {
	if err := w.broker.Commit(w.id, msg.Topic, msg.Offset); err != nil {
		w.logger.Error("commit failed",
			slog.String("topic", msg.Topic),
			slog.Int64("offset", msg.Offset),
			slog.String("error", err.Error()),
		)
	}
}
