package pubsub

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

// Sink is the publishing surface the outbox dispatcher (and any other
// producer) depends on. Publisher implements it over the in-process broker;
// tests substitute failing fakes.
type Sink interface {
	Publish(ctx context.Context, msg Message) (Message, error)
	PublishBatch(ctx context.Context, msgs []Message) ([]Message, error)
}

// Forwarder mirrors published envelopes to an external log (e.g. Kafka).
// Forwarding is best-effort: a forward failure does not fail the publish.
type Forwarder interface {
	Forward(ctx context.Context, msg Message) error
}

// PublisherStats is a snapshot of publisher activity.
type PublisherStats struct {
	TotalPublished int64     `json:"total_published"`
	TotalBatches   int64     `json:"total_batches"`
	Failures       int64     `json:"failures"`
	AvgBatchSize   float64   `json:"avg_batch_size"`
	LastPublishAt  time.Time `json:"last_publish_at"`
}

// Publisher is a thin facade over the broker. It injects the current trace
// context into message headers, gathers statistics, and optionally mirrors
// envelopes to a Forwarder. It performs no retries; retry policy belongs to
// the caller.
type Publisher struct {
	broker    *Broker
	forwarder Forwarder
	logger    *slog.Logger

	mu             sync.Mutex
	totalPublished int64
	totalBatches   int64
	failures       int64
	lastPublishAt  time.Time
}

// PublisherOption configures a Publisher.
type PublisherOption func(*Publisher)

// WithForwarder mirrors every published message to f.
func WithForwarder(f Forwarder) PublisherOption {
	return func(p *Publisher) { p.forwarder = f }
}

// NewPublisher creates a publisher over the given broker.
func NewPublisher(broker *Broker, logger *slog.Logger, opts ...PublisherOption) *Publisher {
	p := &Publisher{broker: broker, logger: logger}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Publish appends one message to the bus and returns it with its offset.
func (p *Publisher) Publish(ctx context.Context, msg Message) (Message, error) {
	msg = p.injectTraceContext(ctx, msg)

	published, err := p.broker.Publish(ctx, msg)
	if err != nil {
		p.recordFailure()
		PublisherPublishErrors.WithLabelValues(msg.Topic).Inc()
		return Message{}, fmt.Errorf("publish to %s: %w", msg.Topic, err)
	}

	p.recordPublish(1)
	PublisherMessagesPublished.WithLabelValues(msg.Topic).Inc()
	p.mirror(ctx, published)

	p.logger.DebugContext(ctx, "message published",
		slog.String("topic", published.Topic),
		slog.String("event_type", published.EventType),
		slog.Int64("offset", published.Offset),
	)
	return published, nil
}

// PublishBatch appends all messages. The append is all-or-nothing per
// partition; an empty input returns an empty list.
func (p *Publisher) PublishBatch(ctx context.Context, msgs []Message) ([]Message, error) {
	if len(msgs) == 0 {
		return []Message{}, nil
	}

	for i := range msgs {
		msgs[i] = p.injectTraceContext(ctx, msgs[i])
	}

	published, err := p.broker.PublishBatch(ctx, msgs)
	if err != nil {
		p.recordFailure()
		for _, m := range msgs {
			PublisherPublishErrors.WithLabelValues(m.Topic).Inc()
		}
		return nil, fmt.Errorf("publish batch: %w", err)
	}

	p.recordPublish(int64(len(published)))
	for _, m := range published {
		PublisherMessagesPublished.WithLabelValues(m.Topic).Inc()
		p.mirror(ctx, m)
	}
	return published, nil
}

// Stats returns a snapshot of publisher counters.
func (p *Publisher) Stats() PublisherStats {
	p.mu.Lock()
	defer p.mu.Unlock()

	stats := PublisherStats{
		TotalPublished: p.totalPublished,
		TotalBatches:   p.totalBatches,
		Failures:       p.failures,
		LastPublishAt:  p.lastPublishAt,
	}
	if p.totalBatches > 0 {
		stats.AvgBatchSize = float64(p.totalPublished) / float64(p.totalBatches)
	}
	return stats
}

// recordPublish counts a publish call; single publishes count as batches of
// one for the average batch size.
func (p *Publisher) recordPublish(count int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.totalPublished += count
	p.totalBatches++
	p.lastPublishAt = time.Now().UTC()
}

func (p *Publisher) recordFailure() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failures++
}

// injectTraceContext writes the active W3C trace context into the message
// headers so consumers can continue the trace.
func (p *Publisher) injectTraceContext(ctx context.Context, msg Message) Message {
	if msg.Headers == nil {
		msg.Headers = make(map[string]string)
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.MapCarrier(msg.Headers))
	return msg
}

func (p *Publisher) mirror(ctx context.Context, msg Message) {
	if p.forwarder == nil {
		return
	}
	if err := p.forwarder.Forward(ctx, msg); err != nil {
		p.logger.WarnContext(ctx, "forward to external log failed",
			slog.String("topic", msg.Topic),
			slog.Int64("offset", msg.Offset),
			slog.String("error", err.Error()),
		)
	}
}
