package pubsub

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Broker errors. Unknown groups and empty topics are wiring mistakes and
// fail fast rather than being retried.
var (
	ErrUnknownGroup  = errors.New("pubsub: unknown consumer group")
	ErrEmptyTopic    = errors.New("pubsub: empty topic")
	ErrNotSubscribed = errors.New("pubsub: group not subscribed to topic")
)

const tracerName = "github.com/utafrali/catalog-sync/pkg/pubsub"

// topicPartition is the server-side log for one topic: an append-only
// message sequence with a monotonic offset generator. Offsets start at 1 and
// never rewind. Append is serialized by the partition mutex; reads proceed
// concurrently.
type topicPartition struct {
	mu        sync.RWMutex
	log       []Message
	offsetGen int64
}

// append assigns the next offset and appends. Caller must not hold the lock.
func (p *topicPartition) append(msg Message) Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.offsetGen++
	msg.Offset = p.offsetGen
	p.log = append(p.log, msg)
	return msg
}

// appendAll appends msgs contiguously under a single lock acquisition.
func (p *topicPartition) appendAll(msgs []Message) []Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Message, 0, len(msgs))
	for _, msg := range msgs {
		p.offsetGen++
		msg.Offset = p.offsetGen
		p.log = append(p.log, msg)
		out = append(out, msg)
	}
	return out
}

// readAfter returns up to max messages with offset > after.
func (p *topicPartition) readAfter(after int64, max int) []Message {
	p.mu.RLock()
	defer p.mu.RUnlock()

	// Offsets are dense (1..len), so the first candidate index is the offset
	// itself.
	idx := int(after)
	if idx >= len(p.log) {
		return nil
	}
	end := idx + max
	if end > len(p.log) {
		end = len(p.log)
	}
	out := make([]Message, end-idx)
	copy(out, p.log[idx:end])
	return out
}

func (p *topicPartition) size() int64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return int64(len(p.log))
}

// groupState tracks one consumer group: its subscriptions and the committed
// offset per topic. Committed offsets default to 0 (nothing consumed) and
// only ever advance.
type groupState struct {
	mu        sync.Mutex
	topics    []string // sorted for deterministic iteration
	committed map[string]int64
	rrCursor  int // round-robin start position across topics
}

// BrokerStats is a point-in-time snapshot of broker state.
type BrokerStats struct {
	Topics        int              `json:"topics"`
	Groups        int              `json:"groups"`
	TotalMessages int64            `json:"total_messages"`
	PerTopic      map[string]int64 `json:"per_topic"`
}

// Broker is the in-process message bus: per-topic append-only logs with
// monotonic offsets, a subscription registry, and per-group offset commits.
// All operations are safe for concurrent use.
type Broker struct {
	mu     sync.RWMutex
	topics map[string]*topicPartition
	groups map[string]*groupState
	logger *slog.Logger
}

// NewBroker creates an empty broker.
func NewBroker(logger *slog.Logger) *Broker {
	return &Broker{
		topics: make(map[string]*topicPartition),
		groups: make(map[string]*groupState),
		logger: logger,
	}
}

// partition returns the partition for topic, creating it on first use.
func (b *Broker) partition(topic string) *topicPartition {
	b.mu.RLock()
	p, ok := b.topics[topic]
	b.mu.RUnlock()
	if ok {
		return p
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if p, ok = b.topics[topic]; ok {
		return p
	}
	p = &topicPartition{}
	b.topics[topic] = p
	return p
}

// Publish assigns the next offset for the topic's partition and appends.
// It returns the message with its assigned offset.
func (b *Broker) Publish(ctx context.Context, msg Message) (Message, error) {
	if msg.Topic == "" {
		return Message{}, ErrEmptyTopic
	}

	_, span := otel.Tracer(tracerName).Start(ctx, "pubsub.publish "+msg.Topic,
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			attribute.String("messaging.system", "pubsub"),
			attribute.String("messaging.destination.name", msg.Topic),
			attribute.String("messaging.operation", "publish"),
		),
	)
	defer span.End()

	published := b.partition(msg.Topic).append(msg)
	span.SetAttributes(attribute.Int64("messaging.message.offset", published.Offset))
	BrokerMessagesAppended.WithLabelValues(msg.Topic).Inc()
	return published, nil
}

// PublishBatch appends all messages, grouping by topic so that messages
// addressed to the same topic land contiguously. The relative order within
// each topic follows the input order. Publishing an empty batch returns an
// empty list.
func (b *Broker) PublishBatch(ctx context.Context, msgs []Message) ([]Message, error) {
	if len(msgs) == 0 {
		return []Message{}, nil
	}

	byTopic := make(map[string][]Message)
	topicOrder := make([]string, 0)
	for _, msg := range msgs {
		if msg.Topic == "" {
			return nil, ErrEmptyTopic
		}
		if _, ok := byTopic[msg.Topic]; !ok {
			topicOrder = append(topicOrder, msg.Topic)
		}
		byTopic[msg.Topic] = append(byTopic[msg.Topic], msg)
	}

	published := make([]Message, 0, len(msgs))
	for _, topic := range topicOrder {
		appended := b.partition(topic).appendAll(byTopic[topic])
		published = append(published, appended...)
		BrokerMessagesAppended.WithLabelValues(topic).Add(float64(len(appended)))
	}

	return published, nil
}

// Subscribe registers the group for the given topics. It is idempotent:
// repeat calls add missing topics and leave existing committed offsets
// untouched. Newly added topics start at committed offset 0.
func (b *Broker) Subscribe(groupID string, topics ...string) error {
	if groupID == "" {
		return fmt.Errorf("pubsub: empty group id")
	}
	for _, t := range topics {
		if t == "" {
			return ErrEmptyTopic
		}
	}

	b.mu.Lock()
	g, ok := b.groups[groupID]
	if !ok {
		g = &groupState{committed: make(map[string]int64)}
		b.groups[groupID] = g
	}
	b.mu.Unlock()

	g.mu.Lock()
	defer g.mu.Unlock()
	for _, t := range topics {
		if _, ok := g.committed[t]; !ok {
			g.committed[t] = 0
			g.topics = append(g.topics, t)
		}
	}
	sort.Strings(g.topics)
	return nil
}

// Poll returns up to maxMessages messages past the group's committed offset,
// drawn from a single topic. Topics are tried round-robin from a rotating
// cursor so no subscription starves. Poll never blocks: if no topic has
// data an empty batch is returned.
func (b *Broker) Poll(groupID string, maxMessages int) (*Batch, error) {
	if maxMessages <= 0 {
		maxMessages = 1
	}

	b.mu.RLock()
	g, ok := b.groups[groupID]
	b.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownGroup, groupID)
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	n := len(g.topics)
	for i := 0; i < n; i++ {
		topic := g.topics[(g.rrCursor+i)%n]

		b.mu.RLock()
		p, exists := b.topics[topic]
		b.mu.RUnlock()
		if !exists {
			continue
		}

		msgs := p.readAfter(g.committed[topic], maxMessages)
		if len(msgs) == 0 {
			continue
		}

		g.rrCursor = (g.rrCursor + i + 1) % n
		BrokerPolledMessages.WithLabelValues(topic, groupID).Add(float64(len(msgs)))
		return newBatch(topic, groupID, msgs), nil
	}

	return newBatch("", groupID, nil), nil
}

// Commit advances the group's committed offset for topic to
// max(current, offset). Commits at or below the current offset are no-ops;
// Commit is therefore idempotent and offsets never rewind.
func (b *Broker) Commit(groupID, topic string, offset int64) error {
	b.mu.RLock()
	g, ok := b.groups[groupID]
	b.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownGroup, groupID)
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	current, ok := g.committed[topic]
	if !ok {
		return fmt.Errorf("%w: group %s topic %s", ErrNotSubscribed, groupID, topic)
	}
	if offset > current {
		g.committed[topic] = offset
	}
	return nil
}

// CommittedOffset returns the group's committed offset for topic.
func (b *Broker) CommittedOffset(groupID, topic string) (int64, error) {
	b.mu.RLock()
	g, ok := b.groups[groupID]
	b.mu.RUnlock()
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownGroup, groupID)
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	off, ok := g.committed[topic]
	if !ok {
		return 0, fmt.Errorf("%w: group %s topic %s", ErrNotSubscribed, groupID, topic)
	}
	return off, nil
}

// Stats returns a snapshot of topics, groups, and stored message counts.
func (b *Broker) Stats() BrokerStats {
	b.mu.RLock()
	defer b.mu.RUnlock()

	stats := BrokerStats{
		Topics:   len(b.topics),
		Groups:   len(b.groups),
		PerTopic: make(map[string]int64, len(b.topics)),
	}
	for topic, p := range b.topics {
		size := p.size()
		stats.PerTopic[topic] = size
		stats.TotalMessages += size
	}
	return stats
}

// Ping reports broker liveness. The in-memory broker is always reachable;
// the method exists so health checks treat the bus like an external one.
func (b *Broker) Ping(_ context.Context) error {
	return nil
}

// Close releases broker resources. Retained logs are dropped.
func (b *Broker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.topics = make(map[string]*topicPartition)
	b.groups = make(map[string]*groupState)
	return nil
}
