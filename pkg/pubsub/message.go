// Package pubsub implements a partitioned, offset-addressed in-process
// message bus: topic logs with monotonic offsets, a publishing facade,
// polling consumer workers with per-message retry and dead-letter
// disposition, and a consumer-group factory. The broker is deliberately
// shaped like an external log so it can be swapped for Kafka.
package pubsub

import (
	"encoding/json"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// Well-known header keys carried on messages.
const (
	HeaderIdempotencyKey = "idempotency-key"
	HeaderAggregateID    = "aggregate-id"
	HeaderAggregateType  = "aggregate-type"
	HeaderEventType      = "event-type"
	HeaderSource         = "source"
	HeaderCreatedAt      = "created-at"
	HeaderRetryCount     = "retry-count"
)

// Message is the immutable envelope published to the bus. Offset is zero
// until the broker assigns one; PartitionKey is advisory and routes messages
// for the same key to the same logical partition.
type Message struct {
	ID           string            `json:"id"`
	Topic        string            `json:"topic"`
	EventType    string            `json:"eventType"`
	Payload      []byte            `json:"payload"`
	Headers      map[string]string `json:"headers,omitempty"`
	PartitionKey string            `json:"partitionKey,omitempty"`
	Timestamp    time.Time         `json:"timestamp"`
	Offset       int64             `json:"offset,omitempty"`
}

// NewMessage creates a message with a generated ID and current timestamp.
// The payload is serialized to JSON.
func NewMessage(topic, eventType string, payload any) (Message, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Message{}, err
	}

	return Message{
		ID:        uuid.New().String(),
		Topic:     topic,
		EventType: eventType,
		Payload:   data,
		Headers:   make(map[string]string),
		Timestamp: time.Now().UTC(),
	}, nil
}

// WithHeader sets a header and returns the message for chaining.
func (m Message) WithHeader(key, value string) Message {
	headers := make(map[string]string, len(m.Headers)+1)
	for k, v := range m.Headers {
		headers[k] = v
	}
	headers[key] = value
	m.Headers = headers
	return m
}

// WithPartitionKey sets the partition key and returns the message.
func (m Message) WithPartitionKey(key string) Message {
	m.PartitionKey = key
	return m
}

// Header returns the value of a header, or "" if absent.
func (m Message) Header(key string) string {
	return m.Headers[key]
}

// RetryCount reads the retry-count header. A missing or malformed header is
// treated as zero.
func (m Message) RetryCount() int {
	v, ok := m.Headers[HeaderRetryCount]
	if !ok {
		return 0
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0
	}
	return n
}

// WithRetryCount returns a copy of the message with the retry-count header
// set to n.
func (m Message) WithRetryCount(n int) Message {
	return m.WithHeader(HeaderRetryCount, strconv.Itoa(n))
}

// UnmarshalPayload deserializes the payload into target.
func (m Message) UnmarshalPayload(target any) error {
	return json.Unmarshal(m.Payload, target)
}

// Marshal serializes the message to its JSON wire format.
func (m Message) Marshal() ([]byte, error) {
	return json.Marshal(m)
}

// UnmarshalMessage deserializes a message from its JSON wire format.
func UnmarshalMessage(data []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return Message{}, err
	}
	return m, nil
}

// Batch is a group of messages with a contiguous offset range drawn from one
// topic for one consumer group. Non-empty batches satisfy
// StartOffset = Messages[0].Offset and EndOffset = Messages[last].Offset,
// with offsets strictly increasing.
type Batch struct {
	BatchID       string    `json:"batchId"`
	Topic         string    `json:"topic"`
	ConsumerGroup string    `json:"consumerGroup"`
	PartitionID   int       `json:"partitionId"`
	Messages      []Message `json:"messages"`
	StartOffset   int64     `json:"startOffset"`
	EndOffset     int64     `json:"endOffset"`
	CreatedAt     time.Time `json:"createdAt"`
}

// newBatch builds a batch over messages, deriving the offset range.
func newBatch(topic, group string, messages []Message) *Batch {
	b := &Batch{
		BatchID:       uuid.New().String(),
		Topic:         topic,
		ConsumerGroup: group,
		Messages:      messages,
		CreatedAt:     time.Now().UTC(),
	}
	if len(messages) > 0 {
		b.StartOffset = messages[0].Offset
		b.EndOffset = messages[len(messages)-1].Offset
	}
	return b
}

// Empty reports whether the batch contains no messages.
func (b *Batch) Empty() bool {
	return b == nil || len(b.Messages) == 0
}

// Size returns the number of messages in the batch.
func (b *Batch) Size() int {
	if b == nil {
		return 0
	}
	return len(b.Messages)
}
