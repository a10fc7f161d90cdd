package pubsub

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"
)

// KafkaForwarder mirrors published envelopes to an external Kafka cluster.
// It is the swap seam for replacing the in-process broker with a real log:
// topics, partition keys, and headers carry over one-to-one.
type KafkaForwarder struct {
	writer *kafka.Writer
	logger *slog.Logger
}

// NewKafkaForwarder creates a forwarder writing to the given brokers.
func NewKafkaForwarder(brokers []string, logger *slog.Logger) *KafkaForwarder {
	w := &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Balancer:               &kafka.Hash{},
		BatchTimeout:           10 * time.Millisecond,
		RequiredAcks:           kafka.RequireAll,
		AllowAutoTopicCreation: true,
	}

	return &KafkaForwarder{
		writer: w,
		logger: logger,
	}
}

// Forward writes one envelope to Kafka. The message value is the JSON wire
// format; bus headers become Kafka headers and the partition key becomes
// the record key so per-key ordering survives the swap.
func (f *KafkaForwarder) Forward(ctx context.Context, msg Message) error {
	value, err := msg.Marshal()
	if err != nil {
		return fmt.Errorf("marshal message %s: %w", msg.ID, err)
	}

	headers := make([]kafka.Header, 0, len(msg.Headers))
	for k, v := range msg.Headers {
		headers = append(headers, kafka.Header{Key: k, Value: []byte(v)})
	}

	record := kafka.Message{
		Topic:   msg.Topic,
		Key:     []byte(msg.PartitionKey),
		Value:   value,
		Headers: headers,
		Time:    msg.Timestamp,
	}

	if err := f.writer.WriteMessages(ctx, record); err != nil {
		return fmt.Errorf("forward to kafka topic %s: %w", msg.Topic, err)
	}

	f.logger.DebugContext(ctx, "message forwarded to kafka",
		slog.String("topic", msg.Topic),
		slog.Int64("offset", msg.Offset),
	)
	return nil
}

// Close flushes and closes the underlying writer.
func (f *KafkaForwarder) Close() error {
	return f.writer.Close()
}
