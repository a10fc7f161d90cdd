package pubsub

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingForwarder struct {
	forwarded []Message
	err       error
}

func (f *recordingForwarder) Forward(_ context.Context, msg Message) error {
	if f.err != nil {
		return f.err
	}
	f.forwarded = append(f.forwarded, msg)
	return nil
}

func TestPublisher_PublishTracksStats(t *testing.T) {
	b := newTestBroker(t)
	p := NewPublisher(b, testLogger())
	ctx := context.Background()

	published, err := p.Publish(ctx, mustMessage(t, "product-events", "ProductCreated", nil))
	require.NoError(t, err)
	assert.Equal(t, int64(1), published.Offset)

	batch := []Message{
		mustMessage(t, "product-events", "ProductUpdated", nil),
		mustMessage(t, "product-events", "ProductViewed", nil),
		mustMessage(t, "order-events", "OrderCreated", nil),
	}
	out, err := p.PublishBatch(ctx, batch)
	require.NoError(t, err)
	assert.Len(t, out, 3)

	stats := p.Stats()
	assert.Equal(t, int64(4), stats.TotalPublished)
	assert.Equal(t, int64(2), stats.TotalBatches)
	assert.Zero(t, stats.Failures)
	assert.InDelta(t, 2.0, stats.AvgBatchSize, 0.001)
	assert.False(t, stats.LastPublishAt.IsZero())
}

func TestPublisher_PublishBatch_Empty(t *testing.T) {
	p := NewPublisher(newTestBroker(t), testLogger())

	out, err := p.PublishBatch(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, out)
	assert.Zero(t, p.Stats().TotalBatches)
}

func TestPublisher_FailureCounted(t *testing.T) {
	p := NewPublisher(newTestBroker(t), testLogger())

	_, err := p.Publish(context.Background(), Message{EventType: "ProductCreated"})
	require.Error(t, err)
	assert.Equal(t, int64(1), p.Stats().Failures)
	assert.Zero(t, p.Stats().TotalPublished)
}

func TestPublisher_ForwarderMirrorsMessages(t *testing.T) {
	fwd := &recordingForwarder{}
	p := NewPublisher(newTestBroker(t), testLogger(), WithForwarder(fwd))

	_, err := p.Publish(context.Background(), mustMessage(t, "product-events", "ProductCreated", nil))
	require.NoError(t, err)

	require.Len(t, fwd.forwarded, 1)
	assert.Equal(t, "product-events", fwd.forwarded[0].Topic)
	assert.Equal(t, int64(1), fwd.forwarded[0].Offset)
}

func TestPublisher_ForwarderFailureDoesNotFailPublish(t *testing.T) {
	fwd := &recordingForwarder{err: errors.New("kafka unreachable")}
	p := NewPublisher(newTestBroker(t), testLogger(), WithForwarder(fwd))

	published, err := p.Publish(context.Background(), mustMessage(t, "product-events", "ProductCreated", nil))
	require.NoError(t, err, "mirroring is best-effort")
	assert.Equal(t, int64(1), published.Offset)
	assert.Zero(t, p.Stats().Failures)
}
