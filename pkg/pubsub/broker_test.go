package pubsub

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/utafrali/catalog-sync/pkg/logger"
)

func testLogger() *slog.Logger {
	return logger.NewWithWriter("test", "error", io.Discard)
}

func newTestBroker(t *testing.T) *Broker {
	t.Helper()
	return NewBroker(testLogger())
}

func mustMessage(t *testing.T, topic, eventType string, payload any) Message {
	t.Helper()
	msg, err := NewMessage(topic, eventType, payload)
	require.NoError(t, err)
	return msg
}

func TestBroker_Publish_AssignsMonotonicOffsets(t *testing.T) {
	b := newTestBroker(t)
	ctx := context.Background()

	for i := 1; i <= 5; i++ {
		published, err := b.Publish(ctx, mustMessage(t, "product-events", "ProductCreated", map[string]int{"n": i}))
		require.NoError(t, err)
		assert.Equal(t, int64(i), published.Offset, "offsets start at 1 and increase by 1")
	}
}

func TestBroker_Publish_ConcurrentOffsetsUnique(t *testing.T) {
	b := newTestBroker(t)
	ctx := context.Background()

	const n = 200
	offsets := make(chan int64, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			published, err := b.Publish(ctx, mustMessage(t, "product-events", "ProductViewed", nil))
			assert.NoError(t, err)
			offsets <- published.Offset
		}()
	}
	wg.Wait()
	close(offsets)

	seen := make(map[int64]bool, n)
	for off := range offsets {
		assert.Greater(t, off, int64(0))
		assert.False(t, seen[off], "offset %d assigned twice", off)
		seen[off] = true
	}
	assert.Len(t, seen, n)
}

func TestBroker_Publish_EmptyTopic(t *testing.T) {
	b := newTestBroker(t)

	_, err := b.Publish(context.Background(), Message{})
	assert.ErrorIs(t, err, ErrEmptyTopic)
}

func TestBroker_PublishBatch_Empty(t *testing.T) {
	b := newTestBroker(t)

	published, err := b.PublishBatch(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, published)
}

func TestBroker_PublishBatch_ContiguousPerTopic(t *testing.T) {
	b := newTestBroker(t)
	ctx := context.Background()

	msgs := []Message{
		mustMessage(t, "product-events", "ProductCreated", nil),
		mustMessage(t, "order-events", "OrderCreated", nil),
		mustMessage(t, "product-events", "ProductUpdated", nil),
	}

	published, err := b.PublishBatch(ctx, msgs)
	require.NoError(t, err)
	require.Len(t, published, 3)

	var productOffsets []int64
	for _, m := range published {
		if m.Topic == "product-events" {
			productOffsets = append(productOffsets, m.Offset)
		}
	}
	require.Len(t, productOffsets, 2)
	assert.Equal(t, productOffsets[0]+1, productOffsets[1], "same-topic messages append contiguously")
}

func TestBroker_Subscribe_Idempotent(t *testing.T) {
	b := newTestBroker(t)

	require.NoError(t, b.Subscribe("g1", "product-events"))
	require.NoError(t, b.Subscribe("g1", "product-events", "order-events"))

	off, err := b.CommittedOffset("g1", "product-events")
	require.NoError(t, err)
	assert.Equal(t, int64(0), off, "first subscription starts at offset 0")
}

func TestBroker_Poll_UnknownGroup(t *testing.T) {
	b := newTestBroker(t)

	_, err := b.Poll("ghost", 10)
	assert.ErrorIs(t, err, ErrUnknownGroup)
}

func TestBroker_Poll_EmptyBatchNotError(t *testing.T) {
	b := newTestBroker(t)
	require.NoError(t, b.Subscribe("g1", "product-events"))

	batch, err := b.Poll("g1", 10)
	require.NoError(t, err)
	assert.True(t, batch.Empty())
}

func TestBroker_Poll_BatchOffsetRange(t *testing.T) {
	b := newTestBroker(t)
	ctx := context.Background()
	require.NoError(t, b.Subscribe("g1", "product-events"))

	for i := 0; i < 7; i++ {
		_, err := b.Publish(ctx, mustMessage(t, "product-events", "ProductViewed", nil))
		require.NoError(t, err)
	}

	batch, err := b.Poll("g1", 5)
	require.NoError(t, err)
	require.Equal(t, 5, batch.Size())
	assert.Equal(t, int64(1), batch.StartOffset)
	assert.Equal(t, int64(5), batch.EndOffset)
	for i := 1; i < batch.Size(); i++ {
		assert.Greater(t, batch.Messages[i].Offset, batch.Messages[i-1].Offset, "offsets strictly increase")
	}

	// Without a commit, the same messages are returned again.
	again, err := b.Poll("g1", 5)
	require.NoError(t, err)
	assert.Equal(t, int64(1), again.StartOffset)

	require.NoError(t, b.Commit("g1", "product-events", 5))
	rest, err := b.Poll("g1", 5)
	require.NoError(t, err)
	require.Equal(t, 2, rest.Size())
	assert.Equal(t, int64(6), rest.StartOffset)
	assert.Equal(t, int64(7), rest.EndOffset)
}

func TestBroker_Commit_MaxSemantics(t *testing.T) {
	b := newTestBroker(t)
	require.NoError(t, b.Subscribe("g1", "product-events"))

	require.NoError(t, b.Commit("g1", "product-events", 5))
	// Lower and equal commits are no-ops.
	require.NoError(t, b.Commit("g1", "product-events", 3))
	require.NoError(t, b.Commit("g1", "product-events", 5))

	off, err := b.CommittedOffset("g1", "product-events")
	require.NoError(t, err)
	assert.Equal(t, int64(5), off)

	require.NoError(t, b.Commit("g1", "product-events", 9))
	off, err = b.CommittedOffset("g1", "product-events")
	require.NoError(t, err)
	assert.Equal(t, int64(9), off)
}

func TestBroker_Commit_NotSubscribed(t *testing.T) {
	b := newTestBroker(t)
	require.NoError(t, b.Subscribe("g1", "product-events"))

	err := b.Commit("g1", "order-events", 1)
	assert.ErrorIs(t, err, ErrNotSubscribed)
}

func TestBroker_Poll_RoundRobinAcrossTopics(t *testing.T) {
	b := newTestBroker(t)
	ctx := context.Background()
	require.NoError(t, b.Subscribe("g1", "product-events", "order-events"))

	for i := 0; i < 3; i++ {
		_, err := b.Publish(ctx, mustMessage(t, "product-events", "ProductViewed", nil))
		require.NoError(t, err)
		_, err = b.Publish(ctx, mustMessage(t, "order-events", "OrderCreated", nil))
		require.NoError(t, err)
	}

	seen := make(map[string]bool)
	for i := 0; i < 2; i++ {
		batch, err := b.Poll("g1", 10)
		require.NoError(t, err)
		require.False(t, batch.Empty())
		seen[batch.Topic] = true
		require.NoError(t, b.Commit("g1", batch.Topic, batch.EndOffset))
	}

	assert.True(t, seen["product-events"], "product-events polled")
	assert.True(t, seen["order-events"], "order-events polled")
}

func TestBroker_Stats(t *testing.T) {
	b := newTestBroker(t)
	ctx := context.Background()
	require.NoError(t, b.Subscribe("g1", "product-events"))

	for i := 0; i < 4; i++ {
		_, err := b.Publish(ctx, mustMessage(t, "product-events", "ProductCreated", nil))
		require.NoError(t, err)
	}
	_, err := b.Publish(ctx, mustMessage(t, "order-events", "OrderCreated", nil))
	require.NoError(t, err)

	stats := b.Stats()
	assert.Equal(t, 2, stats.Topics)
	assert.Equal(t, 1, stats.Groups)
	assert.Equal(t, int64(5), stats.TotalMessages)
	assert.Equal(t, int64(4), stats.PerTopic["product-events"])
}

func TestBroker_PerWorkerCursorsIndependent(t *testing.T) {
	b := newTestBroker(t)
	ctx := context.Background()
	require.NoError(t, b.Subscribe("grp-worker-0", "product-events"))
	require.NoError(t, b.Subscribe("grp-worker-1", "product-events"))

	for i := 0; i < 3; i++ {
		_, err := b.Publish(ctx, mustMessage(t, "product-events", "ProductCreated", nil))
		require.NoError(t, err)
	}

	require.NoError(t, b.Commit("grp-worker-0", "product-events", 3))

	batch, err := b.Poll("grp-worker-1", 10)
	require.NoError(t, err)
	assert.Equal(t, 3, batch.Size(), "worker-1's cursor is unaffected by worker-0 commits")
}

func ExampleBroker_Publish() {
	b := NewBroker(logger.New("example", "error"))
	msg, _ := NewMessage("product-events", "ProductCreated", map[string]string{"id": "42"})
	published, _ := b.Publish(context.Background(), msg)
	fmt.Println(published.Offset)
	// Output: 1
}
