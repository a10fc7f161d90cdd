package pubsub

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFactory_CreateGroup_Validation(t *testing.T) {
	f := NewFactory(newTestBroker(t), fastWorkerConfig(), testLogger())

	_, err := f.CreateGroup("g", []string{"t"}, 2, nil)
	assert.Error(t, err, "nil handler fails fast")

	_, err = f.CreateGroup("g", nil, 2, func(context.Context, Message) error { return nil })
	assert.Error(t, err, "no topics fails fast")

	_, err = f.CreateGroup("", []string{"t"}, 2, func(context.Context, Message) error { return nil })
	assert.Error(t, err, "empty group id fails fast")

	_, err = f.CreateGroup("g", []string{"t"}, 2, func(context.Context, Message) error { return nil })
	require.NoError(t, err)

	_, err = f.CreateGroup("g", []string{"t"}, 2, func(context.Context, Message) error { return nil })
	assert.Error(t, err, "duplicate group id fails fast")
}

func TestFactory_WorkersHaveIndependentCursors(t *testing.T) {
	b := newTestBroker(t)
	f := NewFactory(b, fastWorkerConfig(), testLogger())

	var processed atomic.Int64
	g, err := f.CreateGroup("indexer", []string{"product-events"}, 3, func(context.Context, Message) error {
		processed.Add(1)
		return nil
	})
	require.NoError(t, err)
	assert.Len(t, g.workers, 3)

	require.NoError(t, f.Start("indexer"))
	defer func() { _ = f.Stop("indexer") }()

	publishN(t, b, "product-events", "ProductViewed", 6)

	// Every worker has its own cursor, so each consumes the full log.
	assert.Eventually(t, func() bool { return processed.Load() == 18 }, 3*time.Second, 5*time.Millisecond)

	stats, err := f.Stats("indexer")
	require.NoError(t, err)
	assert.Equal(t, int64(18), stats.Processed)
	assert.Equal(t, 3, stats.WorkerCount)
	assert.Len(t, stats.Workers, 3)
}

func TestFactory_StartUnknownGroup(t *testing.T) {
	f := NewFactory(newTestBroker(t), fastWorkerConfig(), testLogger())

	err := f.Start("ghost")
	assert.ErrorIs(t, err, ErrUnknownGroup)
}

func TestFactory_StopAll(t *testing.T) {
	b := newTestBroker(t)
	f := NewFactory(b, fastWorkerConfig(), testLogger())

	var processed atomic.Int64
	_, err := f.CreateGroup("a", []string{"t1"}, 1, func(context.Context, Message) error {
		processed.Add(1)
		return nil
	})
	require.NoError(t, err)
	_, err = f.CreateBatchGroup("b", []string{"t2"}, 1, func(_ context.Context, batch *Batch) error {
		processed.Add(int64(batch.Size()))
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, f.Start("a"))
	require.NoError(t, f.Start("b"))

	publishN(t, b, "t1", "E", 1)
	publishN(t, b, "t2", "E", 1)
	assert.Eventually(t, func() bool { return processed.Load() == 2 }, 2*time.Second, 5*time.Millisecond)

	f.StopAll()

	publishN(t, b, "t1", "E", 1)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int64(2), processed.Load())
}
