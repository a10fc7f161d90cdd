package pubsub

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryIdempotencyStore_AcquireOnce(t *testing.T) {
	s := NewMemoryIdempotencyStore(time.Minute)
	ctx := context.Background()

	won, err := s.Acquire(ctx, "outbox-event-1")
	require.NoError(t, err)
	assert.True(t, won)

	won, err = s.Acquire(ctx, "outbox-event-1")
	require.NoError(t, err)
	assert.False(t, won, "a held key cannot be acquired again")
	assert.Equal(t, 1, s.Len())
}

func TestMemoryIdempotencyStore_ReleaseAllowsReacquire(t *testing.T) {
	s := NewMemoryIdempotencyStore(time.Minute)
	ctx := context.Background()

	won, err := s.Acquire(ctx, "k")
	require.NoError(t, err)
	require.True(t, won)

	require.NoError(t, s.Release(ctx, "k"))
	require.NoError(t, s.Release(ctx, "k"), "releasing an unheld key is a no-op")

	won, err = s.Acquire(ctx, "k")
	require.NoError(t, err)
	assert.True(t, won, "a released key is up for grabs again")
}

func TestMemoryIdempotencyStore_TTLExpiry(t *testing.T) {
	s := NewMemoryIdempotencyStore(10 * time.Millisecond)
	ctx := context.Background()

	won, err := s.Acquire(ctx, "k")
	require.NoError(t, err)
	require.True(t, won)

	time.Sleep(20 * time.Millisecond)

	won, err = s.Acquire(ctx, "k")
	require.NoError(t, err)
	assert.True(t, won, "expired reservations can be re-acquired")
}

func TestMemoryIdempotencyStore_ConcurrentAcquire_SingleWinner(t *testing.T) {
	s := NewMemoryIdempotencyStore(time.Minute)
	ctx := context.Background()

	const n = 64
	var winners atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			won, err := s.Acquire(ctx, "contested")
			assert.NoError(t, err)
			if won {
				winners.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(1), winners.Load(), "exactly one concurrent caller wins a key")
}
