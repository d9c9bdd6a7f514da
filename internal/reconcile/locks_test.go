package reconcile

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryLockManager_Exclusive(t *testing.T) {
	locks := NewMemoryLockManager()
	ctx := context.Background()

	release, acquired, err := locks.Acquire(ctx, "order-1")
	require.NoError(t, err)
	require.True(t, acquired)

	_, again, err := locks.Acquire(ctx, "order-1")
	require.NoError(t, err)
	assert.False(t, again, "a held lock must not be re-acquired")

	// A different order is independent.
	releaseOther, other, err := locks.Acquire(ctx, "order-2")
	require.NoError(t, err)
	assert.True(t, other)
	releaseOther()

	release()
	_, reacquired, err := locks.Acquire(ctx, "order-1")
	require.NoError(t, err)
	assert.True(t, reacquired, "released locks are re-acquirable")
}

func TestMemoryLockManager_ReleaseIdempotent(t *testing.T) {
	locks := NewMemoryLockManager()
	ctx := context.Background()

	release, acquired, err := locks.Acquire(ctx, "order-1")
	require.NoError(t, err)
	require.True(t, acquired)

	release()
	release() // second call is a no-op

	_, reacquired, err := locks.Acquire(ctx, "order-1")
	require.NoError(t, err)
	assert.True(t, reacquired)
}

func TestMemoryLockManager_ConcurrentClaims(t *testing.T) {
	locks := NewMemoryLockManager()
	ctx := context.Background()

	const claimers = 32
	var wins int
	var mu sync.Mutex
	var wg sync.WaitGroup

	for i := 0; i < claimers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, acquired, err := locks.Acquire(ctx, "order-1")
			require.NoError(t, err)
			if acquired {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, wins, "exactly one concurrent claimer wins")
}
