package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIntentAcquireRelease(t *testing.T) {
	tab := newIntentTable()
	ctx := context.Background()

	require.NoError(t, tab.acquire(ctx, "k", time.Second))

	// Second acquirer times out while the intent is held.
	err := tab.acquire(ctx, "k", 20*time.Millisecond)
	assert.ErrorIs(t, err, ErrLockConflict)

	tab.release("k")
	require.NoError(t, tab.acquire(ctx, "k", time.Second))
	tab.release("k")
}

func TestIntentHandoffUnderContention(t *testing.T) {
	tab := newIntentTable()
	ctx := context.Background()
	const workers = 20

	var mu sync.Mutex
	holders := 0
	maxHolders := 0

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if !assert.NoError(t, tab.acquire(ctx, "k", 5*time.Second)) {
				return
			}
			mu.Lock()
			holders++
			if holders > maxHolders {
				maxHolders = holders
			}
			mu.Unlock()

			time.Sleep(time.Millisecond)

			mu.Lock()
			holders--
			mu.Unlock()
			tab.release("k")
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, maxHolders, "more than one holder at a time")
}

func TestIntentAcquireAllReleasesOnFailure(t *testing.T) {
	tab := newIntentTable()
	ctx := context.Background()

	// Hold "b" so the multi-key acquisition fails partway.
	require.NoError(t, tab.acquire(ctx, "b", time.Second))

	_, err := tab.acquireAll(ctx, []string{"a", "b", "c"}, 20*time.Millisecond)
	assert.ErrorIs(t, err, ErrLockConflict)

	// "a" must have been released on the way out.
	require.NoError(t, tab.acquire(ctx, "a", 20*time.Millisecond))
	tab.release("a")
	tab.release("b")
}

func TestIntentAcquireHonorsContext(t *testing.T) {
	tab := newIntentTable()
	require.NoError(t, tab.acquire(context.Background(), "k", time.Second))
	defer tab.release("k")

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	err := tab.acquire(ctx, "k", time.Minute)
	assert.ErrorIs(t, err, context.Canceled)
}
