package engine

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// intentTable holds per-key write intents: at most one in-flight
// writer per key. An intent is a channel closed on release; waiters
// block on it with a deadline and surface ErrLockConflict on expiry.
type intentTable struct {
	mu   sync.Mutex
	held map[string]chan struct{}
}

func newIntentTable() *intentTable {
	return &intentTable{held: make(map[string]chan struct{})}
}

// acquire blocks until the intent for key is free, the timeout
// expires, or ctx is cancelled.
func (t *intentTable) acquire(ctx context.Context, key string, timeout time.Duration) error {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	for {
		t.mu.Lock()
		holder, taken := t.held[key]
		if !taken {
			t.held[key] = make(chan struct{})
			t.mu.Unlock()
			return nil
		}
		t.mu.Unlock()

		select {
		case <-holder:
			// Holder released; race for the intent again.
		case <-deadline.C:
			return fmt.Errorf("%w: key %q held for over %v", ErrLockConflict, key, timeout)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// release frees the intent for key and wakes all waiters.
func (t *intentTable) release(key string) {
	t.mu.Lock()
	holder, taken := t.held[key]
	if taken {
		delete(t.held, key)
	}
	t.mu.Unlock()
	if taken {
		close(holder)
	}
}

// acquireAll takes intents for every key in slice order (callers pass
// sorted keys so concurrent multi-key commits cannot deadlock). On any
// failure every intent taken so far is released.
func (t *intentTable) acquireAll(ctx context.Context, keys []string, timeout time.Duration) (release func(), err error) {
	taken := make([]string, 0, len(keys))
	for _, key := range keys {
		if err := t.acquire(ctx, key, timeout); err != nil {
			for _, k := range taken {
				t.release(k)
			}
			return nil, err
		}
		taken = append(taken, key)
	}
	var once sync.Once
	return func() {
		once.Do(func() {
			for _, k := range taken {
				t.release(k)
			}
		})
	}, nil
}
