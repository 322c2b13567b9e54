package syncutil

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUserLocks_MutualExclusion(t *testing.T) {
	locks := NewUserLocks()
	ctx := context.Background()

	counter := 0
	var wg sync.WaitGroup
	const n = 100
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			unlock, err := locks.Lock(ctx, 42)
			if !assert.NoError(t, err) {
				return
			}
			counter++
			unlock()
		}()
	}
	wg.Wait()

	assert.Equal(t, n, counter)
}

func TestUserLocks_ContextCancelled(t *testing.T) {
	locks := NewUserLocks()

	unlock, err := locks.Lock(context.Background(), 7)
	require.NoError(t, err)
	defer unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = locks.Lock(ctx, 7)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestUserLocks_ReleaseAllowsNextHolder(t *testing.T) {
	locks := NewUserLocks()
	ctx := context.Background()

	unlock, err := locks.Lock(ctx, 1)
	require.NoError(t, err)

	acquired := make(chan struct{})
	go func() {
		next, err := locks.Lock(ctx, 1)
		if err == nil {
			next()
		}
		close(acquired)
	}()

	select {
	case <-acquired:
		t.Fatal("second holder acquired a held lock")
	case <-time.After(20 * time.Millisecond):
	}
	unlock()

	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("lock was not released")
	}
}

func TestUserLocks_ZeroValueUsable(t *testing.T) {
	var locks UserLocks
	unlock, err := locks.Lock(context.Background(), 3)
	require.NoError(t, err)
	unlock()
}

func TestShardFor_Spreads(t *testing.T) {
	seen := map[uint64]bool{}
	for id := int64(1); id <= 64; id++ {
		seen[shardFor(id)] = true
	}
	assert.Greater(t, len(seen), 32)
}
