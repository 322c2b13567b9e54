// Package syncutil provides per-key locking for read-modify-write sequences
// that span several store calls.
package syncutil

import (
	"context"
	"sync"
)

const shardCount = 64

// UserLocks serializes work per user ID. Keys share a fixed pool of shards,
// so memory stays bounded and unrelated users occasionally wait on each other.
type UserLocks struct {
	shards [shardCount]chan struct{}
	once   sync.Once
}

// NewUserLocks creates an unlocked pool.
func NewUserLocks() *UserLocks {
	l := &UserLocks{}
	l.init()
	return l
}

func (l *UserLocks) init() {
	l.once.Do(func() {
		for i := range l.shards {
			l.shards[i] = make(chan struct{}, 1)
			l.shards[i] <- struct{}{}
		}
	})
}

// Lock acquires the lock for userID or returns ctx.Err() if the context ends
// first. The returned func releases the lock and must be called exactly once.
func (l *UserLocks) Lock(ctx context.Context, userID int64) (func(), error) {
	l.init()
	shard := l.shards[shardFor(userID)]

	select {
	case <-shard:
		return func() { shard <- struct{}{} }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func shardFor(userID int64) uint64 {
	// splitmix64 finalizer; sequential IDs land on different shards
	x := uint64(userID)
	x ^= x >> 30
	x *= 0xbf58476d1ce4e5b9
	x ^= x >> 27
	x *= 0x94d049bb133111eb
	x ^= x >> 31
	return x % shardCount
}
