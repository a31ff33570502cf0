// Package syncutil provides keyed locking used to serialise cancel-flow
// transitions for the same session inside one process.
package syncutil

import (
	"context"
	"hash/fnv"
	"sync"
)

const shardCount = 256

// KeyedLock is a fixed pool of channel-backed mutexes selected by key hash.
// Memory stays bounded regardless of how many keys are seen; two keys may
// occasionally share a shard. Waiting honours context cancellation.
type KeyedLock struct {
	shards [shardCount]chan struct{}
	once   sync.Once
}

// NewKeyedLock creates a ready-to-use KeyedLock.
func NewKeyedLock() *KeyedLock {
	l := &KeyedLock{}
	l.init()
	return l
}

func (l *KeyedLock) init() {
	l.once.Do(func() {
		for i := range l.shards {
			l.shards[i] = make(chan struct{}, 1)
			l.shards[i] <- struct{}{}
		}
	})
}

// Lock acquires the lock for key. The returned function releases it and
// must be called exactly once. On cancellation no lock is held.
func (l *KeyedLock) Lock(ctx context.Context, key string) (func(), error) {
	l.init()
	shard := l.shards[shardIndex(key)]

	select {
	case <-shard:
		return func() { shard <- struct{}{} }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func shardIndex(key string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return h.Sum32() % shardCount
}
