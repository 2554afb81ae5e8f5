// Package syncutil provides per-key locking for state transitions that must
// not interleave within a process (e.g. two confirmations of one booking).
package syncutil

import (
	"context"
	"hash/fnv"
	"sync"
)

const shardCount = 256

// KeyLocker is a fixed-size pool of channel-based mutexes keyed by string.
// Memory stays bounded regardless of how many keys are seen, at the cost of
// occasional false sharing between keys that hash to the same shard. Callers
// must never hold two keys of the same KeyLocker at once.
type KeyLocker struct {
	shards [shardCount]chan struct{}
	once   sync.Once
}

// NewKeyLocker creates a ready-to-use KeyLocker.
func NewKeyLocker() *KeyLocker {
	l := &KeyLocker{}
	l.init()
	return l
}

func (l *KeyLocker) init() {
	l.once.Do(func() {
		for i := range l.shards {
			l.shards[i] = make(chan struct{}, 1)
			l.shards[i] <- struct{}{}
		}
	})
}

// Lock acquires the lock for key, giving up if ctx is done first. On success
// the returned function releases the lock and must be called exactly once.
func (l *KeyLocker) Lock(ctx context.Context, key string) (func(), error) {
	l.init()
	shard := l.shards[shardIndex(key)]
	select {
	case <-shard:
		var released sync.Once
		return func() { released.Do(func() { shard <- struct{}{} }) }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func shardIndex(key string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return h.Sum32() % shardCount
}
