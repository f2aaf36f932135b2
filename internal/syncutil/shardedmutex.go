// Package syncutil provides in-process synchronization helpers for the
// escrow and withdrawal services.
package syncutil

import "sync"

// shardCount trades memory for contention: unrelated bookings rarely share
// a shard, and the table stays this size no matter how many IDs pass
// through.
const shardCount = 256

// ShardedMutex serializes work per string key (a booking ID, a withdrawal
// ID) over a fixed table of mutexes. Keys hashing to the same shard block
// each other, which is harmless here: the guarded sections are short status
// transitions.
type ShardedMutex struct {
	shards [shardCount]sync.Mutex
}

// Lock acquires the shard for key and returns its unlock function, meant
// for `defer locks.Lock(id)()` at the top of a transition.
func (s *ShardedMutex) Lock(key string) func() {
	mu := &s.shards[shardIndex(key)]
	mu.Lock()
	return mu.Unlock
}

// shardIndex is FNV-1a over the key, folded into the table.
func shardIndex(key string) uint32 {
	h := uint32(2166136261)
	for i := 0; i < len(key); i++ {
		h ^= uint32(key[i])
		h *= 16777619
	}
	return h % shardCount
}
