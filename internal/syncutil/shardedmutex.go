// Package syncutil provides small synchronization helpers shared by the
// escrow engine and the scheduler.
package syncutil

import (
	"hash/fnv"
	"sync"
)

// ShardedMutex provides a fixed-size pool of mutexes keyed by string.
// Unlike sync.Map-based per-key locks, this uses bounded memory regardless
// of how many keys are seen, at the cost of occasional false sharing between
// keys that hash to the same shard.
type ShardedMutex struct {
	shards [256]sync.Mutex
}

// Lock acquires the mutex for the given key and returns an unlock function.
func (s *ShardedMutex) Lock(key string) func() {
	mu := s.shard(key)
	mu.Lock()
	return mu.Unlock
}

func (s *ShardedMutex) shard(key string) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return &s.shards[h.Sum32()%256]
}

// KeySet tracks a set of in-flight keys. TryAdd reports whether the key was
// absent and is now held; Remove releases it. Used to guarantee at most one
// execution per scheduled payment at a time.
type KeySet struct {
	mu   sync.Mutex
	keys map[string]struct{}
}

// TryAdd adds key to the set if absent. Returns false if already present.
func (k *KeySet) TryAdd(key string) bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.keys == nil {
		k.keys = make(map[string]struct{})
	}
	if _, ok := k.keys[key]; ok {
		return false
	}
	k.keys[key] = struct{}{}
	return true
}

// Remove deletes key from the set.
func (k *KeySet) Remove(key string) {
	k.mu.Lock()
	defer k.mu.Unlock()
	delete(k.keys, key)
}
