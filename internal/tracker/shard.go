package tracker

import (
	"hash/fnv"
	"sync"
)

func shardIndex(key string, n int) int {
	h := fnv.New32a()
	h.Write([]byte(key))
	return int(h.Sum32() % uint32(n))
}

// shardedMap is a string keyed map split across independently locked shards
type shardedMap[V any] struct {
	shards []*mapShard[V]
}

type mapShard[V any] struct {
	mu sync.RWMutex
	m  map[string]V
}

func newShardedMap[V any](n int) *shardedMap[V] {
	s := &shardedMap[V]{shards: make([]*mapShard[V], n)}
	for i := range s.shards {
		s.shards[i] = &mapShard[V]{m: make(map[string]V)}
	}
	return s
}

func (s *shardedMap[V]) shard(key string) *mapShard[V] {
	return s.shards[shardIndex(key, len(s.shards))]
}

func (s *shardedMap[V]) Get(key string) (V, bool) {
	sh := s.shard(key)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	v, ok := sh.m[key]
	return v, ok
}

func (s *shardedMap[V]) Set(key string, v V) {
	sh := s.shard(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	sh.m[key] = v
}

func (s *shardedMap[V]) Delete(key string) {
	sh := s.shard(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	delete(sh.m, key)
}

// Range calls fn for every entry, one shard at a time. fn must not touch the map.
func (s *shardedMap[V]) Range(fn func(key string, v V) bool) {
	for _, sh := range s.shards {
		sh.mu.RLock()
		for k, v := range sh.m {
			if !fn(k, v) {
				sh.mu.RUnlock()
				return
			}
		}
		sh.mu.RUnlock()
	}
}

// Keys returns a point in time copy of the keys
func (s *shardedMap[V]) Keys() []string {
	var keys []string
	s.Range(func(k string, _ V) bool {
		keys = append(keys, k)
		return true
	})
	return keys
}

func (s *shardedMap[V]) Len() int {
	n := 0
	for _, sh := range s.shards {
		sh.mu.RLock()
		n += len(sh.m)
		sh.mu.RUnlock()
	}
	return n
}

// deviceLocks hands out one mutex per device. Entries are reference counted and
// removed once nobody holds or waits for them, so the map tracks only busy devices.
type deviceLocks struct {
	shards []*lockShard
}

type lockShard struct {
	mu    sync.Mutex
	locks map[string]*deviceLock
}

type deviceLock struct {
	mu   sync.Mutex
	refs int
}

func newDeviceLocks(n int) *deviceLocks {
	d := &deviceLocks{shards: make([]*lockShard, n)}
	for i := range d.shards {
		d.shards[i] = &lockShard{locks: make(map[string]*deviceLock)}
	}
	return d
}

// Lock blocks until the device is free and returns the matching unlock
func (d *deviceLocks) Lock(deviceID string) (unlock func()) {
	sh := d.shards[shardIndex(deviceID, len(d.shards))]

	sh.mu.Lock()
	l, ok := sh.locks[deviceID]
	if !ok {
		l = &deviceLock{}
		sh.locks[deviceID] = l
	}
	l.refs++
	sh.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		sh.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(sh.locks, deviceID)
		}
		sh.mu.Unlock()
	}
}

// held returns the number of devices currently locked or awaited
func (d *deviceLocks) held() int {
	n := 0
	for _, sh := range d.shards {
		sh.mu.Lock()
		n += len(sh.locks)
		sh.mu.Unlock()
	}
	return n
}
