// Package cmap contains a thread-safe, sharded, awaitable map. The pipeline
// uses it to collect per-recipe parse results from its concurrent parse
// fan-out without the contention a single mutex-guarded map would
// introduce.
//
// A Get on a key that hasn't been Set yet returns a channel the caller can
// wait on instead of busy-polling, so a reader can block on a value another
// goroutine is still computing rather than racing it.
package cmap

import (
	"fmt"
	"sync"

	"github.com/cespare/xxhash/v2"
)

// DefaultShardCount is a reasonable default shard count for large maps.
const DefaultShardCount = 1 << 6

// HashString is the default hasher for string-keyed maps, backed by xxhash.
func HashString(s string) uint32 {
	return uint32(xxhash.Sum64String(s))
}

// Map is the top-level sharded map type. All methods are safe for concurrent use.
type Map[K comparable, V any] struct {
	shards []shard[K, V]
	hasher func(K) uint32
	mask   uint32
}

// New creates a new Map with the given shard count (must be a power of two)
// and hash function.
func New[K comparable, V any](shardCount uint32, hasher func(K) uint32) *Map[K, V] {
	if shardCount&(shardCount-1) != 0 {
		panic(fmt.Sprintf("shard count %d is not a power of 2", shardCount))
	}
	m := &Map[K, V]{
		shards: make([]shard[K, V], shardCount),
		mask:   shardCount - 1,
		hasher: hasher,
	}
	for i := range m.shards {
		m.shards[i].m = map[K]awaitable[V]{}
	}
	return m
}

type awaitable[V any] struct {
	val   V
	wait  chan struct{}
	ready bool
}

type shard[K comparable, V any] struct {
	m map[K]awaitable[V]
	l sync.Mutex
}

func (m *Map[K, V]) shardFor(key K) *shard[K, V] {
	return &m.shards[m.hasher(key)&m.mask]
}

// Set stores val for key, waking up any goroutines waiting on Get. It
// returns false if the key was already set (in which case the old value is
// left in place).
func (m *Map[K, V]) Set(key K, val V) bool {
	s := m.shardFor(key)
	s.l.Lock()
	defer s.l.Unlock()
	if existing, present := s.m[key]; present {
		if existing.ready {
			return false
		}
		s.m[key] = awaitable[V]{val: val, ready: true}
		if existing.wait != nil {
			close(existing.wait)
		}
		return true
	}
	s.m[key] = awaitable[V]{val: val, ready: true}
	return true
}

// Get returns the value for key if present, or a channel to wait on. Exactly
// one of (ok==true) or (wait!=nil) holds.
func (m *Map[K, V]) Get(key K) (val V, ok bool, wait <-chan struct{}) {
	s := m.shardFor(key)
	s.l.Lock()
	defer s.l.Unlock()
	if v, present := s.m[key]; present {
		if v.ready {
			return v.val, true, nil
		}
		return val, false, v.wait
	}
	ch := make(chan struct{})
	s.m[key] = awaitable[V]{wait: ch}
	return val, false, ch
}

// GetNow returns the value for key without blocking or registering a waiter.
func (m *Map[K, V]) GetNow(key K) (val V, ok bool) {
	s := m.shardFor(key)
	s.l.Lock()
	defer s.l.Unlock()
	v, present := s.m[key]
	return v.val, present && v.ready
}

// Values returns a snapshot of all currently-set values.
func (m *Map[K, V]) Values() []V {
	ret := []V{}
	for i := range m.shards {
		s := &m.shards[i]
		s.l.Lock()
		for _, v := range s.m {
			if v.ready {
				ret = append(ret, v.val)
			}
		}
		s.l.Unlock()
	}
	return ret
}

// Len returns the number of set values.
func (m *Map[K, V]) Len() int {
	n := 0
	for i := range m.shards {
		s := &m.shards[i]
		s.l.Lock()
		for _, v := range s.m {
			if v.ready {
				n++
			}
		}
		s.l.Unlock()
	}
	return n
}
