package cache

import (
	"context"
	"hash/fnv"
	"sync"
	"time"

	"github.com/sells-group/plantid/internal/model"
)

const shardCount = 32

// Memory is an in-process sharded TTL cache. Keys on different shards never
// contend; a same-key Set is last-writer-wins.
type Memory struct {
	shards [shardCount]*memoryShard
	now    func() time.Time
}

type memoryShard struct {
	mu      sync.RWMutex
	entries map[string]model.CacheEntry
}

// MemoryOption configures a Memory cache.
type MemoryOption func(*Memory)

// WithMemoryClock overrides the time source used for expiry.
func WithMemoryClock(now func() time.Time) MemoryOption {
	return func(m *Memory) {
		if now != nil {
			m.now = now
		}
	}
}

// NewMemory creates an empty Memory cache.
func NewMemory(opts ...MemoryOption) *Memory {
	m := &Memory{now: time.Now}
	for i := range m.shards {
		m.shards[i] = &memoryShard{entries: make(map[string]model.CacheEntry)}
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

func (m *Memory) shard(key string) *memoryShard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return m.shards[h.Sum32()%shardCount]
}

// Get implements Cache. Expired entries read as misses.
func (m *Memory) Get(_ context.Context, key string) (model.CombinedResult, bool, error) {
	s := m.shard(key)
	s.mu.RLock()
	e, ok := s.entries[key]
	s.mu.RUnlock()

	if !ok || e.Expired(m.now()) {
		return model.CombinedResult{}, false, nil
	}
	return e.Value.Clone(), true, nil
}

// Set implements Cache. A non-positive ttl falls back to DefaultTTL.
func (m *Memory) Set(_ context.Context, key string, value model.CombinedResult, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	e := model.CacheEntry{Key: key, Value: value.Clone(), ExpiresAt: m.now().Add(ttl)}

	s := m.shard(key)
	s.mu.Lock()
	s.entries[key] = e
	s.mu.Unlock()
	return nil
}

// Sweep drops expired entries and returns how many were removed.
func (m *Memory) Sweep(_ context.Context) (int, error) {
	now := m.now()
	removed := 0
	for _, s := range m.shards {
		s.mu.Lock()
		for k, e := range s.entries {
			if e.Expired(now) {
				delete(s.entries, k)
				removed++
			}
		}
		s.mu.Unlock()
	}
	return removed, nil
}

// Len returns the number of stored entries, including expired ones not yet swept.
func (m *Memory) Len() int {
	n := 0
	for _, s := range m.shards {
		s.mu.RLock()
		n += len(s.entries)
		s.mu.RUnlock()
	}
	return n
}
