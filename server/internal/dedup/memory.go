package dedup

import (
	"context"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"
)

const shardCount = 32

// Memory is an in-process Cache. Keys are spread over shards, each with its
// own lock, so unrelated keys never contend.
type Memory struct {
	window time.Duration
	shards [shardCount]shard
	now    func() time.Time // injectable for deterministic tests
}

type shard struct {
	mu      sync.Mutex
	expires map[string]time.Time
}

// NewMemory returns a Memory cache with the given window.
func NewMemory(window time.Duration) *Memory {
	m := &Memory{window: window, now: time.Now}
	for i := range m.shards {
		m.shards[i].expires = make(map[string]time.Time)
	}
	return m
}

func (m *Memory) shard(key string) *shard {
	h := fnv.New32a()
	h.Write([]byte(key)) //nolint:errcheck
	return &m.shards[h.Sum32()%shardCount]
}

// Claim implements Cache.
func (m *Memory) Claim(_ context.Context, key string) (bool, error) {
	now := m.now()
	s := m.shard(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	if exp, ok := s.expires[key]; ok && now.Before(exp) {
		return false, nil
	}
	s.expires[key] = now.Add(m.window)
	return true, nil
}

// Len returns the number of keys held, including expired ones not yet
// evicted.
func (m *Memory) Len() int {
	n := 0
	for i := range m.shards {
		s := &m.shards[i]
		s.mu.Lock()
		n += len(s.expires)
		s.mu.Unlock()
	}
	return n
}

// Evict removes keys whose window ended at or before now and returns how
// many were removed.
func (m *Memory) Evict(now time.Time) int {
	removed := 0
	for i := range m.shards {
		s := &m.shards[i]
		s.mu.Lock()
		for k, exp := range s.expires {
			if !now.Before(exp) {
				delete(s.expires, k)
				removed++
			}
		}
		s.mu.Unlock()
	}
	return removed
}

// Run evicts expired keys every half window (minimum 1 second) until ctx is
// cancelled.
func (m *Memory) Run(ctx context.Context) {
	interval := m.window / 2
	if interval < time.Second {
		interval = time.Second
	}
	t := time.NewTicker(interval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.C:
			if n := m.Evict(now); n > 0 {
				slog.Debug("dedup: evicted expired keys", "count", n)
			}
		}
	}
}
