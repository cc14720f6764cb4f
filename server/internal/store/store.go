package store

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/obsidianstack/alertflow/pkg/types"
)

// Entry is the latest result for one (event, channel, endpoint) together with
// the time it was recorded.
type Entry struct {
	Result    types.DeliveryResult
	UpdatedAt time.Time
}

// Filter narrows List. Zero fields match everything.
type Filter struct {
	EventID  string
	Severity types.Severity
	Status   types.DeliveryStatus
	Limit    int
}

func (f Filter) match(r types.DeliveryResult) bool {
	if f.EventID != "" && r.EventID != f.EventID {
		return false
	}
	if f.Severity != "" && r.Severity != f.Severity {
		return false
	}
	if f.Status != "" && r.Status != f.Status {
		return false
	}
	return true
}

// Store is a thread-safe in-memory result store. A later result for the same
// key replaces the earlier one, so a Retrying entry becomes Delivered or
// DeadLettered once the router finishes.
type Store struct {
	mu   sync.RWMutex
	data map[string]*Entry
	ttl  time.Duration
	now  func() time.Time // injectable for deterministic tests
}

// New creates a Store with the given TTL.
func New(ttl time.Duration) *Store {
	return &Store{
		data: make(map[string]*Entry),
		ttl:  ttl,
		now:  time.Now,
	}
}

func key(r types.DeliveryResult) string {
	return r.EventID + "|" + string(r.Channel) + "|" + r.Endpoint
}

// Put records res. It has the router.Observer signature.
func (s *Store) Put(res types.DeliveryResult) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[key(res)] = &Entry{Result: res, UpdatedAt: s.now()}
}

// List returns live results matching f, newest first.
func (s *Store) List(f Filter) []types.DeliveryResult {
	s.mu.RLock()
	cutoff := s.now().Add(-s.ttl)
	entries := make([]*Entry, 0, len(s.data))
	for _, e := range s.data {
		if e.UpdatedAt.After(cutoff) && f.match(e.Result) {
			entries = append(entries, e)
		}
	}
	s.mu.RUnlock()

	sort.Slice(entries, func(i, j int) bool {
		if !entries[i].UpdatedAt.Equal(entries[j].UpdatedAt) {
			return entries[i].UpdatedAt.After(entries[j].UpdatedAt)
		}
		return key(entries[i].Result) < key(entries[j].Result)
	})
	if f.Limit > 0 && len(entries) > f.Limit {
		entries = entries[:f.Limit]
	}
	out := make([]types.DeliveryResult, len(entries))
	for i, e := range entries {
		out[i] = e.Result
	}
	return out
}

// Counts returns the number of live results per status.
func (s *Store) Counts() map[types.DeliveryStatus]int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cutoff := s.now().Add(-s.ttl)
	out := make(map[types.DeliveryStatus]int)
	for _, e := range s.data {
		if e.UpdatedAt.After(cutoff) {
			out[e.Result.Status]++
		}
	}
	return out
}

// Count returns the total number of entries currently held, including stale ones.
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.data)
}

// Evict removes entries whose UpdatedAt is older than now minus TTL.
// It returns the number of entries removed.
func (s *Store) Evict(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := now.Add(-s.ttl)
	removed := 0
	for k, e := range s.data {
		if !e.UpdatedAt.After(cutoff) {
			delete(s.data, k)
			removed++
		}
	}
	return removed
}

// Run starts the background eviction loop, ticking at half the TTL (minimum
// one second). Run blocks until ctx is cancelled.
func (s *Store) Run(ctx context.Context) {
	interval := s.ttl / 2
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
			if n := s.Evict(now); n > 0 {
				slog.Debug("store: evicted stale results", "count", n)
			}
		}
	}
}
