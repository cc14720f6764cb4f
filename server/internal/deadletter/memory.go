package deadletter

import (
	"context"
	"sync"
	"time"
)

// Memory is a non-durable Sink.
type Memory struct {
	mu      sync.Mutex
	records []Record
	nextID  int64
	now     func() time.Time
}

// NewMemory returns an empty in-memory sink.
func NewMemory() *Memory {
	return &Memory{now: time.Now}
}

// Write implements Sink.
func (m *Memory) Write(_ context.Context, rec Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	rec.ID = m.nextID
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = m.now()
	}
	rec.Event = rec.Event.Clone()
	rec.History = append([]Attempt(nil), rec.History...)
	m.records = append(m.records, rec)
	return nil
}

// List implements Sink.
func (m *Memory) List(_ context.Context, limit int) ([]Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if limit <= 0 {
		limit = 100
	}
	out := make([]Record, 0, limit)
	for i := len(m.records) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, m.records[i])
	}
	return out, nil
}

// Purge implements Sink.
func (m *Memory) Purge(_ context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.records[:0]
	var removed int64
	for _, r := range m.records {
		if r.CreatedAt.Before(cutoff) {
			removed++
			continue
		}
		kept = append(kept, r)
	}
	m.records = kept
	return removed, nil
}

// Close implements Sink.
func (m *Memory) Close() error { return nil }
