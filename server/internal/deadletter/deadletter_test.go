package deadletter

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/obsidianstack/alertflow/pkg/types"
)

func record(eventID string, created time.Time) Record {
	return Record{
		EventID:  eventID,
		Channel:  types.ChannelWebhook,
		Endpoint: "https://hooks.internal/a",
		Reason:   "HTTP 503: unavailable",
		Attempts: 3,
		Event: types.EnrichedEvent{
			AlertEvent: types.AlertEvent{ID: eventID, Source: types.SourceMetricAlarm, State: types.StateAlarm,
				Dimensions: types.Dimensions{{Name: "InstanceId", Value: "i-1"}}},
			RunbookURL: "https://runbooks.internal/x",
		},
		History: []Attempt{
			{N: 1, Error: "HTTP 503", At: created.Add(-2 * time.Second)},
			{N: 2, Error: "HTTP 503", At: created.Add(-time.Second)},
			{N: 3, Error: "HTTP 503", At: created},
		},
		CreatedAt: created,
	}
}

func exerciseSink(t *testing.T, s Sink) {
	t.Helper()
	ctx := context.Background()
	base := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)

	for i, id := range []string{"old", "mid", "new"} {
		if err := s.Write(ctx, record(id, base.Add(time.Duration(i)*24*time.Hour))); err != nil {
			t.Fatalf("Write %s: %v", id, err)
		}
	}

	recs, err := s.List(ctx, 10)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(recs) != 3 {
		t.Fatalf("List: got %d records, want 3", len(recs))
	}
	if recs[0].EventID != "new" || recs[2].EventID != "old" {
		t.Errorf("order: got %s..%s, want new..old", recs[0].EventID, recs[2].EventID)
	}
	got := recs[0]
	if got.Channel != types.ChannelWebhook || got.Attempts != 3 || len(got.History) != 3 {
		t.Errorf("record: %+v", got)
	}
	if got.Event.RunbookURL != "https://runbooks.internal/x" || got.Event.Dimensions[0].Value != "i-1" {
		t.Errorf("event round trip: %+v", got.Event)
	}

	if recs, _ := s.List(ctx, 1); len(recs) != 1 {
		t.Errorf("List(limit=1): got %d", len(recs))
	}

	n, err := s.Purge(ctx, base.Add(36*time.Hour))
	if err != nil {
		t.Fatalf("Purge: %v", err)
	}
	if n != 2 {
		t.Errorf("Purge: removed %d, want 2", n)
	}
	recs, _ = s.List(ctx, 10)
	if len(recs) != 1 || recs[0].EventID != "new" {
		t.Errorf("after purge: %+v", recs)
	}
}

func TestSQLite(t *testing.T) {
	s, err := OpenSQLite(filepath.Join(t.TempDir(), "dl", "deadletters.db"))
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	defer s.Close()
	exerciseSink(t, s)
}

func TestSQLite_Reopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "deadletters.db")
	s, err := OpenSQLite(path)
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	if err := s.Write(context.Background(), record("persisted", time.Now())); err != nil {
		t.Fatalf("Write: %v", err)
	}
	s.Close()

	s, err = OpenSQLite(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s.Close()
	recs, err := s.List(context.Background(), 10)
	if err != nil || len(recs) != 1 || recs[0].EventID != "persisted" {
		t.Fatalf("after reopen: %v, %+v", err, recs)
	}
}

func TestMemory(t *testing.T) {
	exerciseSink(t, NewMemory())
}

func TestPurger(t *testing.T) {
	m := NewMemory()
	now := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	m.Write(context.Background(), record("expired", now.Add(-31*24*time.Hour))) //nolint:errcheck
	m.Write(context.Background(), record("kept", now.Add(-time.Hour)))          //nolint:errcheck

	p, err := NewPurger(m, "@daily", 30*24*time.Hour)
	if err != nil {
		t.Fatalf("NewPurger: %v", err)
	}
	p.now = func() time.Time { return now }

	n, err := p.PurgeNow(context.Background())
	if err != nil || n != 1 {
		t.Fatalf("PurgeNow: n=%d err=%v, want 1", n, err)
	}
}

func TestPurger_BadSchedule(t *testing.T) {
	if _, err := NewPurger(NewMemory(), "every tuesday", time.Hour); err == nil {
		t.Fatal("expected error for invalid schedule")
	}
}
