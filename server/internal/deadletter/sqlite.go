package deadletter

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/obsidianstack/alertflow/pkg/types"
)

const schema = `
CREATE TABLE IF NOT EXISTS dead_letters (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	event_id   TEXT    NOT NULL,
	channel    TEXT    NOT NULL DEFAULT '',
	endpoint   TEXT    NOT NULL DEFAULT '',
	reason     TEXT    NOT NULL,
	attempts   INTEGER NOT NULL,
	event      TEXT    NOT NULL,
	history    TEXT    NOT NULL,
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_dead_letters_created ON dead_letters(created_at);
CREATE INDEX IF NOT EXISTS idx_dead_letters_event ON dead_letters(event_id);
`

// SQLite is a Sink backed by a SQLite database file.
type SQLite struct {
	db  *sql.DB
	now func() time.Time
}

// OpenSQLite opens (creating if needed) the database at path.
func OpenSQLite(path string) (*SQLite, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("deadletter: create parent directories: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("deadletter: open %s: %w", path, err)
	}
	// One writer keeps SQLite from returning SQLITE_BUSY under concurrent
	// dead-lettering.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("deadletter: enable WAL: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("deadletter: create schema: %w", err)
	}
	return &SQLite{db: db, now: time.Now}, nil
}

// Write implements Sink.
func (s *SQLite) Write(ctx context.Context, rec Record) error {
	ev, err := json.Marshal(rec.Event)
	if err != nil {
		return fmt.Errorf("deadletter: marshal event: %w", err)
	}
	if rec.History == nil {
		rec.History = []Attempt{}
	}
	hist, err := json.Marshal(rec.History)
	if err != nil {
		return fmt.Errorf("deadletter: marshal history: %w", err)
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = s.now()
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO dead_letters (event_id, channel, endpoint, reason, attempts, event, history, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.EventID, string(rec.Channel), rec.Endpoint, rec.Reason, rec.Attempts,
		string(ev), string(hist), rec.CreatedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("deadletter: insert: %w", err)
	}
	return nil
}

// List implements Sink.
func (s *SQLite) List(ctx context.Context, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, event_id, channel, endpoint, reason, attempts, event, history, created_at
		 FROM dead_letters ORDER BY created_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("deadletter: query: %w", err)
	}
	defer rows.Close()

	out := make([]Record, 0)
	for rows.Next() {
		var (
			rec              Record
			channel          string
			evJSON, histJSON string
			created          int64
		)
		if err := rows.Scan(&rec.ID, &rec.EventID, &channel, &rec.Endpoint, &rec.Reason,
			&rec.Attempts, &evJSON, &histJSON, &created); err != nil {
			return nil, fmt.Errorf("deadletter: scan: %w", err)
		}
		rec.Channel = types.ChannelType(channel)
		if err := json.Unmarshal([]byte(evJSON), &rec.Event); err != nil {
			return nil, fmt.Errorf("deadletter: decode event %d: %w", rec.ID, err)
		}
		if err := json.Unmarshal([]byte(histJSON), &rec.History); err != nil {
			return nil, fmt.Errorf("deadletter: decode history %d: %w", rec.ID, err)
		}
		rec.CreatedAt = time.Unix(0, created).UTC()
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Purge implements Sink.
func (s *SQLite) Purge(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM dead_letters WHERE created_at < ?`, cutoff.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("deadletter: purge: %w", err)
	}
	return res.RowsAffected()
}

// Close closes the database.
func (s *SQLite) Close() error {
	return s.db.Close()
}
