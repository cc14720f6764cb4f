package deadletter

import (
	"context"
	"time"

	"github.com/obsidianstack/alertflow/pkg/types"
)

// Attempt is one failed delivery attempt.
type Attempt struct {
	N     int       `json:"n"`
	Error string    `json:"error"`
	At    time.Time `json:"at"`
}

// Record is one dead-lettered delivery. Channel and Endpoint are empty for
// events dropped before routing, such as unclassifiable events.
type Record struct {
	ID        int64               `json:"id"`
	EventID   string              `json:"eventId"`
	Channel   types.ChannelType   `json:"channel,omitempty"`
	Endpoint  string              `json:"endpoint,omitempty"`
	Reason    string              `json:"reason"`
	Attempts  int                 `json:"attempts"`
	Event     types.EnrichedEvent `json:"event"`
	History   []Attempt           `json:"history"`
	CreatedAt time.Time           `json:"createdAt"`
}

// Sink persists dead-letter records.
type Sink interface {
	Write(ctx context.Context, rec Record) error
	// List returns up to limit records, newest first.
	List(ctx context.Context, limit int) ([]Record, error)
	// Purge deletes records created before cutoff and returns how many.
	Purge(ctx context.Context, cutoff time.Time) (int64, error)
	Close() error
}
