package deadletter

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// Purger deletes records older than the retention period on a cron
// schedule.
type Purger struct {
	sink      Sink
	retention time.Duration
	cron      *cron.Cron
	now       func() time.Time
}

// NewPurger schedules purges of sink. schedule is a standard five-field
// cron spec or a descriptor such as "@daily".
func NewPurger(sink Sink, schedule string, retention time.Duration) (*Purger, error) {
	p := &Purger{sink: sink, retention: retention, cron: cron.New(), now: time.Now}
	if _, err := p.cron.AddFunc(schedule, p.runOnce); err != nil {
		return nil, fmt.Errorf("deadletter: purge schedule %q: %w", schedule, err)
	}
	return p, nil
}

// Run starts the scheduler and blocks until ctx is cancelled.
func (p *Purger) Run(ctx context.Context) {
	p.cron.Start()
	<-ctx.Done()
	stopped := p.cron.Stop()
	<-stopped.Done()
}

// PurgeNow deletes records older than the retention period.
func (p *Purger) PurgeNow(ctx context.Context) (int64, error) {
	return p.sink.Purge(ctx, p.now().Add(-p.retention))
}

func (p *Purger) runOnce() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	n, err := p.PurgeNow(ctx)
	if err != nil {
		slog.Error("deadletter: purge failed", "err", err)
		return
	}
	slog.Info("deadletter: purged expired records", "count", n, "retention", p.retention)
}
