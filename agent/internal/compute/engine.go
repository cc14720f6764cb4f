package compute

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/obsidianstack/alertflow/agent/internal/config"
	"github.com/obsidianstack/alertflow/agent/internal/scraper"
	"github.com/obsidianstack/alertflow/pkg/types"
)

// Engine turns scrape results into raw-sample AlertEvents, one per watch
// rule that applies to the scraped source. It keeps the previous counter
// total per (source, rule) to derive per-minute rates.
//
// All exported methods are safe for concurrent use.
type Engine struct {
	watches   []config.WatchRule
	namespace string

	mu    sync.Mutex
	prevs map[string]counter
}

type counter struct {
	total float64
	at    time.Time
}

// NewEngine returns an Engine for the given watch rules.
func NewEngine(watches []config.WatchRule, namespace string) *Engine {
	return &Engine{
		watches:   watches,
		namespace: namespace,
		prevs:     make(map[string]counter),
	}
}

// Process evaluates every applicable watch rule against res.
//
// now is passed explicitly so callers (and tests) control the clock without
// sleeping. Use time.Now() in production.
//
// A failed scrape, or a metric family missing from the scrape, yields an
// INSUFFICIENT_DATA event. A rate rule yields nothing on the first scrape
// since no delta exists yet.
func (e *Engine) Process(res *scraper.ScrapeResult, now time.Time) []types.AlertEvent {
	e.mu.Lock()
	defer e.mu.Unlock()

	var out []types.AlertEvent
	for _, w := range e.watches {
		if !w.AppliesTo(res.SourceID) {
			continue
		}
		ev := e.event(w, res.SourceID, now)

		if res.Err != nil {
			ev.State = types.StateInsufficientData
			ev.Description = res.Err.Error()
			out = append(out, ev)
			continue
		}

		values, ok := res.Values(w.Metric, w.Labels)
		if !ok || len(values) == 0 {
			slog.Debug("compute: no matching series", "source", res.SourceID, "metric", w.Metric)
			ev.State = types.StateInsufficientData
			ev.Description = fmt.Sprintf("no series of %s matched on %s", w.Metric, res.SourceID)
			out = append(out, ev)
			continue
		}

		v, ok := e.aggregate(w, res.SourceID, values, now)
		if !ok {
			continue
		}
		ev.RawSample = true
		ev.Value = v
		out = append(out, ev)
	}
	return out
}

func (e *Engine) event(w config.WatchRule, sourceID string, now time.Time) types.AlertEvent {
	return types.AlertEvent{
		Source:     types.SourceMetricAlarm,
		AlarmName:  w.AlarmName,
		MetricName: w.Metric,
		Namespace:  e.namespace,
		Dimensions: types.Dimensions{{Name: "Source", Value: sourceID}},
		// Threshold is filled by config validation.
		Threshold:          *w.Threshold,
		ComparisonOperator: types.ComparisonOperator(w.Operator),
		Timestamp:          now,
	}
}

// aggregate reduces values according to the rule. For rate it returns the
// per-minute increase since the previous scrape; ok is false when there is
// no usable baseline yet.
func (e *Engine) aggregate(w config.WatchRule, sourceID string, values []float64, now time.Time) (float64, bool) {
	switch w.Aggregate {
	case "avg":
		return sum(values) / float64(len(values)), true
	case "max":
		m := values[0]
		for _, v := range values[1:] {
			if v > m {
				m = v
			}
		}
		return m, true
	case "rate":
		key := sourceID + "|" + w.AlarmName
		total := sum(values)
		prev, seen := e.prevs[key]
		e.prevs[key] = counter{total: total, at: now}
		if !seen {
			return 0, false
		}
		elapsed := now.Sub(prev.at).Minutes()
		if elapsed <= 0 {
			return 0, false
		}
		return deltaOf(total, prev.total) / elapsed, true
	default:
		return sum(values), true
	}
}

func sum(values []float64) float64 {
	var total float64
	for _, v := range values {
		total += v
	}
	return total
}

// deltaOf returns the positive counter delta between current and previous.
// If current < previous (counter reset after restart), returns 0.
func deltaOf(current, previous float64) float64 {
	d := current - previous
	if d < 0 {
		return 0
	}
	return d
}
