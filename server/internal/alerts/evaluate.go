package alerts

import (
	"fmt"
	"log/slog"

	"github.com/obsidianstack/alertflow/pkg/types"
	"github.com/obsidianstack/alertflow/server/internal/evaluate"
)

// budgetLevelDimension carries the crossed budget level, so a warning and a
// critical reading of the same budget have distinct identities.
const budgetLevelDimension = "BudgetLevel"

// resolveState fills ev.State for raw samples. Events that already carry a
// state are returned unchanged. The bool reports a budget level change
// that keeps the state in ALARM.
func (e *Engine) resolveState(ev types.AlertEvent) (types.AlertEvent, bool, error) {
	if !ev.RawSample {
		return ev, false, nil
	}
	if ev.Source == types.SourceCostAnomaly {
		return e.resolveCost(ev)
	}
	if !evaluate.ValidOperator(ev.ComparisonOperator) {
		return ev, false, fmt.Errorf("%w: raw sample %q has unknown comparison operator %q",
			ErrInvalidEvent, ev.AlarmName, ev.ComparisonOperator)
	}
	ev.State = evaluate.ThresholdState(ev.Value, ev.Threshold, ev.ComparisonOperator)
	return ev, false, nil
}

// resolveCost evaluates a cost reading against its anomaly monitor, or
// against the budget when the event names no monitor.
func (e *Engine) resolveCost(ev types.AlertEvent) (types.AlertEvent, bool, error) {
	if ev.MonitorName != "" {
		m, ok := e.monitors[ev.MonitorName]
		if !ok {
			return ev, false, fmt.Errorf("%w: unknown anomaly monitor %q", ErrInvalidEvent, ev.MonitorName)
		}
		if ev.BaselineAsOf.IsZero() {
			// The expected value came without a timestamp; trust it as given.
			ev.State = types.StateOK
			if evaluate.EvaluateAnomaly(m, ev.Value, ev.Expected) {
				ev.State = types.StateAlarm
			}
		} else {
			v := evaluate.EvaluateBaseline(m, ev.Value,
				evaluate.Baseline{Expected: ev.Expected, AsOf: ev.BaselineAsOf},
				e.now(), e.cfg.BaselineFreshness)
			ev.State = v.State()
		}
		if ev.Threshold == 0 {
			ev.Threshold = ev.Expected
		}
		if ev.AlarmName == "" {
			ev.AlarmName = m.Name
		}
		return ev, false, nil
	}

	if e.cfg.Budget == nil {
		return ev, false, fmt.Errorf("%w: cost sample without monitor and no budget configured", ErrInvalidEvent)
	}
	b := *e.cfg.Budget
	level := b.Level(ev.Value)
	switch level {
	case evaluate.LevelCritical:
		ev.State = types.StateAlarm
		ev.Threshold = b.CriticalThreshold()
	case evaluate.LevelWarning:
		ev.State = types.StateAlarm
		ev.Threshold = b.WarningThreshold()
	default:
		ev.State = types.StateOK
		ev.Threshold = b.WarningThreshold()
	}
	ev.ComparisonOperator = types.GreaterThanOrEqualToThreshold
	if ev.AlarmName == "" {
		ev.AlarmName = "budget"
	}
	ev.Dimensions = withDimension(ev.Dimensions, budgetLevelDimension, level.String())
	if ev.Description == "" && level != evaluate.LevelNone {
		ev.Description = fmt.Sprintf("budget %s: spend %.2f reached %.2f of %.2f",
			level, ev.Value, ev.Threshold, b.Amount)
	}

	e.levelMu.Lock()
	prev, seen := e.levels[ev.AlarmName]
	e.levels[ev.AlarmName] = level
	e.levelMu.Unlock()

	escalated := seen && prev != level && prev != evaluate.LevelNone && level != evaluate.LevelNone
	if escalated {
		slog.Info("alerts: budget level changed",
			"alarm", ev.AlarmName, "from", prev.String(), "to", level.String(), "value", ev.Value)
	}
	return ev, escalated, nil
}

// withDimension returns a copy of d with name set to value.
func withDimension(d types.Dimensions, name, value string) types.Dimensions {
	out := make(types.Dimensions, 0, len(d)+1)
	for _, dim := range d {
		if dim.Name != name {
			out = append(out, dim)
		}
	}
	return append(out, types.Dimension{Name: name, Value: value})
}
