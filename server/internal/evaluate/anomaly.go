package evaluate

import (
	"fmt"
	"time"

	"github.com/obsidianstack/alertflow/pkg/types"
)

// MonitorDimension is what an anomaly monitor groups spend by.
type MonitorDimension string

const (
	DimensionService       MonitorDimension = "SERVICE"
	DimensionLinkedAccount MonitorDimension = "LINKED_ACCOUNT"
	DimensionCustom        MonitorDimension = "CUSTOM"
)

// Frequency is how often the monitor's baseline is refreshed.
type Frequency string

const (
	FrequencyDaily  Frequency = "DAILY"
	FrequencyWeekly Frequency = "WEEKLY"
)

// AnomalyMonitor fires only when both the absolute and the percentage
// impact thresholds are met.
type AnomalyMonitor struct {
	Name                string
	Dimension           MonitorDimension
	ThresholdAbsolute   float64
	ThresholdPercentage float64
	Frequency           Frequency
}

// Validate checks the enum fields and that thresholds are non-negative.
func (m AnomalyMonitor) Validate() error {
	switch m.Dimension {
	case DimensionService, DimensionLinkedAccount, DimensionCustom:
	default:
		return fmt.Errorf("monitor %q: unknown dimension %q", m.Name, m.Dimension)
	}
	switch m.Frequency {
	case FrequencyDaily, FrequencyWeekly:
	default:
		return fmt.Errorf("monitor %q: unknown frequency %q", m.Name, m.Frequency)
	}
	if m.ThresholdAbsolute < 0 || m.ThresholdPercentage < 0 {
		return fmt.Errorf("monitor %q: thresholds must be >= 0", m.Name)
	}
	return nil
}

// Impact returns observed-expected and that difference as a percentage of
// expected. The percentage is zero when expected is zero.
func Impact(observed, expected float64) (absolute, percentage float64) {
	absolute = observed - expected
	if expected != 0 {
		percentage = absolute / expected * 100
	}
	return absolute, percentage
}

// EvaluateAnomaly reports whether observed is anomalous against expected.
//
// When expected is zero the percentage impact is undefined; the percentage
// condition is then treated as met and only the absolute threshold decides.
func EvaluateAnomaly(m AnomalyMonitor, observed, expected float64) bool {
	absolute, percentage := Impact(observed, expected)
	if absolute < m.ThresholdAbsolute {
		return false
	}
	if expected == 0 {
		return true
	}
	return percentage >= m.ThresholdPercentage
}

// Baseline is an externally predicted expected value and the time it was
// computed for.
type Baseline struct {
	Expected float64
	AsOf     time.Time
}

// Verdict is the outcome of evaluating an observation against a baseline.
type Verdict int

const (
	VerdictUnknown Verdict = iota
	VerdictNormal
	VerdictAnomalous
)

func (v Verdict) String() string {
	switch v {
	case VerdictNormal:
		return "normal"
	case VerdictAnomalous:
		return "anomalous"
	}
	return "unknown"
}

// State maps the verdict onto an alarm state. Unknown becomes
// INSUFFICIENT_DATA.
func (v Verdict) State() types.State {
	switch v {
	case VerdictNormal:
		return types.StateOK
	case VerdictAnomalous:
		return types.StateAlarm
	}
	return types.StateInsufficientData
}

// EvaluateBaseline is EvaluateAnomaly with a freshness check: a baseline
// whose AsOf is zero or older than freshness relative to now yields
// VerdictUnknown instead of a possibly wrong decision. A freshness of zero
// disables the check.
func EvaluateBaseline(m AnomalyMonitor, observed float64, b Baseline, now time.Time, freshness time.Duration) Verdict {
	if b.AsOf.IsZero() {
		return VerdictUnknown
	}
	if freshness > 0 && now.Sub(b.AsOf) > freshness {
		return VerdictUnknown
	}
	if EvaluateAnomaly(m, observed, b.Expected) {
		return VerdictAnomalous
	}
	return VerdictNormal
}
