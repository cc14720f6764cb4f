package types

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Source identifies what produced an AlertEvent.
type Source string

const (
	SourceMetricAlarm     Source = "MetricAlarm"
	SourceCompositeAlarm  Source = "CompositeAlarm"
	SourceCostAnomaly     Source = "CostAnomaly"
	SourceSecurityFinding Source = "SecurityFinding"
	SourceCustom          Source = "Custom"
)

// Valid reports whether s is one of the known sources.
func (s Source) Valid() bool {
	switch s {
	case SourceMetricAlarm, SourceCompositeAlarm, SourceCostAnomaly, SourceSecurityFinding, SourceCustom:
		return true
	}
	return false
}

// Severity is the notification tier assigned by the classifier.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityWarning  Severity = "warning"
	SeverityInfo     Severity = "info"
	SeveritySecurity Severity = "security"
	SeverityCost     Severity = "cost"
)

// Severities lists every tier in display order.
var Severities = []Severity{SeverityCritical, SeveritySecurity, SeverityWarning, SeverityCost, SeverityInfo}

// Valid reports whether s is one of the known tiers.
func (s Severity) Valid() bool {
	for _, v := range Severities {
		if s == v {
			return true
		}
	}
	return false
}

// State is the alarm state carried by an event.
type State string

const (
	StateAlarm            State = "ALARM"
	StateOK               State = "OK"
	StateInsufficientData State = "INSUFFICIENT_DATA"
)

// Valid reports whether s is a known alarm state.
func (s State) Valid() bool {
	return s == StateAlarm || s == StateOK || s == StateInsufficientData
}

// ComparisonOperator uses the CloudWatch operator names.
type ComparisonOperator string

const (
	GreaterThanThreshold          ComparisonOperator = "GreaterThanThreshold"
	GreaterThanOrEqualToThreshold ComparisonOperator = "GreaterThanOrEqualToThreshold"
	LessThanThreshold             ComparisonOperator = "LessThanThreshold"
	LessThanOrEqualToThreshold    ComparisonOperator = "LessThanOrEqualToThreshold"
)

// IsGreater reports whether op fires on values above the threshold.
func (op ComparisonOperator) IsGreater() bool {
	return op == GreaterThanThreshold || op == GreaterThanOrEqualToThreshold
}

// IsLess reports whether op fires on values below the threshold.
func (op ComparisonOperator) IsLess() bool {
	return op == LessThanThreshold || op == LessThanOrEqualToThreshold
}

// Valid reports whether op is one of the four supported operators.
func (op ComparisonOperator) Valid() bool {
	return op.IsGreater() || op.IsLess()
}

// Dimension is one name/value pair identifying a metric stream.
type Dimension struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// Dimensions is an ordered list of dimensions. Order carries no meaning and
// names are unique.
type Dimensions []Dimension

// Map returns the dimensions as a map keyed by name.
func (d Dimensions) Map() map[string]string {
	out := make(map[string]string, len(d))
	for _, dim := range d {
		out[dim.Name] = dim.Value
	}
	return out
}

// Canonical renders the dimensions sorted by name, so that two lists with
// the same pairs in a different order produce the same string. Names and
// values are quoted, so separators inside them cannot make two lists collide.
func (d Dimensions) Canonical() string {
	sorted := make(Dimensions, len(d))
	copy(sorted, d)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Name < sorted[j].Name })

	var b strings.Builder
	for i, dim := range sorted {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.Quote(dim.Name))
		b.WriteByte('=')
		b.WriteString(strconv.Quote(dim.Value))
	}
	return b.String()
}

// Validate returns an error when a dimension name is empty or repeated.
func (d Dimensions) Validate() error {
	seen := make(map[string]struct{}, len(d))
	for _, dim := range d {
		if dim.Name == "" {
			return fmt.Errorf("dimension name is empty")
		}
		if _, dup := seen[dim.Name]; dup {
			return fmt.Errorf("dimension %q repeated", dim.Name)
		}
		seen[dim.Name] = struct{}{}
	}
	return nil
}

// AlertEvent is the unit of work flowing through the engine.
type AlertEvent struct {
	ID                 string             `json:"id"`
	Source             Source             `json:"source"`
	Severity           Severity           `json:"severity,omitempty"`
	State              State              `json:"state"`
	PreviousState      State              `json:"previousState,omitempty"`
	AlarmName          string             `json:"alarmName,omitempty"`
	MetricName         string             `json:"metricName,omitempty"`
	Namespace          string             `json:"namespace,omitempty"`
	Dimensions         Dimensions         `json:"dimensions,omitempty"`
	Value              float64            `json:"value"`
	Threshold          float64            `json:"threshold"`
	ComparisonOperator ComparisonOperator `json:"comparisonOperator,omitempty"`
	Timestamp          time.Time          `json:"timestamp"`
	ResourceTags       map[string]string  `json:"resourceTags,omitempty"`
	Description        string             `json:"description,omitempty"`
	RawPayload         string             `json:"rawPayload,omitempty"`

	// Heartbeat marks an Info-tier liveness ping; it is delivered even when
	// the state did not change.
	Heartbeat bool `json:"heartbeat,omitempty"`

	// RawSample means State has not been decided yet: the evaluator derives
	// it from Value, Threshold and ComparisonOperator (or from the anomaly baseline).
	RawSample bool `json:"rawSample,omitempty"`

	// MonitorName selects the anomaly monitor or budget for cost events.
	MonitorName string `json:"monitorName,omitempty"`

	// Expected is the externally predicted baseline for cost anomaly events,
	// valid as of BaselineAsOf.
	Expected     float64   `json:"expected,omitempty"`
	BaselineAsOf time.Time `json:"baselineAsOf,omitempty"`
}

// IsSingleLine reports whether s contains no CR or LF.
func IsSingleLine(s string) bool {
	return !strings.ContainsAny(s, "\r\n")
}

// ValidateNames returns an error when an identifying field contains a line
// break. These fields are copied into notification headers and subjects.
func (e *AlertEvent) ValidateNames() error {
	fields := []struct{ name, value string }{
		{"source", string(e.Source)},
		{"alarmName", e.AlarmName},
		{"metricName", e.MetricName},
		{"namespace", e.Namespace},
		{"monitorName", e.MonitorName},
	}
	for _, f := range fields {
		if !IsSingleLine(f.value) {
			return fmt.Errorf("%s contains a line break", f.name)
		}
	}
	for _, d := range e.Dimensions {
		if !IsSingleLine(d.Name) || !IsSingleLine(d.Value) {
			return fmt.Errorf("dimension %q contains a line break", d.Name)
		}
	}
	return nil
}

// StateChanged reports whether the event represents a transition.
func (e *AlertEvent) StateChanged() bool {
	return e.State != e.PreviousState
}

// IdentityKey is the idempotency tuple (source, metricName, dimensions,
// state) used for dedup. The timestamp is deliberately excluded.
func (e *AlertEvent) IdentityKey() string {
	return e.streamTuple() + "|" + strconv.Quote(string(e.State))
}

// StreamKey names the alarm stream an event reports on: its alarm name, or
// the (source, metricName, dimensions) tuple when it has none. State
// transitions are tracked per stream key.
func (e *AlertEvent) StreamKey() string {
	if e.AlarmName != "" {
		return e.AlarmName
	}
	return e.streamTuple()
}

func (e *AlertEvent) streamTuple() string {
	return strconv.Quote(string(e.Source)) + "|" +
		strconv.Quote(e.MetricName) + "|" +
		"{" + e.Dimensions.Canonical() + "}"
}

// Clone returns a deep copy of the event.
func (e AlertEvent) Clone() AlertEvent {
	out := e
	if e.Dimensions != nil {
		out.Dimensions = make(Dimensions, len(e.Dimensions))
		copy(out.Dimensions, e.Dimensions)
	}
	if e.ResourceTags != nil {
		out.ResourceTags = make(map[string]string, len(e.ResourceTags))
		for k, v := range e.ResourceTags {
			out.ResourceTags[k] = v
		}
	}
	return out
}

// EnrichedEvent is an AlertEvent decorated with operational context.
type EnrichedEvent struct {
	AlertEvent
	RunbookURL string   `json:"runbookURL,omitempty"`
	AuditFlags []string `json:"auditFlags,omitempty"`
}

// Clone returns a deep copy of the enriched event.
func (e EnrichedEvent) Clone() EnrichedEvent {
	out := EnrichedEvent{AlertEvent: e.AlertEvent.Clone(), RunbookURL: e.RunbookURL}
	if e.AuditFlags != nil {
		out.AuditFlags = append([]string(nil), e.AuditFlags...)
	}
	return out
}
