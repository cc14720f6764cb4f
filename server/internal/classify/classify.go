package classify

import (
	"errors"
	"fmt"
	"strings"

	"github.com/obsidianstack/alertflow/pkg/types"
)

// ErrClassificationUnknownSource is returned for events whose source is not
// one of the known types.Source values.
var ErrClassificationUnknownSource = errors.New("classify: unknown event source")

// CustomNamespace is where host-health alarms published by agents live.
const CustomNamespace = "AlertFlow/Custom"

// Classify returns the severity tier for e. It is pure and deterministic.
func Classify(e types.AlertEvent) (types.Severity, error) {
	if !e.Source.Valid() {
		return "", fmt.Errorf("%w: %q", ErrClassificationUnknownSource, e.Source)
	}

	switch e.Source {
	case types.SourceSecurityFinding:
		return types.SeveritySecurity, nil
	case types.SourceCostAnomaly:
		return types.SeverityCost, nil
	}

	if e.Heartbeat || e.State == types.StateOK {
		return types.SeverityInfo, nil
	}
	if isHealthFailure(e) {
		return types.SeverityCritical, nil
	}
	return types.SeverityWarning, nil
}

// isHealthFailure reports whether the event's metric and operator describe
// an instance status check or load balancer host health failure.
func isHealthFailure(e types.AlertEvent) bool {
	switch {
	case strings.HasPrefix(e.MetricName, "StatusCheckFailed"):
		return true
	case e.MetricName == "HealthyHostCount" && e.ComparisonOperator.IsLess():
		return true
	case e.MetricName == "UnHealthyHostCount" && e.ComparisonOperator.IsGreater():
		return true
	case e.Namespace == CustomNamespace:
		name := e.AlarmName + " " + e.MetricName
		return strings.Contains(name, "HostHealth") || strings.Contains(name, "StatusCheck")
	}
	return false
}

// WithDefault classifies e, falling back to def when the source is unknown
// and def is a valid tier. Other errors, or an empty def, are returned as is.
func WithDefault(e types.AlertEvent, def types.Severity) (types.Severity, error) {
	sev, err := Classify(e)
	if err == nil {
		return sev, nil
	}
	if errors.Is(err, ErrClassificationUnknownSource) && def.Valid() {
		return def, nil
	}
	return "", err
}
