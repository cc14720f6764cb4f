package classify

import (
	"errors"
	"testing"

	"github.com/obsidianstack/alertflow/pkg/types"
)

func TestClassify(t *testing.T) {
	cases := []struct {
		name  string
		event types.AlertEvent
		want  types.Severity
	}{
		{"security", types.AlertEvent{Source: types.SourceSecurityFinding, State: types.StateAlarm}, types.SeveritySecurity},
		{"security beats health metric", types.AlertEvent{Source: types.SourceSecurityFinding, MetricName: "StatusCheckFailed", State: types.StateAlarm}, types.SeveritySecurity},
		{"cost", types.AlertEvent{Source: types.SourceCostAnomaly, State: types.StateAlarm}, types.SeverityCost},
		{"status check", types.AlertEvent{Source: types.SourceMetricAlarm, MetricName: "StatusCheckFailed_System", State: types.StateAlarm}, types.SeverityCritical},
		{"healthy hosts low", types.AlertEvent{Source: types.SourceMetricAlarm, MetricName: "HealthyHostCount", ComparisonOperator: types.LessThanThreshold, State: types.StateAlarm}, types.SeverityCritical},
		{"healthy hosts high is not health", types.AlertEvent{Source: types.SourceMetricAlarm, MetricName: "HealthyHostCount", ComparisonOperator: types.GreaterThanThreshold, State: types.StateAlarm}, types.SeverityWarning},
		{"unhealthy hosts", types.AlertEvent{Source: types.SourceMetricAlarm, MetricName: "UnHealthyHostCount", ComparisonOperator: types.GreaterThanOrEqualToThreshold, State: types.StateAlarm}, types.SeverityCritical},
		{"custom host health", types.AlertEvent{Source: types.SourceCustom, Namespace: CustomNamespace, AlarmName: "web-HostHealth", State: types.StateAlarm}, types.SeverityCritical},
		{"cpu breach", types.AlertEvent{Source: types.SourceMetricAlarm, MetricName: "CPUUtilization", ComparisonOperator: types.GreaterThanThreshold, State: types.StateAlarm}, types.SeverityWarning},
		{"insufficient data", types.AlertEvent{Source: types.SourceMetricAlarm, MetricName: "CPUUtilization", State: types.StateInsufficientData}, types.SeverityWarning},
		{"recovery", types.AlertEvent{Source: types.SourceMetricAlarm, MetricName: "StatusCheckFailed", State: types.StateOK, PreviousState: types.StateAlarm}, types.SeverityInfo},
		{"heartbeat", types.AlertEvent{Source: types.SourceCustom, Heartbeat: true, State: types.StateAlarm}, types.SeverityInfo},
		{"composite breach", types.AlertEvent{Source: types.SourceCompositeAlarm, AlarmName: "app-degraded", State: types.StateAlarm}, types.SeverityWarning},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			got, err := Classify(c.event)
			if err != nil {
				t.Fatalf("Classify: unexpected error: %v", err)
			}
			if got != c.want {
				t.Errorf("Classify: got %s, want %s", got, c.want)
			}
		})
	}
}

func TestClassify_UnknownSource(t *testing.T) {
	_, err := Classify(types.AlertEvent{Source: "Syslog", MetricName: "StatusCheckFailed", State: types.StateAlarm})
	if !errors.Is(err, ErrClassificationUnknownSource) {
		t.Fatalf("got %v, want ErrClassificationUnknownSource", err)
	}
}

func TestWithDefault(t *testing.T) {
	e := types.AlertEvent{Source: "Syslog", State: types.StateAlarm}

	got, err := WithDefault(e, types.SeverityWarning)
	if err != nil || got != types.SeverityWarning {
		t.Errorf("WithDefault(warning): got %s, %v", got, err)
	}

	if _, err := WithDefault(e, ""); !errors.Is(err, ErrClassificationUnknownSource) {
		t.Errorf("WithDefault(empty): got %v, want ErrClassificationUnknownSource", err)
	}
}
