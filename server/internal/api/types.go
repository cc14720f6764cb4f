package api

import (
	"time"

	"github.com/obsidianstack/alertflow/pkg/types"
	"github.com/obsidianstack/alertflow/server/internal/deadletter"
	"github.com/obsidianstack/alertflow/server/internal/suppress"
)

// EventRequest is the body of POST /api/v1/events. Source is not restricted
// to the known values: an unknown source is accepted and then dropped (or
// defaulted) by the classifier so that it leaves a dead-letter record.
type EventRequest struct {
	ID                 string             `json:"id" validate:"omitempty,max=128"`
	Source             string             `json:"source" validate:"required,max=64,singleline"`
	State              string             `json:"state" validate:"required_unless=RawSample true,omitempty,oneof=ALARM OK INSUFFICIENT_DATA"`
	PreviousState      string             `json:"previousState" validate:"omitempty,oneof=ALARM OK INSUFFICIENT_DATA"`
	AlarmName          string             `json:"alarmName" validate:"max=255,singleline"`
	MetricName         string             `json:"metricName" validate:"max=255,singleline"`
	Namespace          string             `json:"namespace" validate:"max=255,singleline"`
	Dimensions         []DimensionRequest `json:"dimensions" validate:"max=30,dive"`
	Value              float64            `json:"value"`
	Threshold          float64            `json:"threshold"`
	ComparisonOperator string             `json:"comparisonOperator" validate:"omitempty,oneof=GreaterThanThreshold GreaterThanOrEqualToThreshold LessThanThreshold LessThanOrEqualToThreshold"`
	Timestamp          time.Time          `json:"timestamp"`
	ResourceTags       map[string]string  `json:"resourceTags" validate:"max=50"`
	Description        string             `json:"description" validate:"max=4096"`
	RawPayload         string             `json:"rawPayload" validate:"max=262144"`
	Heartbeat          bool               `json:"heartbeat"`
	RawSample          bool               `json:"rawSample"`
	MonitorName        string             `json:"monitorName" validate:"max=255,singleline"`
	Expected           float64            `json:"expected"`
	BaselineAsOf       time.Time          `json:"baselineAsOf"`
}

// DimensionRequest is one dimension of an EventRequest.
type DimensionRequest struct {
	Name  string `json:"name" validate:"required,max=255,singleline"`
	Value string `json:"value" validate:"max=1024,singleline"`
}

func (r EventRequest) toEvent() types.AlertEvent {
	dims := make(types.Dimensions, len(r.Dimensions))
	for i, d := range r.Dimensions {
		dims[i] = types.Dimension{Name: d.Name, Value: d.Value}
	}
	return types.AlertEvent{
		ID:                 r.ID,
		Source:             types.Source(r.Source),
		State:              types.State(r.State),
		PreviousState:      types.State(r.PreviousState),
		AlarmName:          r.AlarmName,
		MetricName:         r.MetricName,
		Namespace:          r.Namespace,
		Dimensions:         dims,
		Value:              r.Value,
		Threshold:          r.Threshold,
		ComparisonOperator: types.ComparisonOperator(r.ComparisonOperator),
		Timestamp:          r.Timestamp,
		ResourceTags:       r.ResourceTags,
		Description:        r.Description,
		RawPayload:         r.RawPayload,
		Heartbeat:          r.Heartbeat,
		RawSample:          r.RawSample,
		MonitorName:        r.MonitorName,
		Expected:           r.Expected,
		BaselineAsOf:       r.BaselineAsOf,
	}
}

// AcceptedResponse is returned by POST /api/v1/events without wait.
type AcceptedResponse struct {
	ID            string      `json:"id"`
	PreviousState types.State `json:"previousState"`
}

// ProcessedResponse is returned by POST /api/v1/events?wait=true.
type ProcessedResponse struct {
	Event   types.AlertEvent       `json:"event"`
	Results []types.DeliveryResult `json:"results"`
}

// HealthResponse is the payload for GET /api/v1/health.
type HealthResponse struct {
	Status     string                       `json:"status"`
	AlarmCount int                          `json:"alarm_count"`
	Alarms     map[types.State]int          `json:"alarms"`
	Deliveries map[types.DeliveryStatus]int `json:"deliveries"`
	Rules      int                          `json:"rules"`
}

// AlarmResponse is one entry of GET /api/v1/alarms.
type AlarmResponse struct {
	ID        string      `json:"id"`
	State     types.State `json:"state"`
	UpdatedAt string      `json:"updated_at"` // RFC3339
}

// AlarmsResponse is the payload for GET /api/v1/alarms.
type AlarmsResponse struct {
	Alarms []AlarmResponse       `json:"alarms"`
	Rules  []suppress.RuleStatus `json:"rules"`
}

// DeadLetterResponse is one record of GET /api/v1/deadletters.
type DeadLetterResponse struct {
	deadletter.Record
	Hints []DiagnosticHint `json:"hints"`
}

// errorResponse is a generic JSON error body.
type errorResponse struct {
	Error string `json:"error"`
}
