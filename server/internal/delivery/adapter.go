package delivery

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/obsidianstack/alertflow/pkg/types"
)

// Adapter sends one event to one endpoint.
type Adapter interface {
	Send(ctx context.Context, endpoint string, ev types.EnrichedEvent) error
}

// PermanentError marks a failure that must not be retried.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return "permanent: " + e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent wraps err so that IsPermanent reports true. Permanent(nil) is nil.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// IsPermanent reports whether err, or anything it wraps, is permanent.
func IsPermanent(err error) bool {
	var p *PermanentError
	return errors.As(err, &p)
}

// Payload is the JSON body delivered to webhook, queue and function
// endpoints.
type Payload struct {
	ID            string            `json:"id"`
	Severity      types.Severity    `json:"severity"`
	Source        types.Source      `json:"source"`
	AlarmName     string            `json:"alarmName,omitempty"`
	MetricName    string            `json:"metricName"`
	State         types.State       `json:"state"`
	PreviousState types.State       `json:"previousState"`
	Value         float64           `json:"value"`
	Threshold     float64           `json:"threshold"`
	Timestamp     string            `json:"timestamp"`
	RunbookURL    string            `json:"runbookURL"`
	Dimensions    map[string]string `json:"dimensions"`
	AuditFlags    []string          `json:"auditFlags"`
	Description   string            `json:"description,omitempty"`
}

// NewPayload converts ev to its wire form. Dimensions and AuditFlags are
// always present, as an empty object and array when unset.
func NewPayload(ev types.EnrichedEvent) Payload {
	flags := ev.AuditFlags
	if flags == nil {
		flags = []string{}
	}
	return Payload{
		ID:            ev.ID,
		Severity:      ev.Severity,
		Source:        ev.Source,
		AlarmName:     ev.AlarmName,
		MetricName:    ev.MetricName,
		State:         ev.State,
		PreviousState: ev.PreviousState,
		Value:         ev.Value,
		Threshold:     ev.Threshold,
		Timestamp:     ev.Timestamp.UTC().Format(time.RFC3339),
		RunbookURL:    ev.RunbookURL,
		Dimensions:    ev.Dimensions.Map(),
		AuditFlags:    flags,
		Description:   ev.Description,
	}
}

// classifyHTTP maps an HTTP status onto the delivery error taxonomy:
// 2xx ok, 429 and 5xx transient, other statuses permanent.
func classifyHTTP(code int, detail string) error {
	switch {
	case code >= 200 && code < 300:
		return nil
	case code == http.StatusTooManyRequests || code >= 500:
		return fmt.Errorf("HTTP %d: %s", code, detail)
	default:
		return Permanent(fmt.Errorf("HTTP %d: %s", code, detail))
	}
}
