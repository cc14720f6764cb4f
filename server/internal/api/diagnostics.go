package api

import (
	"fmt"
	"strings"

	"github.com/obsidianstack/alertflow/server/internal/deadletter"
)

// DiagnosticHint is one human-readable explanation of why a notification
// ended up in the dead-letter sink. The dashboard shows Title as a chip and
// Detail on click.
type DiagnosticHint struct {
	// Key is a stable machine-readable identifier.
	Key string `json:"key"`
	// Level is "info" | "warning" | "critical".
	Level  string `json:"level"`
	Title  string `json:"title"`
	Detail string `json:"detail"`
}

// diagnose derives hints from a dead-letter record's reason and history.
// Hints are ordered critical first.
func diagnose(rec deadletter.Record) []DiagnosticHint {
	reason := strings.ToLower(rec.Reason)
	var hints []DiagnosticHint

	switch {
	case rec.Channel == "":
		hints = append(hints, DiagnosticHint{
			Key:   "not_routed",
			Level: "critical",
			Title: "Never routed",
			Detail: fmt.Sprintf("The event was rejected before routing: %s. "+
				"Unknown sources are dropped unless engine.default_severity is set.", rec.Reason),
		})
		return hints

	case strings.Contains(reason, "not_confirmed") || strings.Contains(reason, "confirm"):
		hints = append(hints, DiagnosticHint{
			Key:   "not_confirmed",
			Level: "critical",
			Title: "Subscription not confirmed",
			Detail: fmt.Sprintf("The %s endpoint %s has not confirmed its subscription, so the provider "+
				"refuses delivery. Confirm it with the recipient, or for webhooks check that the "+
				"endpoint echoes the confirmation token.", rec.Channel, rec.Endpoint),
		})

	case strings.Contains(reason, "circuit breaker"):
		hints = append(hints, DiagnosticHint{
			Key:   "breaker_open",
			Level: "warning",
			Title: "Circuit breaker open",
			Detail: fmt.Sprintf("Calls to %s kept failing, so the breaker stopped sending for a while. "+
				"Check the function's own logs; delivery resumes once a trial call succeeds.", rec.Endpoint),
		})

	case strings.Contains(reason, "deadline exceeded") || strings.Contains(reason, "timed out"):
		hints = append(hints, DiagnosticHint{
			Key:   "timeout",
			Level: "warning",
			Title: "Endpoint too slow",
			Detail: fmt.Sprintf("Every attempt to %s ran past retry.attempt_timeout. The endpoint is "+
				"overloaded or unreachable from this server.", rec.Endpoint),
		})

	case strings.Contains(reason, "http 429"):
		hints = append(hints, DiagnosticHint{
			Key:    "throttled",
			Level:  "warning",
			Title:  "Throttled by receiver",
			Detail: "The receiver answered 429 on every attempt. Lower the subscription's rate_limit.",
		})

	case strings.Contains(reason, "http 4") || strings.Contains(reason, "malformed") || strings.Contains(reason, "smtp 5"):
		hints = append(hints, DiagnosticHint{
			Key:   "rejected",
			Level: "critical",
			Title: "Endpoint rejected payload",
			Detail: fmt.Sprintf("%s refused the notification with a permanent error (%s). Retrying will "+
				"not help; fix the subscription endpoint or the receiving side.", rec.Endpoint, rec.Reason),
		})
	}

	if len(rec.History) > 0 && len(rec.History) == rec.Attempts && rec.Attempts > 1 {
		hints = append(hints, DiagnosticHint{
			Key:    "retries_exhausted",
			Level:  "info",
			Title:  fmt.Sprintf("%d attempts made", rec.Attempts),
			Detail: fmt.Sprintf("The router retried with backoff and gave up after %d attempts.", rec.Attempts),
		})
	}
	return hints
}
