package enrich

import (
	"bytes"
	"fmt"
	"log/slog"
	"text/template"

	"github.com/obsidianstack/alertflow/pkg/types"
)

// Enricher adds runbook links, tags and a fallback description.
type Enricher struct {
	runbook     *template.Template
	defaultTags map[string]string
}

// runbookData is what the runbook template can reference.
type runbookData struct {
	Severity   string
	Source     string
	AlarmName  string
	MetricName string
	Namespace  string
}

// NewEnricher parses runbookTemplate (empty disables runbook links).
func NewEnricher(runbookTemplate string, defaultTags map[string]string) (*Enricher, error) {
	en := &Enricher{defaultTags: defaultTags}
	if runbookTemplate != "" {
		tmpl, err := template.New("runbook").Option("missingkey=zero").Parse(runbookTemplate)
		if err != nil {
			return nil, fmt.Errorf("enrich: parse runbook template: %w", err)
		}
		en.runbook = tmpl
	}
	return en, nil
}

// Enrich returns an EnrichedEvent for ev. The input is not modified.
func (en *Enricher) Enrich(ev types.AlertEvent) types.EnrichedEvent {
	out := types.EnrichedEvent{AlertEvent: ev.Clone()}

	if len(en.defaultTags) > 0 {
		tags := make(map[string]string, len(en.defaultTags)+len(ev.ResourceTags))
		for k, v := range en.defaultTags {
			tags[k] = v
		}
		// Event tags win over defaults.
		for k, v := range ev.ResourceTags {
			tags[k] = v
		}
		out.ResourceTags = tags
	}

	if en.runbook != nil {
		var buf bytes.Buffer
		err := en.runbook.Execute(&buf, runbookData{
			Severity:   string(ev.Severity),
			Source:     string(ev.Source),
			AlarmName:  ev.AlarmName,
			MetricName: ev.MetricName,
			Namespace:  ev.Namespace,
		})
		if err != nil {
			slog.Warn("enrich: runbook template failed", "event_id", ev.ID, "err", err)
		} else {
			out.RunbookURL = buf.String()
		}
	}

	if out.Description == "" {
		out.Description = describe(ev)
	}
	return out
}

func describe(ev types.AlertEvent) string {
	name := ev.AlarmName
	if name == "" {
		name = ev.MetricName
	}
	if ev.ComparisonOperator != "" {
		return fmt.Sprintf("[%s] %s %s is %s: %s = %g (%s %g)",
			ev.Severity, ev.Source, name, ev.State, ev.MetricName, ev.Value, ev.ComparisonOperator, ev.Threshold)
	}
	return fmt.Sprintf("[%s] %s %s is %s", ev.Severity, ev.Source, name, ev.State)
}
