package api_test

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/obsidianstack/alertflow/pkg/types"
	"github.com/obsidianstack/alertflow/server/internal/alerts"
	"github.com/obsidianstack/alertflow/server/internal/api"
	"github.com/obsidianstack/alertflow/server/internal/deadletter"
	"github.com/obsidianstack/alertflow/server/internal/store"
	"github.com/obsidianstack/alertflow/server/internal/suppress"
)

// --- test helpers -----------------------------------------------------------

type fakePipeline struct {
	submitted []types.AlertEvent
	processed []types.AlertEvent
	err       error
}

func (f *fakePipeline) Process(_ context.Context, ev types.AlertEvent) (types.AlertEvent, []types.DeliveryResult, error) {
	if f.err != nil {
		return ev, nil, f.err
	}
	ev.ID = "evt-sync"
	f.processed = append(f.processed, ev)
	return ev, []types.DeliveryResult{{EventID: ev.ID, Status: types.StatusDelivered, Channel: types.ChannelWebhook}}, nil
}

func (f *fakePipeline) Submit(ev types.AlertEvent) (types.AlertEvent, error) {
	if f.err != nil {
		return ev, f.err
	}
	ev.ID = "evt-async"
	ev.PreviousState = types.StateOK
	f.submitted = append(f.submitted, ev)
	return ev, nil
}

func (f *fakePipeline) Alarms() map[string]suppress.AlarmState {
	at := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	return map[string]suppress.AlarmState{
		"web-cpu":     {State: types.StateAlarm, UpdatedAt: at},
		"db-conn":     {State: types.StateOK, UpdatedAt: at},
		"maintenance": {State: types.StateOK, UpdatedAt: at},
	}
}

func (f *fakePipeline) Rules() []suppress.RuleStatus {
	return []suppress.RuleStatus{{Name: "db-degraded", Expression: "ALARM(db-conn)", Phase: suppress.PhaseIdle}}
}

type fixture struct {
	handler  http.Handler
	pipeline *fakePipeline
	store    *store.Store
	sink     *deadletter.Memory
}

func newFixture() *fixture {
	f := &fixture{
		pipeline: &fakePipeline{},
		store:    store.New(5 * time.Minute),
		sink:     deadletter.NewMemory(),
	}
	f.handler = api.New(f.pipeline, f.store, f.sink)
	return f
}

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, path, nil))
	return rr
}

func post(t *testing.T, h http.Handler, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	h.ServeHTTP(rr, req)
	return rr
}

func decode(t *testing.T, rr *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	if err := json.NewDecoder(rr.Body).Decode(v); err != nil {
		t.Fatalf("decode JSON: %v (body: %s)", err, rr.Body.String())
	}
}

const validEvent = `{
  "source": "MetricAlarm",
  "state": "ALARM",
  "alarmName": "web-cpu",
  "metricName": "CPUUtilization",
  "dimensions": [{"name": "InstanceId", "value": "i-0abc"}],
  "value": 95,
  "threshold": 90,
  "comparisonOperator": "GreaterThanThreshold"
}`

// --- tests ------------------------------------------------------------------

func TestHealth(t *testing.T) {
	f := newFixture()
	f.store.Put(types.DeliveryResult{EventID: "e1", Channel: types.ChannelEmail, Endpoint: "a@example.com", Status: types.StatusDelivered})

	rr := get(t, f.handler, "/api/v1/health")
	if rr.Code != http.StatusOK {
		t.Fatalf("status: got %d, want 200", rr.Code)
	}
	if ct := rr.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type: got %q", ct)
	}
	var resp api.HealthResponse
	decode(t, rr, &resp)
	if resp.AlarmCount != 3 || resp.Alarms[types.StateOK] != 2 || resp.Alarms[types.StateAlarm] != 1 {
		t.Errorf("alarms: %+v", resp)
	}
	if resp.Deliveries[types.StatusDelivered] != 1 || resp.Rules != 1 {
		t.Errorf("deliveries/rules: %+v", resp)
	}
}

func TestEvents_Accepted(t *testing.T) {
	f := newFixture()
	rr := post(t, f.handler, "/api/v1/events", validEvent)
	if rr.Code != http.StatusAccepted {
		t.Fatalf("status: got %d, want 202 (body %s)", rr.Code, rr.Body.String())
	}
	var resp api.AcceptedResponse
	decode(t, rr, &resp)
	if resp.ID != "evt-async" || resp.PreviousState != types.StateOK {
		t.Errorf("response: %+v", resp)
	}
	if len(f.pipeline.submitted) != 1 {
		t.Fatalf("submitted: got %d, want 1", len(f.pipeline.submitted))
	}
	ev := f.pipeline.submitted[0]
	if ev.Source != types.SourceMetricAlarm || ev.ComparisonOperator != types.GreaterThanThreshold ||
		len(ev.Dimensions) != 1 || ev.Dimensions[0].Value != "i-0abc" {
		t.Errorf("converted event: %+v", ev)
	}
}

func TestEvents_Wait(t *testing.T) {
	f := newFixture()
	rr := post(t, f.handler, "/api/v1/events?wait=true", validEvent)
	if rr.Code != http.StatusOK {
		t.Fatalf("status: got %d, want 200", rr.Code)
	}
	var resp api.ProcessedResponse
	decode(t, rr, &resp)
	if resp.Event.ID != "evt-sync" || len(resp.Results) != 1 || resp.Results[0].Status != types.StatusDelivered {
		t.Errorf("response: %+v", resp)
	}
}

func TestEvents_RawSampleNeedsNoState(t *testing.T) {
	f := newFixture()
	body := `{"source":"MetricAlarm","alarmName":"disk","rawSample":true,"value":97,"threshold":95,"comparisonOperator":"GreaterThanThreshold"}`
	if rr := post(t, f.handler, "/api/v1/events", body); rr.Code != http.StatusAccepted {
		t.Errorf("status: got %d, want 202 (body %s)", rr.Code, rr.Body.String())
	}
}

func TestEvents_BadRequests(t *testing.T) {
	cases := map[string]string{
		"malformed json": `{"source":`,
		"unknown field":  `{"source":"MetricAlarm","state":"ALARM","severity":"critical"}`,
		"missing source": `{"state":"ALARM"}`,
		"missing state":  `{"source":"MetricAlarm"}`,
		"bad state":      `{"source":"MetricAlarm","state":"FIRING"}`,
		"bad operator":   `{"source":"MetricAlarm","state":"ALARM","comparisonOperator":"Above"}`,
		"empty dim name": `{"source":"MetricAlarm","state":"ALARM","dimensions":[{"name":"","value":"x"}]}`,
		"crlf in alarm":  `{"source":"MetricAlarm","state":"ALARM","alarmName":"cpu\r\nBcc: x@evil.example"}`,
		"lf in dim":      `{"source":"MetricAlarm","state":"ALARM","dimensions":[{"name":"host","value":"a\nb"}]}`,
		"oversize alarm": fmt.Sprintf(`{"source":"MetricAlarm","state":"ALARM","alarmName":%q}`, strings.Repeat("a", 300)),
	}
	for name, body := range cases {
		f := newFixture()
		rr := post(t, f.handler, "/api/v1/events", body)
		if rr.Code != http.StatusBadRequest {
			t.Errorf("%s: status got %d, want 400 (body %s)", name, rr.Code, rr.Body.String())
		}
		if len(f.pipeline.submitted) != 0 {
			t.Errorf("%s: invalid event reached the pipeline", name)
		}
	}
}

func TestEvents_PipelineRejects(t *testing.T) {
	f := newFixture()
	f.pipeline.err = fmt.Errorf("%w: dimension \"k\" repeated", alerts.ErrInvalidEvent)
	if rr := post(t, f.handler, "/api/v1/events", validEvent); rr.Code != http.StatusBadRequest {
		t.Errorf("status: got %d, want 400", rr.Code)
	}

	f.pipeline.err = fmt.Errorf("boom")
	if rr := post(t, f.handler, "/api/v1/events?wait=1", validEvent); rr.Code != http.StatusInternalServerError {
		t.Errorf("status: got %d, want 500", rr.Code)
	}
}

func TestDeliveries_Filters(t *testing.T) {
	f := newFixture()
	f.store.Put(types.DeliveryResult{EventID: "e1", Severity: types.SeverityCritical, Channel: types.ChannelSMS, Endpoint: "+1", Status: types.StatusDelivered})
	f.store.Put(types.DeliveryResult{EventID: "e2", Severity: types.SeverityWarning, Channel: types.ChannelSMS, Endpoint: "+1", Status: types.StatusDeadLettered})

	var all []types.DeliveryResult
	decode(t, get(t, f.handler, "/api/v1/deliveries"), &all)
	if len(all) != 2 {
		t.Errorf("all: got %d, want 2", len(all))
	}

	var dead []types.DeliveryResult
	decode(t, get(t, f.handler, "/api/v1/deliveries?status=DeadLettered"), &dead)
	if len(dead) != 1 || dead[0].EventID != "e2" {
		t.Errorf("status filter: %+v", dead)
	}

	if rr := get(t, f.handler, "/api/v1/deliveries?limit=-1"); rr.Code != http.StatusBadRequest {
		t.Errorf("bad limit: got %d, want 400", rr.Code)
	}
}

func TestAlarms_SortedWithRules(t *testing.T) {
	f := newFixture()
	var resp api.AlarmsResponse
	decode(t, get(t, f.handler, "/api/v1/alarms"), &resp)
	if len(resp.Alarms) != 3 || resp.Alarms[0].ID != "db-conn" || resp.Alarms[2].ID != "web-cpu" {
		t.Errorf("alarms: %+v", resp.Alarms)
	}
	if resp.Alarms[0].UpdatedAt != "2026-01-01T00:00:00Z" {
		t.Errorf("updated_at: got %q", resp.Alarms[0].UpdatedAt)
	}
	if len(resp.Rules) != 1 || resp.Rules[0].Name != "db-degraded" {
		t.Errorf("rules: %+v", resp.Rules)
	}
}

func TestDeadLetters_WithHints(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	f.sink.Write(ctx, deadletter.Record{ //nolint:errcheck
		EventID: "e1", Channel: types.ChannelSMS, Endpoint: "+14155550100",
		Reason: "sms provider: subscription_not_confirmed: number has not opted in", Attempts: 1,
	})
	f.sink.Write(ctx, deadletter.Record{ //nolint:errcheck
		EventID: "e2", Channel: types.ChannelWebhook, Endpoint: "https://slow.internal",
		Reason: "http post: context deadline exceeded", Attempts: 3,
		History: []deadletter.Attempt{{N: 1}, {N: 2}, {N: 3}},
	})
	f.sink.Write(ctx, deadletter.Record{EventID: "e3", Reason: "classify: unknown event source: \"Pingdom\""}) //nolint:errcheck

	var out []api.DeadLetterResponse
	decode(t, get(t, f.handler, "/api/v1/deadletters?limit=10"), &out)
	if len(out) != 3 {
		t.Fatalf("records: got %d, want 3", len(out))
	}

	keys := map[string][]string{}
	for _, rec := range out {
		for _, h := range rec.Hints {
			keys[rec.EventID] = append(keys[rec.EventID], h.Key)
		}
	}
	if got := keys["e1"]; len(got) != 1 || got[0] != "not_confirmed" {
		t.Errorf("e1 hints: %v", got)
	}
	if got := keys["e2"]; len(got) != 2 || got[0] != "timeout" || got[1] != "retries_exhausted" {
		t.Errorf("e2 hints: %v", got)
	}
	if got := keys["e3"]; len(got) != 1 || got[0] != "not_routed" {
		t.Errorf("e3 hints: %v", got)
	}
}

func TestMethodNotAllowed(t *testing.T) {
	f := newFixture()
	for _, path := range []string{"/api/v1/health", "/api/v1/deliveries", "/api/v1/alarms", "/api/v1/deadletters"} {
		rr := post(t, f.handler, path, "{}")
		if rr.Code != http.StatusMethodNotAllowed {
			t.Errorf("POST %s: got %d, want 405", path, rr.Code)
		}
	}
	if rr := get(t, f.handler, "/api/v1/events"); rr.Code != http.StatusMethodNotAllowed {
		t.Errorf("GET /api/v1/events: got %d, want 405", rr.Code)
	}
}

func TestUnknownPath_404(t *testing.T) {
	f := newFixture()
	if rr := get(t, f.handler, "/api/v1/pipelines"); rr.Code != http.StatusNotFound {
		t.Errorf("status: got %d, want 404", rr.Code)
	}
}
