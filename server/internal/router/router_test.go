package router

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/obsidianstack/alertflow/pkg/types"
	"github.com/obsidianstack/alertflow/server/internal/deadletter"
	"github.com/obsidianstack/alertflow/server/internal/dedup"
	"github.com/obsidianstack/alertflow/server/internal/delivery"
)

// fakeAdapter returns errs in order, then nil.
type fakeAdapter struct {
	mu    sync.Mutex
	calls int
	errs  []error
	// always, when set, is returned on every call.
	always error
}

func (f *fakeAdapter) Send(ctx context.Context, endpoint string, ev types.EnrichedEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.always != nil {
		return f.always
	}
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		return err
	}
	return nil
}

func (f *fakeAdapter) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakePublisher struct {
	mu       sync.Mutex
	subjects []string
	err      error
}

func (p *fakePublisher) Publish(_ context.Context, subject string, _ []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.subjects = append(p.subjects, subject)
	return p.err
}

type harness struct {
	router  *Router
	adapter *fakeAdapter
	sink    *deadletter.Memory
	waits   []time.Duration
	mu      sync.Mutex
	results []types.DeliveryResult
}

func newHarness(t *testing.T, subs []Subscription, cache dedup.Cache, pub delivery.Publisher, subject string) *harness {
	t.Helper()
	h := &harness{adapter: &fakeAdapter{}, sink: deadletter.NewMemory()}
	adapters := map[types.ChannelType]delivery.Adapter{
		types.ChannelWebhook: h.adapter,
		types.ChannelEmail:   h.adapter,
		types.ChannelQueue:   h.adapter,
	}
	r, err := New(Config{
		Subscriptions:    subs,
		Retry:            RetryPolicy{MaxAttempts: 3, BackoffBase: time.Second, BackoffMax: 3 * time.Second, AttemptTimeout: time.Second},
		AggregateSubject: subject,
	}, adapters, cache, h.sink, pub)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	r.jitter = func(time.Duration) time.Duration { return 0 }
	r.sleep = func(_ context.Context, d time.Duration) error {
		h.mu.Lock()
		h.waits = append(h.waits, d)
		h.mu.Unlock()
		return nil
	}
	r.Observe(func(res types.DeliveryResult) {
		h.mu.Lock()
		h.results = append(h.results, res)
		h.mu.Unlock()
	})
	h.router = r
	return h
}

func event(sev types.Severity) types.EnrichedEvent {
	return types.EnrichedEvent{AlertEvent: types.AlertEvent{
		ID: "e1", Source: types.SourceMetricAlarm, Severity: sev, MetricName: "CPUUtilization",
		AlarmName: "cpu", State: types.StateAlarm, PreviousState: types.StateOK,
		Dimensions: types.Dimensions{{Name: "InstanceId", Value: "i-1"}},
		Timestamp:  time.Unix(1000, 0),
	}}
}

func TestRoute_SelectsBySeverity(t *testing.T) {
	h := newHarness(t, []Subscription{
		{Severity: types.SeverityCritical, Channel: types.ChannelEmail, Endpoint: "oncall@example.com"},
		{Severity: types.SeveritySecurity, Channel: types.ChannelWebhook, Endpoint: "https://siem.internal/hook"},
		{Severity: types.SeveritySecurity, Channel: types.ChannelQueue, Endpoint: "alerts.security"},
	}, nil, nil, "")

	ev := event(types.SeveritySecurity)
	ev.Source = types.SourceSecurityFinding
	results := h.router.Route(context.Background(), ev)

	if len(results) != 2 {
		t.Fatalf("results: got %d, want 2", len(results))
	}
	for _, res := range results {
		if res.Severity != types.SeveritySecurity || res.Channel == types.ChannelEmail {
			t.Errorf("security event reached %s/%s", res.Severity, res.Channel)
		}
		if res.Status != types.StatusDelivered || res.Attempts != 1 {
			t.Errorf("result: %+v", res)
		}
	}
}

func TestRoute_Dedup(t *testing.T) {
	h := newHarness(t, []Subscription{
		{Severity: types.SeverityWarning, Channel: types.ChannelWebhook, Endpoint: "https://a.internal/hook"},
	}, dedup.NewMemory(time.Minute), nil, "")

	first := h.router.Route(context.Background(), event(types.SeverityWarning))
	dup := event(types.SeverityWarning)
	dup.ID = "e2"
	dup.Timestamp = time.Unix(1030, 0)
	dup.Dimensions = types.Dimensions{{Name: "InstanceId", Value: "i-1"}}
	second := h.router.Route(context.Background(), dup)

	if len(first) != 1 || first[0].Status != types.StatusDelivered {
		t.Fatalf("first: %+v", first)
	}
	if len(second) != 1 || second[0].Status != types.StatusSkippedDeduped || second[0].EventID != "e2" {
		t.Fatalf("second: %+v", second)
	}
	if h.adapter.Calls() != 1 {
		t.Errorf("adapter calls: got %d, want 1", h.adapter.Calls())
	}

	other := event(types.SeverityWarning)
	other.State = types.StateInsufficientData
	if res := h.router.Route(context.Background(), other); res[0].Status != types.StatusDelivered {
		t.Errorf("different state should not be deduped: %+v", res)
	}
}

func TestRoute_RetryExhaustion(t *testing.T) {
	h := newHarness(t, []Subscription{
		{Severity: types.SeverityWarning, Channel: types.ChannelWebhook, Endpoint: "https://down.internal/hook"},
	}, nil, nil, "")
	h.adapter.always = errors.New("HTTP 503")

	results := h.router.Route(context.Background(), event(types.SeverityWarning))

	if h.adapter.Calls() != 3 {
		t.Errorf("attempts: got %d, want exactly 3", h.adapter.Calls())
	}
	if len(results) != 1 || results[0].Status != types.StatusDeadLettered || results[0].Attempts != 3 {
		t.Fatalf("result: %+v", results)
	}

	var retrying, dead int
	for _, r := range h.results {
		switch r.Status {
		case types.StatusRetrying:
			retrying++
		case types.StatusDeadLettered:
			dead++
		}
	}
	if retrying != 2 || dead != 1 {
		t.Errorf("observed: retrying=%d dead=%d, want 2/1", retrying, dead)
	}

	if len(h.waits) != 2 || h.waits[0] != time.Second || h.waits[1] != 2*time.Second {
		t.Errorf("backoff: got %v, want [1s 2s]", h.waits)
	}

	recs, _ := h.sink.List(context.Background(), 10)
	if len(recs) != 1 {
		t.Fatalf("dead letters: got %d, want 1", len(recs))
	}
	if recs[0].Attempts != 3 || len(recs[0].History) != 3 || recs[0].Event.ID != "e1" {
		t.Errorf("dead letter: %+v", recs[0])
	}
}

func TestRoute_TransientThenSuccess(t *testing.T) {
	h := newHarness(t, []Subscription{
		{Severity: types.SeverityWarning, Channel: types.ChannelWebhook, Endpoint: "https://flaky.internal/hook"},
	}, nil, nil, "")
	h.adapter.errs = []error{errors.New("timeout")}

	results := h.router.Route(context.Background(), event(types.SeverityWarning))
	if results[0].Status != types.StatusDelivered || results[0].Attempts != 2 {
		t.Fatalf("result: %+v", results[0])
	}
	if recs, _ := h.sink.List(context.Background(), 10); len(recs) != 0 {
		t.Errorf("dead letters: got %d, want 0", len(recs))
	}
}

func TestRoute_PermanentStopsImmediately(t *testing.T) {
	h := newHarness(t, []Subscription{
		{Severity: types.SeverityWarning, Channel: types.ChannelEmail, Endpoint: "unconfirmed@example.com"},
	}, nil, nil, "")
	h.adapter.always = delivery.Permanent(errors.New("smtp 550: subscription not confirmed"))

	results := h.router.Route(context.Background(), event(types.SeverityWarning))
	if h.adapter.Calls() != 1 {
		t.Errorf("attempts: got %d, want 1", h.adapter.Calls())
	}
	if results[0].Status != types.StatusDeadLettered || results[0].LastError == "" {
		t.Fatalf("result: %+v", results[0])
	}
	if len(h.waits) != 0 {
		t.Errorf("backoff waits: got %v, want none", h.waits)
	}
}

func TestRoute_AttemptDeadline(t *testing.T) {
	var calls int32
	slow := adapterFunc(func(ctx context.Context, _ string, _ types.EnrichedEvent) error {
		atomic.AddInt32(&calls, 1)
		<-ctx.Done()
		return ctx.Err()
	})
	sink := deadletter.NewMemory()
	r, err := New(Config{
		Subscriptions: []Subscription{{Severity: types.SeverityWarning, Channel: types.ChannelFunction, Endpoint: "fn"}},
		Retry:         RetryPolicy{MaxAttempts: 2, BackoffBase: time.Millisecond, AttemptTimeout: 10 * time.Millisecond},
	}, map[types.ChannelType]delivery.Adapter{types.ChannelFunction: slow}, nil, sink, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	results := r.Route(context.Background(), event(types.SeverityWarning))
	if results[0].Status != types.StatusDeadLettered || atomic.LoadInt32(&calls) != 2 {
		t.Fatalf("result: %+v calls=%d", results[0], calls)
	}
}

type adapterFunc func(ctx context.Context, endpoint string, ev types.EnrichedEvent) error

func (f adapterFunc) Send(ctx context.Context, endpoint string, ev types.EnrichedEvent) error {
	return f(ctx, endpoint, ev)
}

func TestRoute_AggregatePath(t *testing.T) {
	pub := &fakePublisher{err: errors.New("nats down")}
	h := newHarness(t, []Subscription{
		{Severity: types.SeverityWarning, Channel: types.ChannelWebhook, Endpoint: "https://a.internal/hook"},
	}, nil, pub, "alerts.all")

	results := h.router.Route(context.Background(), event(types.SeverityWarning))
	h.router.Wait()

	if results[0].Status != types.StatusDelivered {
		t.Errorf("aggregate failure affected routing: %+v", results[0])
	}
	pub.mu.Lock()
	defer pub.mu.Unlock()
	if len(pub.subjects) != 1 || pub.subjects[0] != "alerts.all" {
		t.Errorf("aggregate publishes: %v", pub.subjects)
	}
}

func TestRoute_RateLimit(t *testing.T) {
	h := newHarness(t, []Subscription{
		{Severity: types.SeverityWarning, Channel: types.ChannelWebhook, Endpoint: "https://a.internal/hook", RateLimit: 20},
	}, nil, nil, "")

	start := time.Now()
	for i := 0; i < 25; i++ {
		h.router.Route(context.Background(), event(types.SeverityWarning))
	}
	// Burst of 20, then 5 more at 20/s needs at least ~250ms.
	if elapsed := time.Since(start); elapsed < 200*time.Millisecond {
		t.Errorf("rate limit not applied: 25 sends took %s", elapsed)
	}
}

func TestNew_MalformedSubscription(t *testing.T) {
	sink := deadletter.NewMemory()
	adapters := map[types.ChannelType]delivery.Adapter{types.ChannelWebhook: &fakeAdapter{}}
	bad := []Subscription{
		{Severity: "page", Channel: types.ChannelWebhook, Endpoint: "https://x"},
		{Severity: types.SeverityInfo, Channel: "pager", Endpoint: "x"},
		{Severity: types.SeverityInfo, Channel: types.ChannelWebhook},
		{Severity: types.SeverityInfo, Channel: types.ChannelEmail, Endpoint: "a@example.com", AutoConfirm: true},
		{Severity: types.SeverityInfo, Channel: types.ChannelSMS, Endpoint: "+14155550100"}, // no adapter
	}
	for _, s := range bad {
		_, err := New(Config{Subscriptions: []Subscription{s}}, adapters, nil, sink, nil)
		if !errors.Is(err, ErrMalformedSubscription) {
			t.Errorf("%+v: got %v, want ErrMalformedSubscription", s, err)
		}
	}
}

func TestBackoff_Capped(t *testing.T) {
	b := newBackoff(time.Second, 5*time.Second, func(time.Duration) time.Duration { return 0 })
	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 5 * time.Second, 5 * time.Second}
	for i, w := range want {
		if got := b.next(); got != w {
			t.Errorf("next #%d: got %s, want %s", i, got, w)
		}
	}
}

func TestQuarterJitter_Bounds(t *testing.T) {
	for i := 0; i < 1000; i++ {
		j := quarterJitter(time.Second)
		if j < -250*time.Millisecond || j > 250*time.Millisecond {
			t.Fatalf("jitter out of bounds: %s", j)
		}
	}
}
