package alerts

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/obsidianstack/alertflow/pkg/types"
	"github.com/obsidianstack/alertflow/server/internal/classify"
	"github.com/obsidianstack/alertflow/server/internal/enrich"
	"github.com/obsidianstack/alertflow/server/internal/evaluate"
	"github.com/obsidianstack/alertflow/server/internal/router"
	"github.com/obsidianstack/alertflow/server/internal/suppress"
)

// ErrInvalidEvent is returned for events that cannot enter the pipeline.
var ErrInvalidEvent = errors.New("alerts: invalid event")

// ErrClosed is returned by Submit after Close.
var ErrClosed = errors.New("alerts: engine closed")

// Config holds the engine settings that are not owned by another package.
type Config struct {
	// DefaultSeverity is used when an event's source is unknown. Empty
	// means such events are dropped.
	DefaultSeverity   types.Severity
	BaselineFreshness time.Duration
	Monitors          []evaluate.AnomalyMonitor
	// Budget is optional.
	Budget      *evaluate.Budget
	Identifiers []enrich.Identifier
	Rules       []*suppress.Rule
}

// Engine runs the ingestion pipeline.
//
// Engine is safe for concurrent use. Classification, evaluation and
// suppression run on the caller's goroutine in arrival order; routing runs
// on goroutines tracked by Wait.
type Engine struct {
	cfg      Config
	monitors map[string]evaluate.AnomalyMonitor

	enricher   *enrich.Enricher
	suppressor *suppress.Engine
	router     *router.Router

	levelMu sync.Mutex
	levels  map[string]evaluate.Level // last budget level per alarm

	inflight *tracker
	now      func() time.Time
	newID    func() string
}

// New creates an Engine. The suppression engine is built here so that held
// notifications flow back into the router.
func New(cfg Config, enricher *enrich.Enricher, rt *router.Router) *Engine {
	e := &Engine{
		cfg:      cfg,
		monitors: make(map[string]evaluate.AnomalyMonitor, len(cfg.Monitors)),
		levels:   make(map[string]evaluate.Level),
		inflight: newTracker(),
		enricher: enricher,
		router:   rt,
		now:      time.Now,
		newID:    uuid.NewString,
	}
	for _, m := range cfg.Monitors {
		e.monitors[m.Name] = m
	}
	e.suppressor = suppress.NewEngine(cfg.Rules, suppress.Hooks{
		Release: e.release,
		Cancel:  e.cancelled,
	})
	return e
}

// Process runs ev through the whole pipeline and returns every result it
// produced, including skipped ones. Process blocks until routing finishes.
func (e *Engine) Process(ctx context.Context, ev types.AlertEvent) (types.AlertEvent, []types.DeliveryResult, error) {
	ev, jobs, results, err := e.prepare(ctx, ev)
	if err != nil {
		return ev, nil, err
	}
	for _, j := range jobs {
		results = append(results, e.route(ctx, j)...)
	}
	return ev, results, nil
}

// Submit runs the synchronous part of the pipeline and routes in the
// background. It returns the event with its id and previous state filled.
func (e *Engine) Submit(ev types.AlertEvent) (types.AlertEvent, error) {
	ev, jobs, _, err := e.prepare(context.Background(), ev)
	if err != nil {
		return ev, err
	}
	for _, j := range jobs {
		if !e.inflight.add() {
			return ev, ErrClosed
		}
		go func(ev types.AlertEvent) {
			defer e.inflight.done()
			e.route(context.Background(), ev)
		}(j)
	}
	return ev, nil
}

// Wait blocks until background routing started by Submit or by released
// notifications has finished.
func (e *Engine) Wait() {
	e.inflight.wait()
	e.router.Wait()
}

// Alarms returns a snapshot of the alarm state table.
func (e *Engine) Alarms() map[string]suppress.AlarmState {
	return e.suppressor.Table().Snapshot()
}

// Rules returns the status of every suppression rule.
func (e *Engine) Rules() []suppress.RuleStatus {
	return e.suppressor.Rules()
}

// Close discards held notifications and waits for in-flight routing. Work
// arriving afterwards is refused.
func (e *Engine) Close() {
	e.inflight.close()
	e.suppressor.Close()
	e.Wait()
}

// prepare runs the ordered, synchronous stages. It returns the events to route
// and the results already decided (Held, Skipped-*, Dropped).
func (e *Engine) prepare(ctx context.Context, ev types.AlertEvent) (types.AlertEvent, []types.AlertEvent, []types.DeliveryResult, error) {
	if ev.ID == "" {
		ev.ID = e.newID()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = e.now()
	}
	if err := ev.Dimensions.Validate(); err != nil {
		return ev, nil, nil, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}
	if err := ev.ValidateNames(); err != nil {
		return ev, nil, nil, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}

	ev, escalated, err := e.resolveState(ev)
	if err != nil {
		return ev, nil, nil, err
	}
	if !ev.State.Valid() {
		return ev, nil, nil, fmt.Errorf("%w: state %q", ErrInvalidEvent, ev.State)
	}

	sev, err := classify.WithDefault(ev, e.cfg.DefaultSeverity)
	if err != nil {
		slog.Warn("alerts: event dropped", "event_id", ev.ID, "source", ev.Source, "err", err)
		res := e.drop(ctx, ev, err.Error())
		return ev, nil, []types.DeliveryResult{res}, nil
	}
	ev.Severity = sev

	ev, emissions := e.suppressor.Observe(ev)

	var (
		jobs    []types.AlertEvent
		results []types.DeliveryResult
	)
	// Only Info-tier heartbeats bypass the state-change rule.
	heartbeat := ev.Heartbeat && ev.Severity == types.SeverityInfo
	if heartbeat || escalated || ev.StateChanged() {
		jobs = append(jobs, ev)
	} else {
		slog.Debug("alerts: state unchanged, not notifying",
			"event_id", ev.ID, "alarm", ev.AlarmName, "state", ev.State)
		results = append(results, e.skip(ev, types.StatusSkippedUnchanged, "")...)
	}

	for _, em := range emissions {
		cev, err := e.classifyComposite(em.Event)
		if err != nil {
			slog.Error("alerts: composite classification failed", "rule", em.Rule, "err", err)
			continue
		}
		switch em.Gate {
		case suppress.GatePass:
			jobs = append(jobs, cev)
		case suppress.GateHeld:
			results = append(results, e.skip(cev, types.StatusHeld, "suppressor in ALARM")...)
		case suppress.GateSuppressed:
			results = append(results, e.skip(cev, types.StatusSkippedSuppressed, "within extension period")...)
		}
	}
	return ev, jobs, results, nil
}

func (e *Engine) classifyComposite(ev types.AlertEvent) (types.AlertEvent, error) {
	sev, err := classify.WithDefault(ev, e.cfg.DefaultSeverity)
	if err != nil {
		return ev, err
	}
	ev.Severity = sev
	return ev, nil
}

// route enriches, redacts and routes ev.
func (e *Engine) route(ctx context.Context, ev types.AlertEvent) []types.DeliveryResult {
	enriched := e.enricher.Enrich(ev)
	if len(e.cfg.Identifiers) > 0 {
		enriched = enrich.Redact(enriched, e.cfg.Identifiers)
	}
	return e.router.Route(ctx, enriched)
}

// release routes a notification the suppression engine held until its wait
// period expired.
func (e *Engine) release(ev types.AlertEvent) {
	ev, err := e.classifyComposite(ev)
	if err != nil {
		slog.Error("alerts: released notification classification failed", "event_id", ev.ID, "err", err)
		return
	}
	if !e.inflight.add() {
		slog.Warn("alerts: engine closed, released notification discarded", "event_id", ev.ID, "alarm", ev.AlarmName)
		return
	}
	go func() {
		defer e.inflight.done()
		e.route(context.Background(), ev)
	}()
}

// cancelled records that a held notification will never be delivered.
func (e *Engine) cancelled(ev types.AlertEvent, reason string) {
	if ev.ID == "" {
		return
	}
	if cev, err := e.classifyComposite(ev); err == nil {
		ev = cev
	}
	e.skip(ev, types.StatusSkippedSuppressed, reason)
}

// skip publishes one result with status per subscription of ev's severity,
// or a single channel-less result when there is none.
func (e *Engine) skip(ev types.AlertEvent, status types.DeliveryStatus, reason string) []types.DeliveryResult {
	subs := e.router.Subscriptions(ev.Severity)
	now := e.now()
	base := types.DeliveryResult{
		EventID:   ev.ID,
		AlarmName: ev.AlarmName,
		Severity:  ev.Severity,
		Status:    status,
		LastError: reason,
		At:        now,
	}
	if len(subs) == 0 {
		e.router.Publish(base)
		return []types.DeliveryResult{base}
	}
	out := make([]types.DeliveryResult, 0, len(subs))
	for _, s := range subs {
		res := base
		res.Channel = s.Channel
		res.Endpoint = s.Endpoint
		e.router.Publish(res)
		out = append(out, res)
	}
	return out
}

// drop records an event that could not be classified.
func (e *Engine) drop(ctx context.Context, ev types.AlertEvent, reason string) types.DeliveryResult {
	e.router.DeadLetter(ctx, types.EnrichedEvent{AlertEvent: ev}, reason)
	res := types.DeliveryResult{
		EventID:   ev.ID,
		AlarmName: ev.AlarmName,
		Status:    types.StatusDropped,
		LastError: reason,
		At:        e.now(),
	}
	e.router.Publish(res)
	return res
}

// tracker counts in-flight routing goroutines. Unlike a WaitGroup it allows
// add to race with wait, which happens when a hold timer fires.
type tracker struct {
	mu     sync.Mutex
	idle   *sync.Cond
	n      int
	closed bool
}

func newTracker() *tracker {
	t := &tracker{}
	t.idle = sync.NewCond(&t.mu)
	return t
}

// add registers one goroutine. It returns false once the tracker is closed.
func (t *tracker) add() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return false
	}
	t.n++
	return true
}

func (t *tracker) done() {
	t.mu.Lock()
	t.n--
	if t.n == 0 {
		t.idle.Broadcast()
	}
	t.mu.Unlock()
}

func (t *tracker) wait() {
	t.mu.Lock()
	for t.n > 0 {
		t.idle.Wait()
	}
	t.mu.Unlock()
}

func (t *tracker) close() {
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()
}
