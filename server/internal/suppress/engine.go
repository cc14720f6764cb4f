package suppress

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/obsidianstack/alertflow/pkg/types"
)

// Gate is the decision taken for a composite notification.
type Gate int

const (
	// GatePass means the notification should be routed now.
	GatePass Gate = iota
	// GateHeld means the notification is waiting on the suppressor. It is
	// either released through Hooks.Release or cancelled through
	// Hooks.Cancel.
	GateHeld
	// GateSuppressed means the rule is in its extension period and the
	// notification is dropped.
	GateSuppressed
)

func (g Gate) String() string {
	switch g {
	case GateHeld:
		return "held"
	case GateSuppressed:
		return "suppressed"
	}
	return "pass"
}

// Phase is a rule's position in the suppression state machine.
type Phase string

const (
	PhaseIdle        Phase = "idle"
	PhasePending     Phase = "pending"
	PhaseSuppressing Phase = "suppressing"
)

// Emission is a composite notification produced by Observe.
type Emission struct {
	Rule  string
	Event types.AlertEvent
	Gate  Gate
}

// Hooks receive the outcome of held notifications. Both are called without
// any engine lock held, Release from a timer goroutine.
type Hooks struct {
	Release func(ev types.AlertEvent)
	Cancel  func(ev types.AlertEvent, reason string)
}

// RuleStatus is a read-only view of one rule for the API.
type RuleStatus struct {
	Name       string    `json:"name"`
	Expression string    `json:"expression"`
	Active     bool      `json:"active"`
	Phase      Phase     `json:"phase"`
	Until      time.Time `json:"until,omitempty"`
}

// stopper is satisfied by *time.Timer.
type stopper interface {
	Stop() bool
}

// Engine owns the AlarmStateTable and the per-rule suppression state.
//
// Engine is safe for concurrent use. Calls to Observe for the same alarm are
// serialised; calls for unrelated alarms and rules proceed in parallel.
type Engine struct {
	table *AlarmStateTable
	rules []*ruleState

	// dependents maps an alarm id to the rules whose expression reads it.
	dependents map[string][]*ruleState
	// suppresses maps a suppressor alarm id to the rules it silences.
	suppresses map[string][]*ruleState

	hooks     Hooks
	now       func() time.Time
	afterFunc func(d time.Duration, f func()) stopper
	newID     func() string
}

type ruleState struct {
	rule *Rule

	mu     sync.Mutex
	active bool // last evaluated expression value
	phase  Phase
	until  time.Time // end of the extension period
	held   *types.AlertEvent
	timer  stopper
	gen    uint64 // invalidates timers from earlier holds
}

// NewEngine builds an engine over compiled rules. Each rule's initial value
// is computed against an empty table, so NOT-only expressions start active
// without emitting.
func NewEngine(rules []*Rule, hooks Hooks) *Engine {
	e := &Engine{
		table:      NewAlarmStateTable(),
		dependents: make(map[string][]*ruleState),
		suppresses: make(map[string][]*ruleState),
		hooks:      hooks,
		now:        time.Now,
		afterFunc: func(d time.Duration, f func()) stopper {
			return time.AfterFunc(d, f)
		},
		newID: uuid.NewString,
	}
	for _, r := range rules {
		rs := &ruleState{rule: r, phase: PhaseIdle}
		if v, err := safeEval(r.Expr, e.table.State); err == nil {
			rs.active = v
		}
		e.rules = append(e.rules, rs)
		for _, id := range Refs(r.Expr) {
			e.dependents[id] = append(e.dependents[id], rs)
		}
		if r.SuppressorAlarmID != "" {
			e.suppresses[r.SuppressorAlarmID] = append(e.suppresses[r.SuppressorAlarmID], rs)
		}
	}
	return e
}

// Table returns the alarm state table. Callers must treat it as read-only.
func (e *Engine) Table() *AlarmStateTable { return e.table }

// Observe records ev's alarm state and re-evaluates every rule that depends
// on it. It returns ev with PreviousState filled from the table when empty,
// and the composite notifications produced, including those of nested
// composites. Events without an alarm name are tracked under their stream
// key; rules can only reference named alarms.
func (e *Engine) Observe(ev types.AlertEvent) (types.AlertEvent, []Emission) {
	at := ev.Timestamp
	if at.IsZero() {
		at = e.now()
	}

	id := ev.StreamKey()
	entry := e.table.entry(id)
	entry.order.Lock()
	defer entry.order.Unlock()

	prev := e.table.update(id, ev.State, at)
	if ev.PreviousState == "" {
		ev.PreviousState = prev
	}
	if ev.AlarmName == "" {
		return ev, nil
	}

	for _, rs := range e.suppresses[ev.AlarmName] {
		e.suppressorChanged(rs)
	}

	var out []Emission
	for _, rs := range e.dependents[ev.AlarmName] {
		out = append(out, e.evaluate(rs, ev)...)
	}
	return ev, out
}

// evaluate re-runs rs's expression and handles a change of value.
func (e *Engine) evaluate(rs *ruleState, trigger types.AlertEvent) []Emission {
	rs.mu.Lock()
	active, err := safeEval(rs.rule.Expr, e.table.State)
	if err != nil {
		rs.mu.Unlock()
		slog.Error("suppress: expression evaluation failed, rule state unchanged",
			"rule", rs.rule.Name, "trigger", trigger.AlarmName, "err", err)
		return nil
	}
	if active == rs.active {
		rs.mu.Unlock()
		return nil
	}
	rs.active = active

	state, prev := types.StateOK, types.StateAlarm
	if active {
		state, prev = types.StateAlarm, types.StateOK
	}
	now := e.now()
	ev := e.compositeEvent(rs.rule, state, prev, trigger, now)

	// A flip back while a notification is held makes that notification
	// obsolete; nothing is sent for either transition.
	if rs.phase == PhasePending {
		held := rs.clearHold()
		rs.mu.Unlock()
		e.cancel(held, "composite state reverted during wait period")
		_, nested := e.Observe(ev)
		return nested
	}

	gate := e.gate(rs, ev, now)
	rs.mu.Unlock()

	slog.Debug("suppress: composite transition",
		"rule", rs.rule.Name, "state", state, "gate", gate.String())

	out := []Emission{{Rule: rs.rule.Name, Event: ev, Gate: gate}}
	_, nested := e.Observe(ev)
	return append(out, nested...)
}

// gate decides what happens to a new notification for rs. Caller holds rs.mu.
// A panic while checking the suppressor passes the notification.
func (e *Engine) gate(rs *ruleState, ev types.AlertEvent, now time.Time) (g Gate) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("suppress: gate failed, passing notification",
				"rule", rs.rule.Name, "panic", r)
			g = GatePass
		}
	}()

	if rs.phase == PhaseSuppressing {
		if now.Before(rs.until) {
			return GateSuppressed
		}
		rs.phase = PhaseIdle
	}
	if rs.rule.suppressor == nil || !rs.rule.suppressor.Eval(e.table.State) {
		return GatePass
	}
	if rs.rule.WaitPeriod <= 0 {
		rs.enterSuppressing(now)
		return GatePass
	}

	held := ev
	rs.held = &held
	rs.phase = PhasePending
	rs.gen++
	gen := rs.gen
	rs.timer = e.afterFunc(rs.rule.WaitPeriod, func() { e.expire(rs, gen) })
	return GateHeld
}

// suppressorChanged cancels a held notification once the suppressor has
// left ALARM.
func (e *Engine) suppressorChanged(rs *ruleState) {
	rs.mu.Lock()
	if rs.phase != PhasePending {
		rs.mu.Unlock()
		return
	}
	still, err := safeEval(rs.rule.suppressor, e.table.State)
	if err != nil || still {
		rs.mu.Unlock()
		return
	}
	held := rs.clearHold()
	rs.mu.Unlock()
	e.cancel(held, fmt.Sprintf("suppressor %s cleared within wait period", rs.rule.SuppressorAlarmID))
}

// expire releases the held notification when the wait period ends with the
// suppressor still in ALARM.
func (e *Engine) expire(rs *ruleState, gen uint64) {
	rs.mu.Lock()
	if rs.gen != gen || rs.phase != PhasePending || rs.held == nil {
		rs.mu.Unlock()
		return
	}
	ev := *rs.held
	rs.held = nil
	rs.timer = nil
	rs.enterSuppressing(e.now())
	until := rs.until
	rs.mu.Unlock()

	slog.Info("suppress: wait period expired, releasing held notification",
		"rule", rs.rule.Name, "event_id", ev.ID, "suppressing_until", until)
	if e.hooks.Release != nil {
		e.hooks.Release(ev)
	}
}

func (e *Engine) cancel(ev types.AlertEvent, reason string) {
	slog.Info("suppress: held notification cancelled",
		"rule", ev.AlarmName, "event_id", ev.ID, "reason", reason)
	if e.hooks.Cancel != nil {
		e.hooks.Cancel(ev, reason)
	}
}

// Rules returns the current status of every rule, sorted by name.
func (e *Engine) Rules() []RuleStatus {
	now := e.now()
	out := make([]RuleStatus, 0, len(e.rules))
	for _, rs := range e.rules {
		rs.mu.Lock()
		st := RuleStatus{
			Name:       rs.rule.Name,
			Expression: rs.rule.Expr.String(),
			Active:     rs.active,
			Phase:      rs.phase,
		}
		if rs.phase == PhaseSuppressing {
			if now.Before(rs.until) {
				st.Until = rs.until
			} else {
				st.Phase = PhaseIdle
			}
		}
		rs.mu.Unlock()
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Close stops pending hold timers. Held notifications are discarded.
func (e *Engine) Close() {
	for _, rs := range e.rules {
		rs.mu.Lock()
		if rs.phase == PhasePending {
			rs.clearHold()
		}
		rs.mu.Unlock()
	}
}

func (e *Engine) compositeEvent(r *Rule, state, prev types.State, trigger types.AlertEvent, now time.Time) types.AlertEvent {
	ts := trigger.Timestamp
	if ts.IsZero() {
		ts = now
	}
	return types.AlertEvent{
		ID:            e.newID(),
		Source:        types.SourceCompositeAlarm,
		State:         state,
		PreviousState: prev,
		AlarmName:     r.Name,
		Dimensions:    types.Dimensions{{Name: "CompositeAlarm", Value: r.Name}},
		Timestamp:     ts,
		Description: fmt.Sprintf("composite alarm %s is %s: %s (triggered by %s)",
			r.Name, state, r.Expr.String(), trigger.AlarmName),
	}
}

// clearHold drops the held notification and returns it. Caller holds rs.mu.
func (rs *ruleState) clearHold() types.AlertEvent {
	var held types.AlertEvent
	if rs.held != nil {
		held = *rs.held
	}
	if rs.timer != nil {
		rs.timer.Stop()
	}
	rs.held = nil
	rs.timer = nil
	rs.gen++
	rs.phase = PhaseIdle
	return held
}

func (rs *ruleState) enterSuppressing(now time.Time) {
	rs.phase = PhaseSuppressing
	rs.until = now.Add(rs.rule.ExtensionPeriod)
}

// safeEval evaluates x, converting a panic into an error.
func safeEval(x Expr, state StateFunc) (v bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("suppress: evaluation panicked: %v", r)
		}
	}()
	if x == nil {
		return false, fmt.Errorf("suppress: nil expression")
	}
	return x.Eval(state), nil
}
