package suppress

import (
	"sync"
	"time"

	"github.com/obsidianstack/alertflow/pkg/types"
)

// AlarmState is the latest known state of one alarm.
type AlarmState struct {
	State     types.State `json:"state"`
	UpdatedAt time.Time   `json:"updatedAt"`
}

// AlarmStateTable maps alarm ids to their latest state. Each alarm has its
// own entry lock; there is no table-wide lock on the update path.
//
// Only the Engine mutates the table. Other packages receive it through the
// Engine's read-only accessors.
type AlarmStateTable struct {
	entries sync.Map // string -> *tableEntry
}

type tableEntry struct {
	// order serialises Engine.Observe calls for the same alarm so that
	// dependent rules see updates in arrival order.
	order sync.Mutex

	mu    sync.RWMutex
	state AlarmState
	seen  bool
}

// NewAlarmStateTable returns an empty table.
func NewAlarmStateTable() *AlarmStateTable {
	return &AlarmStateTable{}
}

func (t *AlarmStateTable) entry(id string) *tableEntry {
	if e, ok := t.entries.Load(id); ok {
		return e.(*tableEntry)
	}
	e, _ := t.entries.LoadOrStore(id, &tableEntry{})
	return e.(*tableEntry)
}

// update stores state for id and returns the previous state, which is
// INSUFFICIENT_DATA for an alarm never seen before.
func (t *AlarmStateTable) update(id string, state types.State, at time.Time) types.State {
	e := t.entry(id)
	e.mu.Lock()
	defer e.mu.Unlock()
	prev := types.StateInsufficientData
	if e.seen {
		prev = e.state.State
	}
	e.state = AlarmState{State: state, UpdatedAt: at}
	e.seen = true
	return prev
}

// Get returns the state of id and whether it has been seen.
func (t *AlarmStateTable) Get(id string) (AlarmState, bool) {
	v, ok := t.entries.Load(id)
	if !ok {
		return AlarmState{State: types.StateInsufficientData}, false
	}
	e := v.(*tableEntry)
	e.mu.RLock()
	defer e.mu.RUnlock()
	if !e.seen {
		return AlarmState{State: types.StateInsufficientData}, false
	}
	return e.state, true
}

// State is a StateFunc over the table.
func (t *AlarmStateTable) State(id string) types.State {
	s, _ := t.Get(id)
	return s.State
}

// Snapshot returns a copy of every seen alarm.
func (t *AlarmStateTable) Snapshot() map[string]AlarmState {
	out := make(map[string]AlarmState)
	t.entries.Range(func(k, v any) bool {
		e := v.(*tableEntry)
		e.mu.RLock()
		if e.seen {
			out[k.(string)] = e.state
		}
		e.mu.RUnlock()
		return true
	})
	return out
}
