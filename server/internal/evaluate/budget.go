package evaluate

import (
	"errors"
	"fmt"
)

// ErrInvalidThresholdOrder is returned when a budget's warning percentage is
// not strictly below its critical percentage.
var ErrInvalidThresholdOrder = errors.New("warning percentage must be below critical percentage")

// Level is the highest budget threshold an observation has crossed.
type Level int

const (
	LevelNone Level = iota
	LevelWarning
	LevelCritical
)

func (l Level) String() string {
	switch l {
	case LevelWarning:
		return "warning"
	case LevelCritical:
		return "critical"
	}
	return "none"
}

// Budget converts a spend limit and two percentages into absolute warning
// and critical thresholds.
type Budget struct {
	Amount      float64
	WarningPct  float64
	CriticalPct float64
}

// NewBudget validates the percentages and returns the budget.
func NewBudget(amount, warningPct, criticalPct float64) (Budget, error) {
	if amount <= 0 {
		return Budget{}, fmt.Errorf("budget amount must be > 0, got %v", amount)
	}
	if warningPct <= 0 {
		return Budget{}, fmt.Errorf("budget warning percentage must be > 0, got %v", warningPct)
	}
	if !(warningPct < criticalPct) {
		return Budget{}, fmt.Errorf("budget %v%%/%v%%: %w", warningPct, criticalPct, ErrInvalidThresholdOrder)
	}
	return Budget{Amount: amount, WarningPct: warningPct, CriticalPct: criticalPct}, nil
}

// WarningThreshold is Amount*WarningPct/100.
func (b Budget) WarningThreshold() float64 { return b.Amount * b.WarningPct / 100 }

// CriticalThreshold is Amount*CriticalPct/100.
func (b Budget) CriticalThreshold() float64 { return b.Amount * b.CriticalPct / 100 }

// Level returns the highest level crossed by observed. Only that level
// fires: an observation over the critical threshold is not also a warning.
func (b Budget) Level(observed float64) Level {
	switch {
	case observed >= b.CriticalThreshold():
		return LevelCritical
	case observed >= b.WarningThreshold():
		return LevelWarning
	}
	return LevelNone
}
