package suppress

import (
	"errors"
	"fmt"
	"time"

	"github.com/obsidianstack/alertflow/pkg/types"
)

var (
	// ErrUnknownAlarmReference is returned when a rule expression or
	// suppressor names an alarm that is neither declared nor another rule.
	ErrUnknownAlarmReference = errors.New("suppress: unknown alarm reference")

	// ErrRuleCycle is returned when composite rules reference each other in
	// a loop.
	ErrRuleCycle = errors.New("suppress: composite rules form a cycle")
)

// RuleSpec is the configuration form of a composite rule.
type RuleSpec struct {
	Name            string
	Expression      string
	Suppressor      string
	WaitPeriod      time.Duration
	ExtensionPeriod time.Duration
}

// Rule is a compiled, immutable composite rule.
type Rule struct {
	Name              string
	Expr              Expr
	SuppressorAlarmID string
	WaitPeriod        time.Duration
	ExtensionPeriod   time.Duration

	// suppressor is true while the suppressor alarm is in ALARM.
	suppressor Expr
}

// Compile parses and validates specs. known lists the declared alarm ids;
// rule names are implicitly known so that composites can nest.
func Compile(specs []RuleSpec, known []string) ([]*Rule, error) {
	names := make(map[string]struct{}, len(known)+len(specs))
	for _, id := range known {
		names[id] = struct{}{}
	}
	ruleNames := make(map[string]struct{}, len(specs))
	for _, s := range specs {
		if s.Name == "" {
			return nil, fmt.Errorf("suppress: rule name is required")
		}
		if _, dup := ruleNames[s.Name]; dup {
			return nil, fmt.Errorf("suppress: duplicate rule %q", s.Name)
		}
		ruleNames[s.Name] = struct{}{}
		names[s.Name] = struct{}{}
	}

	rules := make([]*Rule, 0, len(specs))
	for _, s := range specs {
		expr, err := Parse(s.Expression)
		if err != nil {
			return nil, fmt.Errorf("rule %q: %w", s.Name, err)
		}
		for _, id := range Refs(expr) {
			if _, ok := names[id]; !ok {
				return nil, fmt.Errorf("rule %q references %q: %w", s.Name, id, ErrUnknownAlarmReference)
			}
		}
		if s.WaitPeriod < 0 || s.ExtensionPeriod < 0 {
			return nil, fmt.Errorf("suppress: rule %q: periods must be >= 0", s.Name)
		}

		r := &Rule{
			Name:              s.Name,
			Expr:              expr,
			SuppressorAlarmID: s.Suppressor,
			WaitPeriod:        s.WaitPeriod,
			ExtensionPeriod:   s.ExtensionPeriod,
		}
		if s.Suppressor != "" {
			if _, ok := names[s.Suppressor]; !ok {
				return nil, fmt.Errorf("rule %q suppressor %q: %w", s.Name, s.Suppressor, ErrUnknownAlarmReference)
			}
			if s.Suppressor == s.Name {
				return nil, fmt.Errorf("suppress: rule %q cannot suppress itself", s.Name)
			}
			r.suppressor = AlarmRef{ID: s.Suppressor, State: types.StateAlarm}
		}
		rules = append(rules, r)
	}

	if err := checkCycles(rules); err != nil {
		return nil, err
	}
	return rules, nil
}

// checkCycles walks the rule-to-rule reference graph depth first.
func checkCycles(rules []*Rule) error {
	byName := make(map[string]*Rule, len(rules))
	for _, r := range rules {
		byName[r.Name] = r
	}

	const (
		unvisited = iota
		visiting
		visited
	)
	mark := make(map[string]int, len(rules))

	var visit func(r *Rule) error
	visit = func(r *Rule) error {
		switch mark[r.Name] {
		case visiting:
			return fmt.Errorf("rule %q: %w", r.Name, ErrRuleCycle)
		case visited:
			return nil
		}
		mark[r.Name] = visiting
		for _, id := range Refs(r.Expr) {
			if dep, ok := byName[id]; ok {
				if err := visit(dep); err != nil {
					return err
				}
			}
		}
		mark[r.Name] = visited
		return nil
	}

	for _, r := range rules {
		if err := visit(r); err != nil {
			return err
		}
	}
	return nil
}
