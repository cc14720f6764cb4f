package enrich

import (
	"errors"
	"fmt"
	"regexp"
	"sort"

	"github.com/obsidianstack/alertflow/pkg/types"
)

// MaskToken replaces redacted substrings.
const MaskToken = "[REDACTED]"

// ErrPatternMatchesMask is returned for identifiers that would match their
// own replacement, which would make redaction non-idempotent.
var ErrPatternMatchesMask = errors.New("enrich: identifier pattern matches the mask token")

// Action is what an identifier does on a match.
type Action string

const (
	ActionRedact Action = "redact"
	ActionAudit  Action = "audit"
)

// Identifier is a compiled data identifier.
type Identifier struct {
	Name    string
	Pattern *regexp.Regexp
	Action  Action
}

// IdentifierSpec is the configuration form of an identifier. Pattern may be
// empty when Name is one of the built-ins.
type IdentifierSpec struct {
	Name    string
	Pattern string
	Action  Action
}

// builtins are the managed identifiers available by name.
var builtins = map[string]string{
	"ssn":             `\b\d{3}-\d{2}-\d{4}\b`,
	"drivers_license": `\b[A-Z]{1,2}\d{6,8}\b`,
	"credit_card":     `\b(?:\d{4}[ -]?){3}\d{1,4}\b`,
	"email":           `[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}`,
	"aws_access_key":  `\b(?:AKIA|ASIA)[A-Z0-9]{16}\b`,
}

// BuiltinNames returns the names of the managed identifiers.
func BuiltinNames() []string {
	out := make([]string, 0, len(builtins))
	for n := range builtins {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// CompileIdentifiers validates and compiles specs.
func CompileIdentifiers(specs []IdentifierSpec) ([]Identifier, error) {
	out := make([]Identifier, 0, len(specs))
	seen := make(map[string]struct{}, len(specs))
	for _, s := range specs {
		if s.Name == "" {
			return nil, fmt.Errorf("enrich: identifier name is required")
		}
		if _, dup := seen[s.Name]; dup {
			return nil, fmt.Errorf("enrich: duplicate identifier %q", s.Name)
		}
		seen[s.Name] = struct{}{}

		if s.Action != ActionRedact && s.Action != ActionAudit {
			return nil, fmt.Errorf("enrich: identifier %q: action must be redact or audit, got %q", s.Name, s.Action)
		}
		pattern := s.Pattern
		if pattern == "" {
			var ok bool
			if pattern, ok = builtins[s.Name]; !ok {
				return nil, fmt.Errorf("enrich: identifier %q has no pattern and is not a built-in", s.Name)
			}
		}
		re, err := regexp.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("enrich: identifier %q: %w", s.Name, err)
		}
		if re.MatchString(MaskToken) {
			return nil, fmt.Errorf("identifier %q: %w", s.Name, ErrPatternMatchesMask)
		}
		out = append(out, Identifier{Name: s.Name, Pattern: re, Action: s.Action})
	}
	return out, nil
}

// Redact applies identifiers to the free-text fields of ev and returns the
// result. Structured fields are never modified and the input is not mutated.
func Redact(ev types.EnrichedEvent, identifiers []Identifier) types.EnrichedEvent {
	out := ev.Clone()
	if len(identifiers) == 0 {
		return out
	}

	flags := make(map[string]struct{}, len(out.AuditFlags))
	for _, f := range out.AuditFlags {
		flags[f] = struct{}{}
	}

	fields := []struct {
		name string
		text *string
	}{
		{"rawPayload", &out.RawPayload},
		{"description", &out.Description},
	}

	// Audit runs on the text as received so that a value both audited and
	// redacted is still flagged.
	for _, id := range identifiers {
		if id.Action != ActionAudit {
			continue
		}
		for _, f := range fields {
			if id.Pattern.MatchString(*f.text) {
				flags["audit:"+id.Name+":"+f.name] = struct{}{}
			}
		}
	}
	for _, id := range identifiers {
		if id.Action != ActionRedact {
			continue
		}
		for _, f := range fields {
			*f.text = id.Pattern.ReplaceAllLiteralString(*f.text, MaskToken)
		}
	}

	if len(flags) > 0 {
		out.AuditFlags = make([]string, 0, len(flags))
		for f := range flags {
			out.AuditFlags = append(out.AuditFlags, f)
		}
		sort.Strings(out.AuditFlags)
	}
	return out
}
