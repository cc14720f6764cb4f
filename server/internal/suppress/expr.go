package suppress

import (
	"errors"
	"fmt"
	"sort"
	"unicode"

	"github.com/obsidianstack/alertflow/pkg/types"
)

// ErrSyntax is returned by Parse for malformed expressions.
var ErrSyntax = errors.New("suppress: expression syntax error")

// StateFunc returns the current state of an alarm. Unseen alarms report
// INSUFFICIENT_DATA.
type StateFunc func(id string) types.State

// Expr is a node of a parsed trigger expression.
type Expr interface {
	Eval(state StateFunc) bool
	String() string
	refs(into map[string]struct{})
}

// AlarmRef is true when the referenced alarm is in State.
type AlarmRef struct {
	ID    string
	State types.State
}

// And is true when both operands are true.
type And struct{ L, R Expr }

// Or is true when either operand is true.
type Or struct{ L, R Expr }

// Not negates X.
type Not struct{ X Expr }

func (a AlarmRef) Eval(state StateFunc) bool { return state(a.ID) == a.State }
func (a And) Eval(state StateFunc) bool      { return a.L.Eval(state) && a.R.Eval(state) }
func (o Or) Eval(state StateFunc) bool       { return o.L.Eval(state) || o.R.Eval(state) }
func (n Not) Eval(state StateFunc) bool      { return !n.X.Eval(state) }

func (a AlarmRef) String() string { return fmt.Sprintf("%s(%s)", a.State, a.ID) }
func (a And) String() string      { return "(" + a.L.String() + " AND " + a.R.String() + ")" }
func (o Or) String() string       { return "(" + o.L.String() + " OR " + o.R.String() + ")" }
func (n Not) String() string      { return "NOT " + n.X.String() }

func (a AlarmRef) refs(into map[string]struct{}) { into[a.ID] = struct{}{} }
func (a And) refs(into map[string]struct{})      { a.L.refs(into); a.R.refs(into) }
func (o Or) refs(into map[string]struct{})       { o.L.refs(into); o.R.refs(into) }
func (n Not) refs(into map[string]struct{})      { n.X.refs(into) }

// Refs returns the sorted, unique alarm ids referenced by e.
func Refs(e Expr) []string {
	set := make(map[string]struct{})
	e.refs(set)
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// stateFuncs maps the expression function names onto alarm states.
var stateFuncs = map[string]types.State{
	"ALARM":             types.StateAlarm,
	"OK":                types.StateOK,
	"INSUFFICIENT_DATA": types.StateInsufficientData,
}

// Parse builds an expression tree from s. NOT binds tighter than AND, which
// binds tighter than OR. Alarm ids may be bare or double-quoted.
func Parse(s string) (Expr, error) {
	toks, err := tokenize(s)
	if err != nil {
		return nil, err
	}
	p := &parser{toks: toks}
	e, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	if !p.done() {
		return nil, fmt.Errorf("%w: unexpected %q at offset %d", ErrSyntax, p.peek().text, p.peek().pos)
	}
	return e, nil
}

type tokenKind int

const (
	tokWord tokenKind = iota
	tokString
	tokLParen
	tokRParen
)

type token struct {
	kind tokenKind
	text string
	pos  int
}

func tokenize(s string) ([]token, error) {
	var toks []token
	rs := []rune(s)
	for i := 0; i < len(rs); {
		r := rs[i]
		switch {
		case unicode.IsSpace(r):
			i++
		case r == '(':
			toks = append(toks, token{tokLParen, "(", i})
			i++
		case r == ')':
			toks = append(toks, token{tokRParen, ")", i})
			i++
		case r == '"':
			j := i + 1
			for j < len(rs) && rs[j] != '"' {
				j++
			}
			if j == len(rs) {
				return nil, fmt.Errorf("%w: unterminated string at offset %d", ErrSyntax, i)
			}
			toks = append(toks, token{tokString, string(rs[i+1 : j]), i})
			i = j + 1
		default:
			j := i
			for j < len(rs) && !unicode.IsSpace(rs[j]) && rs[j] != '(' && rs[j] != ')' && rs[j] != '"' {
				j++
			}
			toks = append(toks, token{tokWord, string(rs[i:j]), i})
			i = j
		}
	}
	if len(toks) == 0 {
		return nil, fmt.Errorf("%w: empty expression", ErrSyntax)
	}
	return toks, nil
}

type parser struct {
	toks []token
	pos  int
}

func (p *parser) done() bool { return p.pos >= len(p.toks) }

func (p *parser) peek() token {
	if p.done() {
		return token{text: "<end>", pos: -1}
	}
	return p.toks[p.pos]
}

func (p *parser) isWord(w string) bool {
	t := p.peek()
	return !p.done() && t.kind == tokWord && t.text == w
}

func (p *parser) parseOr() (Expr, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for p.isWord("OR") {
		p.pos++
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		left = Or{L: left, R: right}
	}
	return left, nil
}

func (p *parser) parseAnd() (Expr, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	for p.isWord("AND") {
		p.pos++
		right, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		left = And{L: left, R: right}
	}
	return left, nil
}

func (p *parser) parseUnary() (Expr, error) {
	if p.done() {
		return nil, fmt.Errorf("%w: unexpected end of expression", ErrSyntax)
	}
	t := p.peek()
	switch {
	case t.kind == tokWord && t.text == "NOT":
		p.pos++
		x, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return Not{X: x}, nil

	case t.kind == tokLParen:
		p.pos++
		e, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if p.peek().kind != tokRParen || p.done() {
			return nil, fmt.Errorf("%w: missing ')' for '(' at offset %d", ErrSyntax, t.pos)
		}
		p.pos++
		return e, nil

	case t.kind == tokWord:
		state, ok := stateFuncs[t.text]
		if !ok {
			return nil, fmt.Errorf("%w: unexpected %q at offset %d", ErrSyntax, t.text, t.pos)
		}
		p.pos++
		return p.parseRef(state)
	}
	return nil, fmt.Errorf("%w: unexpected %q at offset %d", ErrSyntax, t.text, t.pos)
}

// parseRef parses "(id)" after a state function name.
func (p *parser) parseRef(state types.State) (Expr, error) {
	if p.done() || p.peek().kind != tokLParen {
		return nil, fmt.Errorf("%w: expected '(' after %s", ErrSyntax, state)
	}
	p.pos++
	if p.done() {
		return nil, fmt.Errorf("%w: expected alarm id after %s(", ErrSyntax, state)
	}
	id := p.peek()
	if (id.kind != tokWord && id.kind != tokString) || id.text == "" {
		return nil, fmt.Errorf("%w: expected alarm id at offset %d", ErrSyntax, id.pos)
	}
	p.pos++
	if p.done() || p.peek().kind != tokRParen {
		return nil, fmt.Errorf("%w: expected ')' after alarm id %q", ErrSyntax, id.text)
	}
	p.pos++
	return AlarmRef{ID: id.text, State: state}, nil
}
