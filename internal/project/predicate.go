package project

import (
	"fmt"
	"strings"
	"unicode"

	"github.com/aofdev/aof/internal/task"
)

// View is the read-only slice of a task that gate predicates may see.
type View struct {
	Tags    []string
	Routing task.Routing
}

func (v View) hasTag(tag string) bool {
	for _, have := range v.Tags {
		if have == tag {
			return true
		}
	}
	return false
}

func (v View) field(name string) string {
	switch name {
	case "agent":
		return v.Routing.Agent
	case "role":
		return v.Routing.Role
	case "team":
		return v.Routing.Team
	case "workflow":
		return v.Routing.Workflow
	}
	return ""
}

// Expr is a parsed gate predicate.
type Expr interface {
	Eval(v View) bool
}

type orExpr struct{ operands []Expr }

func (e orExpr) Eval(v View) bool {
	for _, op := range e.operands {
		if op.Eval(v) {
			return true
		}
	}
	return false
}

type andExpr struct{ operands []Expr }

func (e andExpr) Eval(v View) bool {
	for _, op := range e.operands {
		if !op.Eval(v) {
			return false
		}
	}
	return true
}

type notExpr struct{ inner Expr }

func (e notExpr) Eval(v View) bool {
	return !e.inner.Eval(v)
}

type containsExpr struct{ tag string }

func (e containsExpr) Eval(v View) bool {
	return v.hasTag(e.tag)
}

type cmpExpr struct {
	field  string
	value  string
	negate bool
}

func (e cmpExpr) Eval(v View) bool {
	eq := v.field(e.field) == e.value
	if e.negate {
		return !eq
	}
	return eq
}

// token kinds
type tokKind int

const (
	tokEOF tokKind = iota
	tokIdent
	tokString
	tokAndAnd
	tokOrOr
	tokBang
	tokLParen
	tokRParen
	tokEq
	tokNeq
)

type token struct {
	kind tokKind
	text string
	pos  int
}

type lexer struct {
	src string
	pos int
}

func (l *lexer) next() (token, error) {
	for l.pos < len(l.src) && unicode.IsSpace(rune(l.src[l.pos])) {
		l.pos++
	}
	start := l.pos
	if l.pos >= len(l.src) {
		return token{kind: tokEOF, pos: start}, nil
	}

	switch c := l.src[l.pos]; {
	case c == '(':
		l.pos++
		return token{kind: tokLParen, pos: start}, nil
	case c == ')':
		l.pos++
		return token{kind: tokRParen, pos: start}, nil
	case c == '!':
		if l.pos+1 < len(l.src) && l.src[l.pos+1] == '=' {
			l.pos += 2
			return token{kind: tokNeq, pos: start}, nil
		}
		l.pos++
		return token{kind: tokBang, pos: start}, nil
	case c == '&':
		if l.pos+1 < len(l.src) && l.src[l.pos+1] == '&' {
			l.pos += 2
			return token{kind: tokAndAnd, pos: start}, nil
		}
		return token{}, fmt.Errorf("position %d: expected '&&'", start)
	case c == '|':
		if l.pos+1 < len(l.src) && l.src[l.pos+1] == '|' {
			l.pos += 2
			return token{kind: tokOrOr, pos: start}, nil
		}
		return token{}, fmt.Errorf("position %d: expected '||'", start)
	case c == '=':
		if l.pos+1 < len(l.src) && l.src[l.pos+1] == '=' {
			l.pos += 2
			return token{kind: tokEq, pos: start}, nil
		}
		return token{}, fmt.Errorf("position %d: expected '=='", start)
	case c == '\'' || c == '"':
		quote := c
		l.pos++
		from := l.pos
		for l.pos < len(l.src) && l.src[l.pos] != quote {
			l.pos++
		}
		if l.pos >= len(l.src) {
			return token{}, fmt.Errorf("position %d: unterminated string", start)
		}
		text := l.src[from:l.pos]
		l.pos++
		return token{kind: tokString, text: text, pos: start}, nil
	case unicode.IsLetter(rune(c)) || c == '_':
		for l.pos < len(l.src) {
			r := rune(l.src[l.pos])
			if !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '_' {
				break
			}
			l.pos++
		}
		return token{kind: tokIdent, text: l.src[start:l.pos], pos: start}, nil
	default:
		return token{}, fmt.Errorf("position %d: unexpected character %q", start, string(c))
	}
}

type parser struct {
	lex *lexer
	tok token
	err error
}

func (p *parser) advance() {
	if p.err != nil {
		return
	}
	p.tok, p.err = p.lex.next()
}

// ParsePredicate compiles a `when` expression at manifest load time.
// The grammar is deliberately small: tag membership, routing field
// equality, and the usual boolean connectives.
func ParsePredicate(src string) (Expr, error) {
	if strings.TrimSpace(src) == "" {
		return nil, fmt.Errorf("empty predicate")
	}
	p := &parser{lex: &lexer{src: src}}
	p.advance()
	expr := p.parseOr()
	if p.err != nil {
		return nil, fmt.Errorf("parse predicate %q: %w", src, p.err)
	}
	if p.tok.kind != tokEOF {
		return nil, fmt.Errorf("parse predicate %q: position %d: trailing input", src, p.tok.pos)
	}
	return expr, nil
}

func (p *parser) parseOr() Expr {
	operands := []Expr{p.parseAnd()}
	for p.err == nil && p.tok.kind == tokOrOr {
		p.advance()
		operands = append(operands, p.parseAnd())
	}
	if len(operands) == 1 {
		return operands[0]
	}
	return orExpr{operands: operands}
}

func (p *parser) parseAnd() Expr {
	operands := []Expr{p.parseUnary()}
	for p.err == nil && p.tok.kind == tokAndAnd {
		p.advance()
		operands = append(operands, p.parseUnary())
	}
	if len(operands) == 1 {
		return operands[0]
	}
	return andExpr{operands: operands}
}

func (p *parser) parseUnary() Expr {
	if p.err != nil {
		return nil
	}
	switch p.tok.kind {
	case tokBang:
		p.advance()
		return notExpr{inner: p.parseUnary()}
	case tokLParen:
		p.advance()
		inner := p.parseOr()
		if p.err == nil && p.tok.kind != tokRParen {
			p.err = fmt.Errorf("position %d: expected ')'", p.tok.pos)
			return nil
		}
		p.advance()
		return inner
	default:
		return p.parsePred()
	}
}

func (p *parser) parsePred() Expr {
	if p.err != nil {
		return nil
	}
	if p.tok.kind != tokIdent {
		p.err = fmt.Errorf("position %d: expected a predicate", p.tok.pos)
		return nil
	}
	field := p.tok.text
	p.advance()

	switch field {
	case "tags":
		if p.err == nil && (p.tok.kind != tokIdent || p.tok.text != "contains") {
			p.err = fmt.Errorf("position %d: expected 'contains' after 'tags'", p.tok.pos)
			return nil
		}
		p.advance()
		if p.err == nil && p.tok.kind != tokString {
			p.err = fmt.Errorf("position %d: expected a quoted tag", p.tok.pos)
			return nil
		}
		tag := p.tok.text
		p.advance()
		return containsExpr{tag: tag}

	case "agent", "role", "team", "workflow":
		var negate bool
		switch {
		case p.err != nil:
			return nil
		case p.tok.kind == tokEq:
		case p.tok.kind == tokNeq:
			negate = true
		default:
			p.err = fmt.Errorf("position %d: expected '==' or '!=' after %q", p.tok.pos, field)
			return nil
		}
		p.advance()
		if p.err == nil && p.tok.kind != tokString {
			p.err = fmt.Errorf("position %d: expected a quoted value", p.tok.pos)
			return nil
		}
		value := p.tok.text
		p.advance()
		return cmpExpr{field: field, value: value, negate: negate}

	default:
		p.err = fmt.Errorf("position %d: unknown field %q", p.tok.pos, field)
		return nil
	}
}
