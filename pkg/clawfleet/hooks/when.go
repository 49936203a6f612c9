// Package hooks – when.go evaluates the boolean `when` predicate attached to
// a hook. The grammar is deliberately small:
//
//	expr   := or
//	or     := and ( "||" and )*
//	and    := unary ( "&&" unary )*
//	unary  := "!" unary | cmp
//	cmp    := term ( ("==" | "!=") term )?
//	term   := "(" expr ")" | literal | lookup
//
// Literals are double- or single-quoted strings, numbers, true and false.
// Lookups are dotted paths over the hook context: event, success (shorthand
// for result.success), job.id, agent.name, metadata.<key>, and so on.
package hooks

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"unicode"
)

// EvalWhen evaluates a predicate against the hook context. Non-boolean
// results are truthy-tested: empty string, 0 and nil are false.
func EvalWhen(expr string, hctx Context) (bool, error) {
	toks, err := tokenize(expr)
	if err != nil {
		return false, err
	}

	// The context is navigated as generic JSON, so the predicate sees the
	// same field names hooks see on stdin.
	data, err := json.Marshal(hctx)
	if err != nil {
		return false, err
	}
	var root map[string]any
	if err := json.Unmarshal(data, &root); err != nil {
		return false, err
	}

	p := &parser{toks: toks, ctx: root}
	v, err := p.parseOr()
	if err != nil {
		return false, err
	}
	if !p.done() {
		return false, fmt.Errorf("unexpected token %q", p.peek())
	}
	return truthy(v), nil
}

// ---------- Lexer ----------

func tokenize(expr string) ([]string, error) {
	var toks []string
	i := 0
	for i < len(expr) {
		c := expr[i]
		switch {
		case unicode.IsSpace(rune(c)):
			i++
		case c == '(' || c == ')':
			toks = append(toks, string(c))
			i++
		case strings.HasPrefix(expr[i:], "=="), strings.HasPrefix(expr[i:], "!="),
			strings.HasPrefix(expr[i:], "&&"), strings.HasPrefix(expr[i:], "||"):
			toks = append(toks, expr[i:i+2])
			i += 2
		case c == '!':
			toks = append(toks, "!")
			i++
		case c == '"' || c == '\'':
			end := strings.IndexByte(expr[i+1:], c)
			if end < 0 {
				return nil, fmt.Errorf("unterminated string in %q", expr)
			}
			toks = append(toks, expr[i:i+end+2])
			i += end + 2
		default:
			j := i
			for j < len(expr) && (isIdentChar(expr[j]) || expr[j] == '.') {
				j++
			}
			if j == i {
				return nil, fmt.Errorf("unexpected character %q in %q", c, expr)
			}
			toks = append(toks, expr[i:j])
			i = j
		}
	}
	return toks, nil
}

func isIdentChar(c byte) bool {
	return c == '_' || c == '-' ||
		(c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9')
}

// ---------- Parser ----------

type parser struct {
	toks []string
	pos  int
	ctx  map[string]any
}

func (p *parser) done() bool { return p.pos >= len(p.toks) }

func (p *parser) peek() string {
	if p.done() {
		return ""
	}
	return p.toks[p.pos]
}

func (p *parser) next() string {
	t := p.peek()
	p.pos++
	return t
}

func (p *parser) parseOr() (any, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for p.peek() == "||" {
		p.next()
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		left = truthy(left) || truthy(right)
	}
	return left, nil
}

func (p *parser) parseAnd() (any, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	for p.peek() == "&&" {
		p.next()
		right, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		left = truthy(left) && truthy(right)
	}
	return left, nil
}

func (p *parser) parseUnary() (any, error) {
	if p.peek() == "!" {
		p.next()
		v, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return !truthy(v), nil
	}
	return p.parseCmp()
}

func (p *parser) parseCmp() (any, error) {
	left, err := p.parseTerm()
	if err != nil {
		return nil, err
	}
	op := p.peek()
	if op != "==" && op != "!=" {
		return left, nil
	}
	p.next()
	right, err := p.parseTerm()
	if err != nil {
		return nil, err
	}
	eq := valueEqual(left, right)
	if op == "!=" {
		return !eq, nil
	}
	return eq, nil
}

func (p *parser) parseTerm() (any, error) {
	tok := p.peek()
	switch {
	case tok == "":
		return nil, fmt.Errorf("unexpected end of expression")
	case tok == "(":
		p.next()
		v, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if p.next() != ")" {
			return nil, fmt.Errorf("missing closing parenthesis")
		}
		return v, nil
	case tok[0] == '"' || tok[0] == '\'':
		p.next()
		return tok[1 : len(tok)-1], nil
	case tok == "true":
		p.next()
		return true, nil
	case tok == "false":
		p.next()
		return false, nil
	default:
		p.next()
		if n, err := strconv.ParseFloat(tok, 64); err == nil {
			return n, nil
		}
		return p.lookup(tok), nil
	}
}

// lookup resolves a dotted path over the context. "success" is shorthand for
// result.success. Missing paths resolve to nil.
func (p *parser) lookup(path string) any {
	if path == "success" {
		path = "result.success"
	}
	var cur any = p.ctx
	for _, part := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil
		}
		cur = m[part]
	}
	return cur
}

// ---------- Value semantics ----------

func truthy(v any) bool {
	switch x := v.(type) {
	case nil:
		return false
	case bool:
		return x
	case string:
		return x != ""
	case float64:
		return x != 0
	default:
		return true
	}
}

func valueEqual(a, b any) bool {
	// JSON numbers arrive as float64; compare strings and numbers loosely so
	// `job.durationMs == 0` and `event == "job:failed"` both behave.
	if af, aok := a.(float64); aok {
		if bf, bok := b.(float64); bok {
			return af == bf
		}
	}
	return fmt.Sprint(a) == fmt.Sprint(b)
}
