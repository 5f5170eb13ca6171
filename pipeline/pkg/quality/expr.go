package quality

import (
	"fmt"
	"strconv"
	"strings"
	"unicode"

	"github.com/malbeclabs/silverlake/pipeline/pkg/record"
)

// Parse compiles a rule expression into a predicate. The grammar covers the
// expectations used by the bronze-to-silver job:
//
//	expr  := term { AND term }
//	term  := field IS [NOT] NULL
//	       | field op literal
//	op    := = | != | <> | < | <= | > | >=
//	literal := number | 'string' | TRUE | FALSE
//
// Keywords are case-insensitive; field names are matched case-insensitively
// against the record and normalized to lower case.
func Parse(expr string) (Predicate, error) {
	toks, err := lex(expr)
	if err != nil {
		return nil, err
	}
	if len(toks) == 0 {
		return nil, fmt.Errorf("empty expression")
	}
	p := &parser{toks: toks}
	var terms []Predicate
	for {
		t, err := p.term()
		if err != nil {
			return nil, err
		}
		terms = append(terms, t)
		if p.done() {
			break
		}
		if !p.keyword("AND") {
			return nil, fmt.Errorf("expected AND, got %q", p.peek().text)
		}
	}
	if len(terms) == 1 {
		return terms[0], nil
	}
	return func(r record.Record) (bool, error) {
		for _, t := range terms {
			ok, err := t(r)
			if err != nil || !ok {
				return ok, err
			}
		}
		return true, nil
	}, nil
}

type tokenKind int

const (
	tokIdent tokenKind = iota
	tokNumber
	tokString
	tokOp
)

type token struct {
	kind tokenKind
	text string
}

func lex(s string) ([]token, error) {
	var toks []token
	rs := []rune(s)
	for i := 0; i < len(rs); {
		c := rs[i]
		switch {
		case unicode.IsSpace(c):
			i++
		case c == '\'':
			j := i + 1
			var b strings.Builder
			for ; j < len(rs); j++ {
				if rs[j] == '\'' {
					if j+1 < len(rs) && rs[j+1] == '\'' {
						b.WriteRune('\'')
						j++
						continue
					}
					break
				}
				b.WriteRune(rs[j])
			}
			if j >= len(rs) {
				return nil, fmt.Errorf("unterminated string literal")
			}
			toks = append(toks, token{kind: tokString, text: b.String()})
			i = j + 1
		case c == '=' || c == '<' || c == '>' || c == '!':
			j := i + 1
			if j < len(rs) && (rs[j] == '=' || (c == '<' && rs[j] == '>')) {
				j++
			}
			op := string(rs[i:j])
			if op == "!" {
				return nil, fmt.Errorf("unexpected '!'")
			}
			toks = append(toks, token{kind: tokOp, text: op})
			i = j
		case unicode.IsDigit(c) || ((c == '-' || c == '.') && i+1 < len(rs) && unicode.IsDigit(rs[i+1])):
			j := i + 1
			for j < len(rs) && (unicode.IsDigit(rs[j]) || rs[j] == '.' || rs[j] == 'e' || rs[j] == 'E') {
				j++
			}
			toks = append(toks, token{kind: tokNumber, text: string(rs[i:j])})
			i = j
		case unicode.IsLetter(c) || c == '_':
			j := i + 1
			for j < len(rs) && (unicode.IsLetter(rs[j]) || unicode.IsDigit(rs[j]) || rs[j] == '_' || rs[j] == '.') {
				j++
			}
			toks = append(toks, token{kind: tokIdent, text: string(rs[i:j])})
			i = j
		default:
			return nil, fmt.Errorf("unexpected character %q", c)
		}
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
		return token{}
	}
	return p.toks[p.pos]
}

func (p *parser) keyword(kw string) bool {
	t := p.peek()
	if t.kind == tokIdent && strings.EqualFold(t.text, kw) {
		p.pos++
		return true
	}
	return false
}

func (p *parser) term() (Predicate, error) {
	if p.done() {
		return nil, fmt.Errorf("unexpected end of expression")
	}
	t := p.toks[p.pos]
	if t.kind != tokIdent || isKeyword(t.text) {
		return nil, fmt.Errorf("expected field name, got %q", t.text)
	}
	p.pos++
	field := strings.ToLower(t.text)

	if p.keyword("IS") {
		negate := p.keyword("NOT")
		if !p.keyword("NULL") {
			return nil, fmt.Errorf("expected NULL after IS")
		}
		return nullCheck(field, negate), nil
	}

	if p.done() || p.peek().kind != tokOp {
		return nil, fmt.Errorf("expected operator after %q", t.text)
	}
	op := p.toks[p.pos].text
	p.pos++

	lit, err := p.literal()
	if err != nil {
		return nil, err
	}
	return comparison(field, op, lit)
}

func (p *parser) literal() (any, error) {
	if p.done() {
		return nil, fmt.Errorf("expected literal")
	}
	t := p.toks[p.pos]
	p.pos++
	switch t.kind {
	case tokString:
		return t.text, nil
	case tokNumber:
		if i, err := strconv.ParseInt(t.text, 10, 64); err == nil {
			return i, nil
		}
		f, err := strconv.ParseFloat(t.text, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid number %q", t.text)
		}
		return f, nil
	case tokIdent:
		switch strings.ToUpper(t.text) {
		case "TRUE":
			return true, nil
		case "FALSE":
			return false, nil
		}
	}
	return nil, fmt.Errorf("expected literal, got %q", t.text)
}

func isKeyword(s string) bool {
	switch strings.ToUpper(s) {
	case "AND", "IS", "NOT", "NULL", "TRUE", "FALSE":
		return true
	}
	return false
}

// lookup finds a field case-insensitively; bronze files mix BOOKING_ID and booking_id.
func lookup(r record.Record, field string) (any, bool) {
	if v, ok := r[field]; ok {
		return v, v != nil
	}
	for k, v := range r {
		if strings.EqualFold(k, field) {
			return v, v != nil
		}
	}
	return nil, false
}

func nullCheck(field string, negate bool) Predicate {
	return func(r record.Record) (bool, error) {
		_, present := lookup(r, field)
		return present == negate, nil
	}
}

func comparison(field, op string, lit any) (Predicate, error) {
	var accept func(c int) bool
	switch op {
	case "=":
		accept = func(c int) bool { return c == 0 }
	case "!=", "<>":
		accept = func(c int) bool { return c != 0 }
	case "<":
		accept = func(c int) bool { return c < 0 }
	case "<=":
		accept = func(c int) bool { return c <= 0 }
	case ">":
		accept = func(c int) bool { return c > 0 }
	case ">=":
		accept = func(c int) bool { return c >= 0 }
	default:
		return nil, fmt.Errorf("unknown operator %q", op)
	}
	return func(r record.Record) (bool, error) {
		v, ok := lookup(r, field)
		if !ok {
			return false, fmt.Errorf("%w: %s", ErrMissingField, field)
		}
		if f, isNum := record.Float(v); isNum {
			if _, litNum := lit.(string); !litNum {
				v = f
			}
		}
		c, err := record.Compare(v, lit)
		if err != nil {
			return false, fmt.Errorf("field %s: %w", field, err)
		}
		return accept(c), nil
	}, nil
}
