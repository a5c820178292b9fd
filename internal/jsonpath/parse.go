package jsonpath

import (
	"fmt"
	"strconv"
	"strings"
	"unicode"
	"unicode/utf8"
)

type tokKind int

const (
	tokEOF tokKind = iota
	tokDollar
	tokAt
	tokDot
	tokStar
	tokLBracket
	tokRBracket
	tokLParen
	tokRParen
	tokQuestion
	tokComma
	tokBang
	tokIdent
	tokString
	tokNumber
	tokOp
	tokVariable
)

type token struct {
	kind tokKind
	text string
	num  float64
	pos  int
}

type lexer struct {
	src string
	pos int
}

func (l *lexer) errf(pos int, format string, args ...any) error {
	return fmt.Errorf("jsonpath: %s at offset %d", fmt.Sprintf(format, args...), pos)
}

func (l *lexer) lex() ([]token, error) {
	var toks []token
	for {
		l.skipSpace()
		start := l.pos
		r, size := l.peek()
		if size == 0 {
			toks = append(toks, token{kind: tokEOF, pos: start})
			return toks, nil
		}

		switch {
		case r == '$':
			l.pos += size
			if name, ok := l.ident(); ok {
				toks = append(toks, token{kind: tokVariable, text: name, pos: start})
			} else {
				toks = append(toks, token{kind: tokDollar, pos: start})
			}
		case r == '@':
			l.pos += size
			toks = append(toks, token{kind: tokAt, pos: start})
		case r == '.':
			l.pos += size
			toks = append(toks, token{kind: tokDot, pos: start})
		case r == '*':
			l.pos += size
			toks = append(toks, token{kind: tokStar, pos: start})
		case r == '[':
			l.pos += size
			toks = append(toks, token{kind: tokLBracket, pos: start})
		case r == ']':
			l.pos += size
			toks = append(toks, token{kind: tokRBracket, pos: start})
		case r == '(':
			l.pos += size
			toks = append(toks, token{kind: tokLParen, pos: start})
		case r == ')':
			l.pos += size
			toks = append(toks, token{kind: tokRParen, pos: start})
		case r == '?':
			l.pos += size
			toks = append(toks, token{kind: tokQuestion, pos: start})
		case r == ',':
			l.pos += size
			toks = append(toks, token{kind: tokComma, pos: start})
		case r == '"':
			s, err := l.str()
			if err != nil {
				return nil, err
			}
			toks = append(toks, token{kind: tokString, text: s, pos: start})
		case r == '=' || r == '!' || r == '<' || r == '>' || r == '&' || r == '|':
			op, err := l.op()
			if err != nil {
				return nil, err
			}
			if op == "!" {
				toks = append(toks, token{kind: tokBang, pos: start})
			} else {
				toks = append(toks, token{kind: tokOp, text: op, pos: start})
			}
		case r == '-' || r == '+' || unicode.IsDigit(r):
			n, err := l.number()
			if err != nil {
				return nil, err
			}
			toks = append(toks, token{kind: tokNumber, num: n, pos: start})
		case isIdentStart(r):
			name, _ := l.ident()
			toks = append(toks, token{kind: tokIdent, text: name, pos: start})
		default:
			return nil, l.errf(start, "unexpected character %q", r)
		}
	}
}

func (l *lexer) skipSpace() {
	for l.pos < len(l.src) {
		r, size := utf8.DecodeRuneInString(l.src[l.pos:])
		if !unicode.IsSpace(r) {
			return
		}
		l.pos += size
	}
}

func (l *lexer) peek() (rune, int) {
	if l.pos >= len(l.src) {
		return 0, 0
	}
	return utf8.DecodeRuneInString(l.src[l.pos:])
}

func isIdentStart(r rune) bool {
	return r == '_' || unicode.IsLetter(r)
}

func isIdentPart(r rune) bool {
	return r == '_' || unicode.IsLetter(r) || unicode.IsDigit(r)
}

func (l *lexer) ident() (string, bool) {
	start := l.pos
	r, size := l.peek()
	if size == 0 || !isIdentStart(r) {
		return "", false
	}
	l.pos += size
	for {
		r, size := l.peek()
		if size == 0 || !isIdentPart(r) {
			break
		}
		l.pos += size
	}
	return l.src[start:l.pos], true
}

func (l *lexer) str() (string, error) {
	start := l.pos
	l.pos++ // opening quote
	var sb strings.Builder
	for {
		if l.pos >= len(l.src) {
			return "", l.errf(start, "unterminated string")
		}
		r, size := utf8.DecodeRuneInString(l.src[l.pos:])
		l.pos += size
		switch r {
		case '"':
			return sb.String(), nil
		case '\\':
			if l.pos >= len(l.src) {
				return "", l.errf(start, "unterminated string")
			}
			e, esize := utf8.DecodeRuneInString(l.src[l.pos:])
			l.pos += esize
			switch e {
			case '"', '\\', '/':
				sb.WriteRune(e)
			case 'b':
				sb.WriteByte('\b')
			case 'f':
				sb.WriteByte('\f')
			case 'n':
				sb.WriteByte('\n')
			case 'r':
				sb.WriteByte('\r')
			case 't':
				sb.WriteByte('\t')
			case 'u':
				if l.pos+4 > len(l.src) {
					return "", l.errf(start, "truncated unicode escape")
				}
				code, err := strconv.ParseUint(l.src[l.pos:l.pos+4], 16, 32)
				if err != nil {
					return "", l.errf(start, "invalid unicode escape")
				}
				l.pos += 4
				sb.WriteRune(rune(code))
			default:
				return "", l.errf(start, "invalid escape %q", e)
			}
		default:
			sb.WriteRune(r)
		}
	}
}

func (l *lexer) op() (string, error) {
	start := l.pos
	two := ""
	if l.pos+2 <= len(l.src) {
		two = l.src[l.pos : l.pos+2]
	}
	switch two {
	case "==", "!=", "<>", "<=", ">=", "&&", "||":
		l.pos += 2
		if two == "<>" {
			return "!=", nil
		}
		return two, nil
	}
	switch l.src[l.pos] {
	case '<', '>', '!':
		l.pos++
		return string(l.src[start]), nil
	}
	return "", l.errf(start, "invalid operator")
}

func (l *lexer) number() (float64, error) {
	start := l.pos
	if r, size := l.peek(); r == '-' || r == '+' {
		l.pos += size
	}
	for {
		r, size := l.peek()
		if size == 0 {
			break
		}
		if unicode.IsDigit(r) || r == '.' || r == 'e' || r == 'E' {
			l.pos += size
			continue
		}
		if (r == '-' || r == '+') && l.pos > start {
			prev := l.src[l.pos-1]
			if prev == 'e' || prev == 'E' {
				l.pos += size
				continue
			}
		}
		break
	}
	n, err := strconv.ParseFloat(l.src[start:l.pos], 64)
	if err != nil {
		return 0, l.errf(start, "invalid number %q", l.src[start:l.pos])
	}
	return n, nil
}

// --- Parser ---

type pathRoot int

const (
	rootDoc pathRoot = iota
	rootCurrent
	rootVariable
)

type pathExpr struct {
	root    pathRoot
	varName string
	steps   []step
}

type step interface{ isStep() }

type memberStep struct{ name string }
type wildcardStep struct{}
type indexStep struct{ idx int }
type anyIndexStep struct{}
type filterStep struct{ pred predNode }

func (memberStep) isStep()   {}
func (wildcardStep) isStep() {}
func (indexStep) isStep()    {}
func (anyIndexStep) isStep() {}
func (filterStep) isStep()   {}

type predNode interface{ isPred() }

type orNode struct{ left, right predNode }
type andNode struct{ left, right predNode }
type notNode struct{ inner predNode }
type existsNode struct{ path *pathExpr }
type cmpNode struct {
	op          string
	left, right operand
}

func (orNode) isPred()     {}
func (andNode) isPred()    {}
func (notNode) isPred()    {}
func (existsNode) isPred() {}
func (cmpNode) isPred()    {}

type operand interface{ isOperand() }

type literalOperand struct{ val any }
type pathOperand struct{ path *pathExpr }

func (literalOperand) isOperand() {}
func (pathOperand) isOperand()    {}

type parser struct {
	toks []token
	i    int
}

func (p *parser) cur() token  { return p.toks[p.i] }
func (p *parser) next() token { t := p.toks[p.i]; p.i++; return t }

func (p *parser) expect(kind tokKind, what string) (token, error) {
	t := p.next()
	if t.kind != kind {
		return token{}, fmt.Errorf("jsonpath: expected %s at offset %d", what, t.pos)
	}
	return t, nil
}

func parse(src string) (*pathExpr, error) {
	lx := &lexer{src: src}
	toks, err := lx.lex()
	if err != nil {
		return nil, err
	}
	p := &parser{toks: toks}

	if t := p.cur(); t.kind == tokIdent {
		switch t.text {
		case "lax":
			p.next()
		case "strict":
			return nil, fmt.Errorf("jsonpath: strict mode is not supported")
		}
	}

	if _, err := p.expect(tokDollar, "'$'"); err != nil {
		return nil, err
	}
	steps, err := p.parseSteps()
	if err != nil {
		return nil, err
	}
	if t := p.cur(); t.kind != tokEOF {
		return nil, fmt.Errorf("jsonpath: unexpected trailing input at offset %d", t.pos)
	}
	return &pathExpr{root: rootDoc, steps: steps}, nil
}

func (p *parser) parseSteps() ([]step, error) {
	var steps []step
	for {
		switch p.cur().kind {
		case tokDot:
			p.next()
			switch t := p.next(); t.kind {
			case tokStar:
				steps = append(steps, wildcardStep{})
			case tokIdent:
				steps = append(steps, memberStep{name: t.text})
			case tokString:
				steps = append(steps, memberStep{name: t.text})
			default:
				return nil, fmt.Errorf("jsonpath: expected member name at offset %d", t.pos)
			}
		case tokLBracket:
			p.next()
			switch t := p.next(); t.kind {
			case tokStar:
				steps = append(steps, anyIndexStep{})
			case tokNumber:
				idx := int(t.num)
				if float64(idx) != t.num || idx < 0 {
					return nil, fmt.Errorf("jsonpath: invalid array subscript at offset %d", t.pos)
				}
				steps = append(steps, indexStep{idx: idx})
			default:
				return nil, fmt.Errorf("jsonpath: unsupported array subscript at offset %d", t.pos)
			}
			if _, err := p.expect(tokRBracket, "']'"); err != nil {
				return nil, err
			}
		case tokQuestion:
			p.next()
			if _, err := p.expect(tokLParen, "'('"); err != nil {
				return nil, err
			}
			pred, err := p.parseOr()
			if err != nil {
				return nil, err
			}
			if _, err := p.expect(tokRParen, "')'"); err != nil {
				return nil, err
			}
			steps = append(steps, filterStep{pred: pred})
		default:
			return steps, nil
		}
	}
}

func (p *parser) parseOr() (predNode, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for p.cur().kind == tokOp && p.cur().text == "||" {
		p.next()
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		left = orNode{left: left, right: right}
	}
	return left, nil
}

func (p *parser) parseAnd() (predNode, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	for p.cur().kind == tokOp && p.cur().text == "&&" {
		p.next()
		right, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		left = andNode{left: left, right: right}
	}
	return left, nil
}

func (p *parser) parseUnary() (predNode, error) {
	switch t := p.cur(); {
	case t.kind == tokBang:
		p.next()
		inner, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return notNode{inner: inner}, nil
	case t.kind == tokLParen:
		p.next()
		inner, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if _, err := p.expect(tokRParen, "')'"); err != nil {
			return nil, err
		}
		return inner, nil
	case t.kind == tokIdent && t.text == "exists":
		p.next()
		if _, err := p.expect(tokLParen, "'('"); err != nil {
			return nil, err
		}
		op, err := p.parseOperand()
		if err != nil {
			return nil, err
		}
		po, ok := op.(pathOperand)
		if !ok {
			return nil, fmt.Errorf("jsonpath: exists() requires a path at offset %d", t.pos)
		}
		if _, err := p.expect(tokRParen, "')'"); err != nil {
			return nil, err
		}
		return existsNode{path: po.path}, nil
	default:
		return p.parseComparison()
	}
}

func (p *parser) parseComparison() (predNode, error) {
	left, err := p.parseOperand()
	if err != nil {
		return nil, err
	}
	t := p.cur()
	if t.kind == tokIdent && (t.text == "like_regex" || t.text == "starts") {
		return nil, fmt.Errorf("jsonpath: %s is not supported", t.text)
	}
	if t.kind != tokOp {
		return nil, fmt.Errorf("jsonpath: expected comparison operator at offset %d", t.pos)
	}
	switch t.text {
	case "==", "!=", "<", "<=", ">", ">=":
	default:
		return nil, fmt.Errorf("jsonpath: expected comparison operator at offset %d", t.pos)
	}
	p.next()
	right, err := p.parseOperand()
	if err != nil {
		return nil, err
	}
	return cmpNode{op: t.text, left: left, right: right}, nil
}

func (p *parser) parseOperand() (operand, error) {
	switch t := p.next(); t.kind {
	case tokString:
		return literalOperand{val: t.text}, nil
	case tokNumber:
		return literalOperand{val: t.num}, nil
	case tokIdent:
		switch t.text {
		case "true":
			return literalOperand{val: true}, nil
		case "false":
			return literalOperand{val: false}, nil
		case "null":
			return literalOperand{val: nil}, nil
		}
		return nil, fmt.Errorf("jsonpath: unexpected identifier %q at offset %d", t.text, t.pos)
	case tokAt:
		steps, err := p.parseSteps()
		if err != nil {
			return nil, err
		}
		return pathOperand{path: &pathExpr{root: rootCurrent, steps: steps}}, nil
	case tokDollar:
		steps, err := p.parseSteps()
		if err != nil {
			return nil, err
		}
		return pathOperand{path: &pathExpr{root: rootDoc, steps: steps}}, nil
	case tokVariable:
		steps, err := p.parseSteps()
		if err != nil {
			return nil, err
		}
		return pathOperand{path: &pathExpr{root: rootVariable, varName: t.text, steps: steps}}, nil
	default:
		return nil, fmt.Errorf("jsonpath: expected operand at offset %d", t.pos)
	}
}
