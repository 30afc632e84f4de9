package workflow

import (
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"unicode"
)

// Expr is a compiled branch condition or template expression.
//
// The language is deliberately small: literals (numbers, quoted strings,
// true, false, null), identifiers with field and index access
// (steps.fetch.output.status, steps["build"].error), comparisons
// (== != < <= > >=), logical && || !, and parentheses. Nothing can call
// functions or mutate state.
type Expr struct {
	src  string
	root node
}

// Compile parses src.
func Compile(src string) (*Expr, error) {
	if strings.TrimSpace(src) == "" {
		return nil, fmt.Errorf("empty expression")
	}
	tokens, err := lex(src)
	if err != nil {
		return nil, err
	}
	p := &parser{tokens: tokens}
	root, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	if tok := p.peek(); tok.kind != tokEOF {
		return nil, fmt.Errorf("unexpected %q at offset %d", tok.text, tok.pos)
	}
	return &Expr{src: src, root: root}, nil
}

// String returns the source text.
func (e *Expr) String() string { return e.src }

// Eval evaluates the expression against env. Referencing a root identifier
// missing from env is an error; a missing field below a root yields null.
func (e *Expr) Eval(env map[string]any) (any, error) {
	return e.root.eval(env)
}

// EvalBool evaluates and converts the result with Truthy.
func (e *Expr) EvalBool(env map[string]any) (bool, error) {
	v, err := e.Eval(env)
	if err != nil {
		return false, err
	}
	return Truthy(v), nil
}

// Truthy follows the usual scripting rules: null, false, zero, empty strings
// and empty collections are false.
func Truthy(v any) bool {
	switch x := v.(type) {
	case nil:
		return false
	case bool:
		return x
	case string:
		return x != ""
	}
	if f, ok := toNumber(v); ok {
		return f != 0
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Map, reflect.Slice, reflect.Array:
		return rv.Len() > 0
	}
	return true
}

type tokenKind int

const (
	tokEOF tokenKind = iota
	tokIdent
	tokNumber
	tokString
	tokOp
)

type token struct {
	kind tokenKind
	text string
	pos  int
}

var twoCharOps = []string{"==", "!=", "<=", ">=", "&&", "||"}

func lex(src string) ([]token, error) {
	var tokens []token
	i := 0
	for i < len(src) {
		c := src[i]
		switch {
		case c == ' ' || c == '\t' || c == '\n' || c == '\r':
			i++
		case c == '"' || c == '\'':
			start := i
			var sb strings.Builder
			i++
			closed := false
			for i < len(src) {
				if src[i] == '\\' && i+1 < len(src) {
					sb.WriteByte(src[i+1])
					i += 2
					continue
				}
				if src[i] == c {
					closed = true
					i++
					break
				}
				sb.WriteByte(src[i])
				i++
			}
			if !closed {
				return nil, fmt.Errorf("unterminated string at offset %d", start)
			}
			tokens = append(tokens, token{kind: tokString, text: sb.String(), pos: start})
		case c >= '0' && c <= '9' || c == '-' && i+1 < len(src) && src[i+1] >= '0' && src[i+1] <= '9' && startsOperand(tokens):
			start := i
			i++
			for i < len(src) && (src[i] >= '0' && src[i] <= '9' || src[i] == '.') {
				i++
			}
			tokens = append(tokens, token{kind: tokNumber, text: src[start:i], pos: start})
		case c == '_' || unicode.IsLetter(rune(c)):
			start := i
			for i < len(src) && (src[i] == '_' || src[i] == '-' || unicode.IsLetter(rune(src[i])) || unicode.IsDigit(rune(src[i]))) {
				i++
			}
			tokens = append(tokens, token{kind: tokIdent, text: src[start:i], pos: start})
		default:
			matched := false
			for _, op := range twoCharOps {
				if strings.HasPrefix(src[i:], op) {
					tokens = append(tokens, token{kind: tokOp, text: op, pos: i})
					i += 2
					matched = true
					break
				}
			}
			if matched {
				continue
			}
			if strings.ContainsRune("<>!().[]", rune(c)) {
				tokens = append(tokens, token{kind: tokOp, text: string(c), pos: i})
				i++
				continue
			}
			return nil, fmt.Errorf("unexpected character %q at offset %d", c, i)
		}
	}
	return append(tokens, token{kind: tokEOF, pos: len(src)}), nil
}

// startsOperand reports whether a '-' at this point begins a negative number
// rather than following an operand.
func startsOperand(prev []token) bool {
	if len(prev) == 0 {
		return true
	}
	last := prev[len(prev)-1]
	return last.kind == tokOp && last.text != ")" && last.text != "]"
}

type parser struct {
	tokens []token
	pos    int
}

func (p *parser) peek() token { return p.tokens[p.pos] }

func (p *parser) next() token {
	tok := p.tokens[p.pos]
	if tok.kind != tokEOF {
		p.pos++
	}
	return tok
}

func (p *parser) accept(op string) bool {
	if tok := p.peek(); tok.kind == tokOp && tok.text == op {
		p.pos++
		return true
	}
	return false
}

func (p *parser) parseOr() (node, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for p.accept("||") {
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		left = logicalNode{or: true, left: left, right: right}
	}
	return left, nil
}

func (p *parser) parseAnd() (node, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	for p.accept("&&") {
		right, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		left = logicalNode{left: left, right: right}
	}
	return left, nil
}

func (p *parser) parseUnary() (node, error) {
	if p.accept("!") {
		operand, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return notNode{operand: operand}, nil
	}
	return p.parseComparison()
}

var comparisonOps = map[string]bool{"==": true, "!=": true, "<": true, "<=": true, ">": true, ">=": true}

func (p *parser) parseComparison() (node, error) {
	left, err := p.parsePrimary()
	if err != nil {
		return nil, err
	}
	if tok := p.peek(); tok.kind == tokOp && comparisonOps[tok.text] {
		p.next()
		right, err := p.parsePrimary()
		if err != nil {
			return nil, err
		}
		return compareNode{op: tok.text, left: left, right: right}, nil
	}
	return left, nil
}

func (p *parser) parsePrimary() (node, error) {
	tok := p.next()
	switch tok.kind {
	case tokNumber:
		f, err := strconv.ParseFloat(tok.text, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid number %q", tok.text)
		}
		return literalNode{value: f}, nil
	case tokString:
		return literalNode{value: tok.text}, nil
	case tokIdent:
		switch tok.text {
		case "true":
			return literalNode{value: true}, nil
		case "false":
			return literalNode{value: false}, nil
		case "null", "nil":
			return literalNode{value: nil}, nil
		}
		return p.parsePath(tok.text)
	case tokOp:
		if tok.text == "(" {
			inner, err := p.parseOr()
			if err != nil {
				return nil, err
			}
			if !p.accept(")") {
				return nil, fmt.Errorf("missing ) at offset %d", p.peek().pos)
			}
			return inner, nil
		}
	case tokEOF:
		return nil, fmt.Errorf("unexpected end of expression")
	}
	return nil, fmt.Errorf("unexpected %q at offset %d", tok.text, tok.pos)
}

func (p *parser) parsePath(root string) (node, error) {
	path := pathNode{root: root}
	for {
		switch {
		case p.accept("."):
			tok := p.next()
			if tok.kind != tokIdent {
				return nil, fmt.Errorf("expected field name at offset %d", tok.pos)
			}
			path.segments = append(path.segments, tok.text)
		case p.accept("["):
			tok := p.next()
			switch tok.kind {
			case tokString:
				path.segments = append(path.segments, tok.text)
			case tokNumber:
				n, err := strconv.Atoi(tok.text)
				if err != nil {
					return nil, fmt.Errorf("invalid index %q", tok.text)
				}
				path.segments = append(path.segments, n)
			default:
				return nil, fmt.Errorf("expected index at offset %d", tok.pos)
			}
			if !p.accept("]") {
				return nil, fmt.Errorf("missing ] at offset %d", p.peek().pos)
			}
		default:
			return path, nil
		}
	}
}

type node interface {
	eval(env map[string]any) (any, error)
}

type literalNode struct{ value any }

func (n literalNode) eval(map[string]any) (any, error) { return n.value, nil }

type pathNode struct {
	root     string
	segments []any
}

func (n pathNode) eval(env map[string]any) (any, error) {
	cur, ok := env[n.root]
	if !ok {
		return nil, fmt.Errorf("unknown identifier %q", n.root)
	}
	for _, seg := range n.segments {
		cur = lookup(cur, seg)
		if cur == nil {
			return nil, nil
		}
	}
	return cur, nil
}

// lookup indexes maps by string and slices by int. Anything else is null.
func lookup(v any, seg any) any {
	if v == nil {
		return nil
	}
	rv := reflect.ValueOf(v)
	for rv.Kind() == reflect.Pointer || rv.Kind() == reflect.Interface {
		if rv.IsNil() {
			return nil
		}
		rv = rv.Elem()
	}
	switch key := seg.(type) {
	case string:
		if rv.Kind() != reflect.Map || rv.Type().Key().Kind() != reflect.String {
			return nil
		}
		val := rv.MapIndex(reflect.ValueOf(key).Convert(rv.Type().Key()))
		if !val.IsValid() {
			return nil
		}
		return val.Interface()
	case int:
		if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
			return nil
		}
		if key < 0 || key >= rv.Len() {
			return nil
		}
		return rv.Index(key).Interface()
	}
	return nil
}

type notNode struct{ operand node }

func (n notNode) eval(env map[string]any) (any, error) {
	v, err := n.operand.eval(env)
	if err != nil {
		return nil, err
	}
	return !Truthy(v), nil
}

type logicalNode struct {
	or          bool
	left, right node
}

func (n logicalNode) eval(env map[string]any) (any, error) {
	l, err := n.left.eval(env)
	if err != nil {
		return nil, err
	}
	if Truthy(l) == n.or {
		return n.or, nil
	}
	r, err := n.right.eval(env)
	if err != nil {
		return nil, err
	}
	return Truthy(r), nil
}

type compareNode struct {
	op          string
	left, right node
}

func (n compareNode) eval(env map[string]any) (any, error) {
	l, err := n.left.eval(env)
	if err != nil {
		return nil, err
	}
	r, err := n.right.eval(env)
	if err != nil {
		return nil, err
	}
	switch n.op {
	case "==":
		return equal(l, r), nil
	case "!=":
		return !equal(l, r), nil
	}

	if lf, ok := toNumber(l); ok {
		rf, ok := toNumber(r)
		if !ok {
			return nil, fmt.Errorf("cannot compare number with %T", r)
		}
		return ordered(n.op, compareFloats(lf, rf)), nil
	}
	ls, lok := l.(string)
	rs, rok := r.(string)
	if lok && rok {
		return ordered(n.op, strings.Compare(ls, rs)), nil
	}
	return nil, fmt.Errorf("cannot order %T and %T", l, r)
}

func ordered(op string, cmp int) bool {
	switch op {
	case "<":
		return cmp < 0
	case "<=":
		return cmp <= 0
	case ">":
		return cmp > 0
	default:
		return cmp >= 0
	}
}

func compareFloats(a, b float64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

func equal(a, b any) bool {
	if af, ok := toNumber(a); ok {
		bf, ok := toNumber(b)
		return ok && af == bf
	}
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return reflect.DeepEqual(a, b)
}

func toNumber(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case float32:
		return float64(x), true
	case int:
		return float64(x), true
	case int64:
		return float64(x), true
	case int32:
		return float64(x), true
	case uint64:
		return float64(x), true
	case uint:
		return float64(x), true
	}
	return 0, false
}
