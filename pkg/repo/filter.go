package repo

import (
	"fmt"
	"strconv"
	"strings"
	"unicode"

	sq "github.com/Masterminds/squirrel"
)

// Filter is a parsed dynamic filter expression. A nil *Filter matches
// everything. Filters are backend-neutral: the SQL backend compiles them with
// squirrel, the memory backend evaluates them against value maps.
//
// Grammar:
//
//	expr    := and { "or" and }
//	and     := term { "and" term }
//	term    := "(" expr ")" | ident op literal
//	op      := == != >= <= > < contains startswith
//	literal := "string" | 'string' | number | true | false | null
//
// Column names must be declared by the entity's mapper; anything else fails
// with ErrInvalidFilter so malformed caller input never reaches the database
// as a raw parser crash.
type Filter struct {
	root filterNode
}

// SortKey is one element of a parsed order-by clause.
type SortKey struct {
	Column string
	Desc   bool
}

type filterNode interface {
	match(values map[string]any) bool
	toSql() sq.Sqlizer
}

type boolNode struct {
	or          bool
	left, right filterNode
}

type cmpNode struct {
	column string
	op     string
	value  any
}

// ParseFilter parses a dynamic filter against the declared column set. An
// empty expression yields a nil filter.
func ParseFilter(expr string, columns []string) (*Filter, error) {
	if strings.TrimSpace(expr) == "" {
		return nil, nil
	}
	p := &filterParser{tokens: tokenize(expr), columns: columnSet(columns)}
	node, err := p.parseExpr()
	if err != nil {
		return nil, err
	}
	if !p.eof() {
		return nil, fmt.Errorf("%w: unexpected %q", ErrInvalidFilter, p.peek())
	}
	return &Filter{root: node}, nil
}

// ParseOrderBy parses "col [asc|desc], col2 ..." against the declared column
// set. An empty clause yields nil; callers fall back to their default sort.
func ParseOrderBy(clause string, columns []string) ([]SortKey, error) {
	if strings.TrimSpace(clause) == "" {
		return nil, nil
	}
	declared := columnSet(columns)
	var keys []SortKey
	for _, part := range strings.Split(clause, ",") {
		fields := strings.Fields(part)
		if len(fields) == 0 || len(fields) > 2 {
			return nil, fmt.Errorf("%w: bad order-by segment %q", ErrInvalidFilter, part)
		}
		col := strings.ToLower(fields[0])
		if _, ok := declared[col]; !ok {
			return nil, fmt.Errorf("%w: unknown column %q", ErrInvalidFilter, fields[0])
		}
		key := SortKey{Column: col}
		if len(fields) == 2 {
			switch strings.ToLower(fields[1]) {
			case "asc":
			case "desc":
				key.Desc = true
			default:
				return nil, fmt.Errorf("%w: bad sort direction %q", ErrInvalidFilter, fields[1])
			}
		}
		keys = append(keys, key)
	}
	return keys, nil
}

func columnSet(columns []string) map[string]struct{} {
	set := make(map[string]struct{}, len(columns))
	for _, c := range columns {
		set[strings.ToLower(c)] = struct{}{}
	}
	return set
}

// Match evaluates the filter against a column-to-value map.
func (f *Filter) Match(values map[string]any) bool {
	if f == nil || f.root == nil {
		return true
	}
	return f.root.match(values)
}

// ToSql compiles the filter into a squirrel predicate.
func (f *Filter) ToSql() (string, []any, error) {
	if f == nil || f.root == nil {
		return "", nil, nil
	}
	return f.root.toSql().ToSql()
}

// Sqlizer exposes the underlying predicate for query builders.
func (f *Filter) Sqlizer() sq.Sqlizer {
	if f == nil || f.root == nil {
		return nil
	}
	return f.root.toSql()
}

// And combines two filters; either may be nil.
func And(a, b *Filter) *Filter {
	switch {
	case a == nil || a.root == nil:
		return b
	case b == nil || b.root == nil:
		return a
	}
	return &Filter{root: &boolNode{left: a.root, right: b.root}}
}

// IDIn builds a filter matching rows whose id is in the given set. An empty
// set matches nothing.
func IDIn(ids []int64) *Filter {
	return &Filter{root: idInNode(ids)}
}

type idInNode []int64

func (n idInNode) match(values map[string]any) bool {
	id, _ := values["id"].(int64)
	for _, candidate := range n {
		if candidate == id {
			return true
		}
	}
	return false
}

func (n idInNode) toSql() sq.Sqlizer {
	return sq.Eq{"id": []int64(n)}
}

// ---- tokenizer ----

func tokenize(expr string) []string {
	var tokens []string
	runes := []rune(expr)
	for i := 0; i < len(runes); {
		r := runes[i]
		switch {
		case unicode.IsSpace(r):
			i++
		case r == '(' || r == ')':
			tokens = append(tokens, string(r))
			i++
		case r == '"' || r == '\'':
			quote := r
			j := i + 1
			for j < len(runes) && runes[j] != quote {
				j++
			}
			if j >= len(runes) {
				// unterminated string, emit as-is so the parser rejects it
				tokens = append(tokens, string(runes[i:]))
				return tokens
			}
			tokens = append(tokens, string(runes[i:j+1]))
			i = j + 1
		case strings.ContainsRune("=!<>&|", r):
			j := i
			for j < len(runes) && strings.ContainsRune("=!<>&|", runes[j]) {
				j++
			}
			tokens = append(tokens, string(runes[i:j]))
			i = j
		default:
			j := i
			for j < len(runes) && (unicode.IsLetter(runes[j]) || unicode.IsDigit(runes[j]) ||
				runes[j] == '_' || runes[j] == '.' || runes[j] == '-') {
				j++
			}
			if j == i {
				tokens = append(tokens, string(runes[i]))
				i++
				continue
			}
			tokens = append(tokens, string(runes[i:j]))
			i = j
		}
	}
	return tokens
}

// ---- parser ----

type filterParser struct {
	tokens  []string
	pos     int
	columns map[string]struct{}
}

func (p *filterParser) eof() bool { return p.pos >= len(p.tokens) }

func (p *filterParser) peek() string {
	if p.eof() {
		return ""
	}
	return p.tokens[p.pos]
}

func (p *filterParser) next() string {
	tok := p.peek()
	p.pos++
	return tok
}

func (p *filterParser) parseExpr() (filterNode, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for {
		tok := strings.ToLower(p.peek())
		if tok != "or" && tok != "||" {
			return left, nil
		}
		p.next()
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		left = &boolNode{or: true, left: left, right: right}
	}
}

func (p *filterParser) parseAnd() (filterNode, error) {
	left, err := p.parseTerm()
	if err != nil {
		return nil, err
	}
	for {
		tok := strings.ToLower(p.peek())
		if tok != "and" && tok != "&&" {
			return left, nil
		}
		p.next()
		right, err := p.parseTerm()
		if err != nil {
			return nil, err
		}
		left = &boolNode{left: left, right: right}
	}
}

func (p *filterParser) parseTerm() (filterNode, error) {
	if p.eof() {
		return nil, fmt.Errorf("%w: unexpected end of expression", ErrInvalidFilter)
	}
	if p.peek() == "(" {
		p.next()
		node, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		if p.next() != ")" {
			return nil, fmt.Errorf("%w: missing closing parenthesis", ErrInvalidFilter)
		}
		return node, nil
	}

	column := strings.ToLower(p.next())
	if _, ok := p.columns[column]; !ok {
		return nil, fmt.Errorf("%w: unknown column %q", ErrInvalidFilter, column)
	}

	op := strings.ToLower(p.next())
	switch op {
	case "==", "!=", ">", ">=", "<", "<=", "contains", "startswith":
	case "=":
		op = "=="
	default:
		return nil, fmt.Errorf("%w: unknown operator %q", ErrInvalidFilter, op)
	}

	value, err := p.parseLiteral()
	if err != nil {
		return nil, err
	}
	if op == "contains" || op == "startswith" {
		if _, ok := value.(string); !ok {
			return nil, fmt.Errorf("%w: %s requires a string literal", ErrInvalidFilter, op)
		}
	}
	return &cmpNode{column: column, op: op, value: value}, nil
}

func (p *filterParser) parseLiteral() (any, error) {
	if p.eof() {
		return nil, fmt.Errorf("%w: missing value", ErrInvalidFilter)
	}
	tok := p.next()
	if len(tok) >= 2 && (tok[0] == '"' || tok[0] == '\'') && tok[len(tok)-1] == tok[0] {
		return tok[1 : len(tok)-1], nil
	}
	switch strings.ToLower(tok) {
	case "true":
		return true, nil
	case "false":
		return false, nil
	case "null":
		return nil, nil
	}
	if i, err := strconv.ParseInt(tok, 10, 64); err == nil {
		return i, nil
	}
	if f, err := strconv.ParseFloat(tok, 64); err == nil {
		return f, nil
	}
	return nil, fmt.Errorf("%w: bad literal %q", ErrInvalidFilter, tok)
}

// ---- evaluation ----

func (n *boolNode) match(values map[string]any) bool {
	if n.or {
		return n.left.match(values) || n.right.match(values)
	}
	return n.left.match(values) && n.right.match(values)
}

func (n *boolNode) toSql() sq.Sqlizer {
	if n.or {
		return sq.Or{n.left.toSql(), n.right.toSql()}
	}
	return sq.And{n.left.toSql(), n.right.toSql()}
}

func (n *cmpNode) match(values map[string]any) bool {
	actual, ok := values[n.column]
	if !ok {
		return false
	}
	switch n.op {
	case "==":
		return compareValues(actual, n.value) == 0
	case "!=":
		return compareValues(actual, n.value) != 0
	case ">":
		return compareValues(actual, n.value) > 0
	case ">=":
		return compareValues(actual, n.value) >= 0
	case "<":
		return compareValues(actual, n.value) < 0
	case "<=":
		return compareValues(actual, n.value) <= 0
	case "contains":
		s, _ := actual.(string)
		return strings.Contains(s, n.value.(string))
	case "startswith":
		s, _ := actual.(string)
		return strings.HasPrefix(s, n.value.(string))
	}
	return false
}

func (n *cmpNode) toSql() sq.Sqlizer {
	switch n.op {
	case "==":
		return sq.Eq{n.column: n.value}
	case "!=":
		return sq.NotEq{n.column: n.value}
	case ">":
		return sq.Gt{n.column: n.value}
	case ">=":
		return sq.GtOrEq{n.column: n.value}
	case "<":
		return sq.Lt{n.column: n.value}
	case "<=":
		return sq.LtOrEq{n.column: n.value}
	case "contains":
		return sq.Like{n.column: "%" + n.value.(string) + "%"}
	case "startswith":
		return sq.Like{n.column: n.value.(string) + "%"}
	}
	return sq.Eq{}
}

// compareValues orders two loosely-typed values: numerics numerically,
// everything else by string form. Nil sorts first.
func compareValues(a, b any) int {
	if a == nil || b == nil {
		switch {
		case a == nil && b == nil:
			return 0
		case a == nil:
			return -1
		default:
			return 1
		}
	}
	af, aok := toFloat(a)
	bf, bok := toFloat(b)
	if aok && bok {
		switch {
		case af < bf:
			return -1
		case af > bf:
			return 1
		default:
			return 0
		}
	}
	return strings.Compare(fmt.Sprint(a), fmt.Sprint(b))
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	case bool:
		if n {
			return 1, true
		}
		return 0, true
	default:
		return 0, false
	}
}
