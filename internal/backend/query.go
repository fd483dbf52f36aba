package backend

import (
	"fmt"
	"reflect"
	"regexp"
	"strings"
	"time"
)

type Op string

const (
	OpEq    Op = "eq"
	OpNeq   Op = "neq"
	OpILike Op = "ilike"
	OpIn    Op = "in"
)

// Filter is a single column predicate.
type Filter struct {
	Column string `json:"column"`
	Op     Op     `json:"op"`
	Value  any    `json:"value"`
}

func (f Filter) String() string {
	return fmt.Sprintf("%s=%s.%v", f.Column, f.Op, f.Value)
}

// Match reports whether row satisfies the filter. A missing column only
// matches neq.
func (f Filter) Match(row Row) bool {
	v, ok := row[f.Column]
	switch f.Op {
	case OpEq:
		return ok && equal(v, f.Value)
	case OpNeq:
		return !ok || !equal(v, f.Value)
	case OpILike:
		s, isStr := asString(v)
		p, isPat := asString(f.Value)
		if !ok || !isStr || !isPat {
			return false
		}
		return likePattern(p).MatchString(s)
	case OpIn:
		if !ok {
			return false
		}
		rv := reflect.ValueOf(f.Value)
		if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
			return equal(v, f.Value)
		}
		for i := 0; i < rv.Len(); i++ {
			if equal(v, rv.Index(i).Interface()) {
				return true
			}
		}
	}
	return false
}

// Query is built with From and chained modifiers. Every modifier returns a
// new Query, so a base query can be shared.
type Query struct {
	Table     string
	Filters   []Filter
	OrderBy   string
	Ascending bool
	Max       int
}

func From(table string) Query {
	return Query{Table: table}
}

func (q Query) where(f Filter) Query {
	filters := make([]Filter, len(q.Filters), len(q.Filters)+1)
	copy(filters, q.Filters)
	q.Filters = append(filters, f)
	return q
}

func (q Query) Eq(column string, value any) Query {
	return q.where(Filter{Column: column, Op: OpEq, Value: value})
}

func (q Query) Neq(column string, value any) Query {
	return q.where(Filter{Column: column, Op: OpNeq, Value: value})
}

// ILike matches a SQL LIKE pattern (% and _) case-insensitively.
func (q Query) ILike(column, pattern string) Query {
	return q.where(Filter{Column: column, Op: OpILike, Value: pattern})
}

func (q Query) In(column string, values any) Query {
	return q.where(Filter{Column: column, Op: OpIn, Value: values})
}

func (q Query) Order(column string, ascending bool) Query {
	q.OrderBy = column
	q.Ascending = ascending
	return q
}

func (q Query) Limit(n int) Query {
	q.Max = n
	return q
}

func (q Query) String() string {
	var b strings.Builder
	b.WriteString(q.Table)
	for i, f := range q.Filters {
		if i == 0 {
			b.WriteByte('?')
		} else {
			b.WriteByte('&')
		}
		b.WriteString(f.String())
	}
	return b.String()
}

func (q Query) Validate() error {
	if q.Table == "" {
		return fmt.Errorf("%w: missing table", ErrInvalidQuery)
	}
	for _, f := range q.Filters {
		if f.Column == "" {
			return fmt.Errorf("%w: filter without column", ErrInvalidQuery)
		}
		switch f.Op {
		case OpEq, OpNeq, OpILike, OpIn:
		default:
			return fmt.Errorf("%w: unsupported operator %q", ErrInvalidQuery, f.Op)
		}
	}
	if q.Max < 0 {
		return fmt.Errorf("%w: negative limit", ErrInvalidQuery)
	}
	return nil
}

// Match reports whether row satisfies every filter of the query.
func (q Query) Match(row Row) bool {
	for _, f := range q.Filters {
		if !f.Match(row) {
			return false
		}
	}
	return true
}

// Compare orders two values of the same column. Values of different kinds
// compare by kind name so sorting stays deterministic.
func Compare(a, b any) int {
	na, aNum := asNumber(a)
	nb, bNum := asNumber(b)
	switch {
	case aNum && bNum:
		switch {
		case na < nb:
			return -1
		case na > nb:
			return 1
		}
		return 0
	}

	sa, aStr := asString(a)
	sb, bStr := asString(b)
	if aStr && bStr {
		return strings.Compare(sa, sb)
	}

	ta, aTime := a.(time.Time)
	tb, bTime := b.(time.Time)
	if aTime && bTime {
		return ta.Compare(tb)
	}

	ba, aBool := a.(bool)
	bb, bBool := b.(bool)
	if aBool && bBool {
		switch {
		case ba == bb:
			return 0
		case !ba:
			return -1
		}
		return 1
	}

	switch {
	case a == nil && b == nil:
		return 0
	case a == nil:
		return -1
	case b == nil:
		return 1
	}
	return strings.Compare(fmt.Sprintf("%T", a), fmt.Sprintf("%T", b))
}

func equal(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return Compare(a, b) == 0 && sameKind(a, b)
}

func sameKind(a, b any) bool {
	_, aNum := asNumber(a)
	_, bNum := asNumber(b)
	if aNum || bNum {
		return aNum && bNum
	}
	_, aStr := asString(a)
	_, bStr := asString(b)
	if aStr || bStr {
		return aStr && bStr
	}
	return reflect.TypeOf(a) == reflect.TypeOf(b)
}

func asString(v any) (string, bool) {
	if v == nil {
		return "", false
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() == reflect.String {
		return rv.String(), true
	}
	return "", false
}

func asNumber(v any) (float64, bool) {
	if v == nil {
		return 0, false
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return float64(rv.Int()), true
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return float64(rv.Uint()), true
	case reflect.Float32, reflect.Float64:
		return rv.Float(), true
	}
	return 0, false
}

func likePattern(p string) *regexp.Regexp {
	var b strings.Builder
	b.WriteString(`(?is)^`)
	for _, r := range p {
		switch r {
		case '%':
			b.WriteString(".*")
		case '_':
			b.WriteString(".")
		default:
			b.WriteString(regexp.QuoteMeta(string(r)))
		}
	}
	b.WriteString("$")
	return regexp.MustCompile(b.String())
}
