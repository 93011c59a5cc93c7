package gateway

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Op is a filter comparison operator, named as on the wire.
type Op string

// Filter operators.
const (
	OpEq  Op = "eq"
	OpNeq Op = "neq"
	OpGt  Op = "gt"
	OpGte Op = "gte"
	OpLt  Op = "lt"
	OpLte Op = "lte"
	OpIn  Op = "in"
	OpIs  Op = "is"
)

// Filter restricts a query to rows whose column satisfies Op against Value.
// For OpIn, Value is a []string. For OpIs, Value is nil, true or false.
type Filter struct {
	Column string `json:"column"`
	Op     Op     `json:"op"`
	Value  any    `json:"value"`
}

// Eq matches rows where column equals v.
func Eq(column string, v any) Filter { return Filter{Column: column, Op: OpEq, Value: v} }

// Neq matches rows where column differs from v.
func Neq(column string, v any) Filter { return Filter{Column: column, Op: OpNeq, Value: v} }

// Gt matches rows where column is greater than v.
func Gt(column string, v any) Filter { return Filter{Column: column, Op: OpGt, Value: v} }

// Gte matches rows where column is greater than or equal to v.
func Gte(column string, v any) Filter { return Filter{Column: column, Op: OpGte, Value: v} }

// Lt matches rows where column is less than v.
func Lt(column string, v any) Filter { return Filter{Column: column, Op: OpLt, Value: v} }

// Lte matches rows where column is less than or equal to v.
func Lte(column string, v any) Filter { return Filter{Column: column, Op: OpLte, Value: v} }

// In matches rows where column is one of values.
func In(column string, values []string) Filter {
	return Filter{Column: column, Op: OpIn, Value: values}
}

// Is matches rows where column IS v, with v one of nil, true or false.
func Is(column string, v any) Filter { return Filter{Column: column, Op: OpIs, Value: v} }

// FormatValue renders a filter operand the way it travels in a query string.
func FormatValue(v any) string {
	switch t := v.(type) {
	case nil:
		return "null"
	case string:
		return t
	case bool:
		return strconv.FormatBool(t)
	case time.Time:
		return t.UTC().Format(time.RFC3339Nano)
	case *time.Time:
		if t == nil {
			return "null"
		}
		return t.UTC().Format(time.RFC3339Nano)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	default:
		return fmt.Sprint(v)
	}
}

// Encode renders the filter value part, e.g. "eq.abc" or "in.(a,b)".
func (f Filter) Encode() string {
	if f.Op == OpIn {
		values, _ := f.Value.([]string)
		quoted := make([]string, len(values))
		for i, v := range values {
			if strings.ContainsAny(v, `,()"`) {
				v = `"` + strings.ReplaceAll(v, `"`, `\"`) + `"`
			}
			quoted[i] = v
		}
		return string(OpIn) + ".(" + strings.Join(quoted, ",") + ")"
	}
	return string(f.Op) + "." + FormatValue(f.Value)
}

// String renders the filter as "column=op.value".
func (f Filter) String() string {
	return f.Column + "=" + f.Encode()
}

// ParseFilter decodes a "op.value" query parameter for column.
// Scalar operands stay strings; the serving side coerces them per column.
func ParseFilter(column, raw string) (Filter, error) {
	op, value, ok := strings.Cut(raw, ".")
	if !ok {
		return Filter{}, NewError(Invalid, "PGRST100", fmt.Sprintf("malformed filter for %q: %q", column, raw))
	}
	f := Filter{Column: column, Op: Op(op)}
	switch f.Op {
	case OpEq, OpNeq, OpGt, OpGte, OpLt, OpLte:
		f.Value = value
	case OpIs:
		switch strings.ToLower(value) {
		case "null":
			f.Value = nil
		case "true":
			f.Value = true
		case "false":
			f.Value = false
		default:
			return Filter{}, NewError(Invalid, "PGRST100", fmt.Sprintf("is.%s is not supported", value))
		}
	case OpIn:
		list, err := parseList(value)
		if err != nil {
			return Filter{}, err
		}
		f.Value = list
	default:
		return Filter{}, NewError(Invalid, "PGRST100", fmt.Sprintf("unknown operator %q", op))
	}
	return f, nil
}

func parseList(raw string) ([]string, error) {
	if len(raw) < 2 || raw[0] != '(' || raw[len(raw)-1] != ')' {
		return nil, NewError(Invalid, "PGRST100", fmt.Sprintf("malformed list %q", raw))
	}
	raw = raw[1 : len(raw)-1]
	if raw == "" {
		return []string{}, nil
	}
	var (
		out     []string
		cur     strings.Builder
		quoted  bool
		escaped bool
	)
	for _, r := range raw {
		switch {
		case escaped:
			cur.WriteRune(r)
			escaped = false
		case r == '\\' && quoted:
			escaped = true
		case r == '"':
			quoted = !quoted
		case r == ',' && !quoted:
			out = append(out, cur.String())
			cur.Reset()
		default:
			cur.WriteRune(r)
		}
	}
	if quoted {
		return nil, NewError(Invalid, "PGRST100", "unterminated quote in list")
	}
	return append(out, cur.String()), nil
}

// ParseOrder decodes an "order" parameter such as "created_at.asc,id.desc".
func ParseOrder(raw string) ([]Order, error) {
	var orders []Order
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		col, dir, _ := strings.Cut(part, ".")
		o := Order{Column: col, Ascending: true}
		switch dir {
		case "", "asc":
		case "desc":
			o.Ascending = false
		default:
			return nil, NewError(Invalid, "PGRST100", fmt.Sprintf("bad order direction %q", dir))
		}
		orders = append(orders, o)
	}
	return orders, nil
}

// EncodeOrder is the inverse of ParseOrder.
func EncodeOrder(orders []Order) string {
	parts := make([]string, len(orders))
	for i, o := range orders {
		dir := "desc"
		if o.Ascending {
			dir = "asc"
		}
		parts[i] = o.Column + "." + dir
	}
	return strings.Join(parts, ",")
}

// Match evaluates the filter against a row in memory. Realtime fan-out uses
// it to route change events to subscribers.
func (f Filter) Match(row Row) bool {
	v, present := row[f.Column]
	switch f.Op {
	case OpIs:
		if f.Value == nil {
			return !present || v == nil
		}
		b, ok := v.(bool)
		return ok && b == f.Value
	case OpIn:
		values, _ := f.Value.([]string)
		got := FormatValue(v)
		for _, want := range values {
			if got == want {
				return true
			}
		}
		return false
	}
	if !present || v == nil {
		return false
	}
	cmp := compareValues(v, f.Value)
	switch f.Op {
	case OpEq:
		return cmp == 0
	case OpNeq:
		return cmp != 0
	case OpGt:
		return cmp > 0
	case OpGte:
		return cmp >= 0
	case OpLt:
		return cmp < 0
	case OpLte:
		return cmp <= 0
	}
	return false
}

func compareValues(a, b any) int {
	if af, ok := toFloat(a); ok {
		if bf, ok := toFloat(b); ok {
			switch {
			case af < bf:
				return -1
			case af > bf:
				return 1
			default:
				return 0
			}
		}
	}
	if at, ok := toTime(a); ok {
		if bt, ok := toTime(b); ok {
			return at.Compare(bt)
		}
	}
	return strings.Compare(FormatValue(a), FormatValue(b))
}

func toFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	case string:
		f, err := strconv.ParseFloat(t, 64)
		return f, err == nil
	}
	return 0, false
}

func toTime(v any) (time.Time, bool) {
	switch t := v.(type) {
	case time.Time:
		return t, true
	case string:
		ts, err := time.Parse(time.RFC3339Nano, t)
		return ts, err == nil
	}
	return time.Time{}, false
}
