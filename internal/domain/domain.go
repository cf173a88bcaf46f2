// Package domain models record-store search domains: ordered predicate lists
// combined with an implicit AND, plus the compact filter grammar formula cells
// use to express them.
package domain

import (
	"math"
	"regexp"
	"strconv"
	"strings"
)

// Operator names a comparison understood by every data service adapter.
type Operator string

const (
	OpEqual        Operator = "="
	OpNotEqual     Operator = "!="
	OpGreater      Operator = ">"
	OpLess         Operator = "<"
	OpGreaterEqual Operator = ">="
	OpLessEqual    Operator = "<="
	OpIn           Operator = "in"
	OpILike        Operator = "ilike"
)

var knownOperators = map[Operator]struct{}{
	OpEqual:        {},
	OpNotEqual:     {},
	OpGreater:      {},
	OpLess:         {},
	OpGreaterEqual: {},
	OpLessEqual:    {},
	OpIn:           {},
	OpILike:        {},
}

// ParseOperator normalizes an operator token. The boolean is false when the
// token is not a recognized operator.
func ParseOperator(token string) (Operator, bool) {
	op := Operator(strings.ToLower(strings.TrimSpace(token)))
	if op == "==" {
		op = OpEqual
	}
	if op == "<>" {
		op = OpNotEqual
	}
	_, ok := knownOperators[op]
	return op, ok
}

// Predicate is a single (field, operator, value) triple. Value holds a float64,
// a string, or, for OpIn, a []any of those.
type Predicate struct {
	Field    string   `json:"field"`
	Operator Operator `json:"operator"`
	Value    any      `json:"value"`
}

// Domain is an ordered predicate list. Order is preserved but carries no
// meaning beyond the IDHint lookup.
type Domain []Predicate

// Default is the unrestricted domain used when a filter parses to nothing.
func Default() Domain {
	return Domain{{Field: "id", Operator: OpGreater, Value: float64(0)}}
}

// OrDefault returns d, or Default when d is empty.
func (d Domain) OrDefault() Domain {
	if len(d) == 0 {
		return Default()
	}
	return d
}

// IDHint returns the id of the first "id = N" predicate.
func (d Domain) IDHint() (int64, bool) {
	for _, p := range d {
		if p.Field != "id" || p.Operator != OpEqual {
			continue
		}
		if id, ok := AsID(p.Value); ok {
			return id, true
		}
	}
	return 0, false
}

// String renders the domain in the explicit filter grammar.
func (d Domain) String() string { return Serialize(d) }

// Triples renders the domain as [field, operator, value] lists, the wire shape
// RPC-style record services expect. Integral numbers are emitted as int64 so
// relational comparisons match integer ids.
func (d Domain) Triples() [][]any {
	out := make([][]any, 0, len(d))
	for _, p := range d {
		out = append(out, []any{p.Field, string(p.Operator), wireValue(p.Value)})
	}
	return out
}

func wireValue(v any) any {
	switch val := v.(type) {
	case float64:
		if val == math.Trunc(val) && math.Abs(val) < 1<<53 {
			return int64(val)
		}
		return val
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = wireValue(item)
		}
		return out
	default:
		return v
	}
}

// AsID coerces a predicate value into a positive integer id.
func AsID(v any) (int64, bool) {
	switch val := v.(type) {
	case float64:
		if val > 0 && val == math.Trunc(val) {
			return int64(val), true
		}
	case int:
		if val > 0 {
			return int64(val), true
		}
	case int64:
		if val > 0 {
			return val, true
		}
	case string:
		id, err := strconv.ParseInt(strings.TrimSpace(val), 10, 64)
		if err == nil && id > 0 {
			return id, true
		}
	}
	return 0, false
}

var identifierPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_.]*$`)

// ValidField reports whether name is usable as a field or model identifier.
// Adapters that interpolate identifiers into queries rely on this check.
func ValidField(name string) bool {
	return identifierPattern.MatchString(name)
}
