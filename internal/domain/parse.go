package domain

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

type clauseForm func(clause string) (Predicate, bool)

// Forms are tried in order; the first match claims the clause.
var clauseForms = []clauseForm{
	explicitForm,
	tildeForm,
	equalForm,
	greaterForm,
	lessForm,
	notEqualForm,
}

// Parse converts a semicolon-separated filter into a Domain. Clauses that do
// not match any form, name an invalid field, or carry an empty value are
// dropped. An empty filter yields an empty Domain; callers substitute Default.
func Parse(filter string) Domain {
	var out Domain
	for _, raw := range strings.Split(filter, ";") {
		clause := strings.TrimSpace(raw)
		if clause == "" {
			continue
		}
		for _, form := range clauseForms {
			if p, ok := form(clause); ok {
				out = append(out, p)
				break
			}
		}
	}
	return out
}

// field:operator:value. Only claims the clause when the operator is known so
// values such as "name=a:b:c" still reach the later forms.
func explicitForm(clause string) (Predicate, bool) {
	parts := strings.SplitN(clause, ":", 3)
	if len(parts) != 3 {
		return Predicate{}, false
	}
	op, ok := ParseOperator(parts[1])
	if !ok {
		return Predicate{}, false
	}
	return build(parts[0], op, parts[2])
}

func tildeForm(clause string) (Predicate, bool) {
	field, value, ok := strings.Cut(clause, "~")
	if !ok {
		return Predicate{}, false
	}
	return build(field, OpILike, value)
}

func equalForm(clause string) (Predicate, bool) {
	field, value, ok := strings.Cut(clause, "=")
	if !ok {
		return Predicate{}, false
	}
	trimmed := strings.TrimSpace(field)
	if strings.HasSuffix(trimmed, "!") || strings.HasSuffix(trimmed, ">") || strings.HasSuffix(trimmed, "<") {
		return Predicate{}, false
	}
	if strings.Contains(value, "%") {
		return build(field, OpILike, value)
	}
	return build(field, OpEqual, value)
}

func greaterForm(clause string) (Predicate, bool) {
	field, value, ok := strings.Cut(clause, ">")
	if !ok {
		return Predicate{}, false
	}
	if rest, found := strings.CutPrefix(value, "="); found {
		return build(field, OpGreaterEqual, rest)
	}
	return build(field, OpGreater, value)
}

func lessForm(clause string) (Predicate, bool) {
	field, value, ok := strings.Cut(clause, "<")
	if !ok {
		return Predicate{}, false
	}
	if rest, found := strings.CutPrefix(value, "="); found {
		return build(field, OpLessEqual, rest)
	}
	return build(field, OpLess, value)
}

func notEqualForm(clause string) (Predicate, bool) {
	field, value, ok := strings.Cut(clause, "!")
	if !ok {
		return Predicate{}, false
	}
	value = strings.TrimPrefix(value, "=")
	return build(field, OpNotEqual, value)
}

func build(field string, op Operator, raw string) (Predicate, bool) {
	field = strings.TrimSpace(field)
	if !ValidField(field) {
		return Predicate{}, false
	}
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Predicate{}, false
	}
	switch op {
	case OpIn:
		var items []any
		for _, item := range strings.Split(raw, ",") {
			item = strings.TrimSpace(item)
			if item == "" {
				continue
			}
			items = append(items, coerce(item))
		}
		if len(items) == 0 {
			return Predicate{}, false
		}
		return Predicate{Field: field, Operator: op, Value: items}, true
	case OpILike:
		return Predicate{Field: field, Operator: op, Value: raw}, true
	default:
		return Predicate{Field: field, Operator: op, Value: coerce(raw)}, true
	}
}

var numberPattern = regexp.MustCompile(`^[+-]?(\d+\.?\d*|\.\d+)([eE][+-]?\d+)?$`)

func coerce(raw string) any {
	if !numberPattern.MatchString(raw) {
		return raw
	}
	n, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return raw
	}
	return n
}

// Serialize renders d in the explicit field:operator:value form, one clause
// per predicate, joined with semicolons.
func Serialize(d Domain) string {
	clauses := make([]string, 0, len(d))
	for _, p := range d {
		clauses = append(clauses, p.Field+":"+string(p.Operator)+":"+formatValue(p.Value))
	}
	return strings.Join(clauses, ";")
}

func formatValue(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case float64:
		return strconv.FormatFloat(val, 'g', -1, 64)
	case []any:
		items := make([]string, len(val))
		for i, item := range val {
			items[i] = formatValue(item)
		}
		return strings.Join(items, ",")
	default:
		return fmt.Sprint(val)
	}
}

// Triple is one (field, operator, value) group of separate formula arguments.
type Triple struct {
	Field    string
	Operator string
	Value    string
}

// FromTriples builds a domain from argument triples. Triples with an unknown
// operator, an invalid field, or an empty value are dropped like bad clauses.
func FromTriples(triples []Triple) Domain {
	var out Domain
	for _, t := range triples {
		op, ok := ParseOperator(t.Operator)
		if !ok {
			continue
		}
		if p, ok := build(t.Field, op, t.Value); ok {
			out = append(out, p)
		}
	}
	return out
}
