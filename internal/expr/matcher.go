package expr

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"github.com/l0p7/sheetlink/internal/domain"
)

// Translate renders d as a CEL boolean expression over the record variable.
// An empty domain matches every record.
func Translate(d domain.Domain) (string, error) {
	if len(d) == 0 {
		return "true", nil
	}
	clauses := make([]string, 0, len(d))
	for _, p := range d {
		clause, err := translatePredicate(p)
		if err != nil {
			return "", err
		}
		clauses = append(clauses, clause)
	}
	return strings.Join(clauses, " && "), nil
}

func translatePredicate(p domain.Predicate) (string, error) {
	if !domain.ValidField(p.Field) {
		return "", fmt.Errorf("expr: invalid field %q", p.Field)
	}
	subject := fmt.Sprintf("norm(lookup(record, %s))", strconv.Quote(p.Field))
	switch p.Operator {
	case domain.OpEqual, domain.OpNotEqual, domain.OpGreater, domain.OpLess, domain.OpGreaterEqual, domain.OpLessEqual:
		lit, err := literal(p.Value)
		if err != nil {
			return "", err
		}
		op := string(p.Operator)
		if p.Operator == domain.OpEqual {
			op = "=="
		}
		return fmt.Sprintf("(%s %s %s)", subject, op, lit), nil
	case domain.OpIn:
		items, ok := p.Value.([]any)
		if !ok {
			items = []any{p.Value}
		}
		lits := make([]string, 0, len(items))
		for _, item := range items {
			lit, err := literal(item)
			if err != nil {
				return "", err
			}
			lits = append(lits, lit)
		}
		return fmt.Sprintf("(%s in [%s])", subject, strings.Join(lits, ", ")), nil
	case domain.OpILike:
		pattern := fmt.Sprint(p.Value)
		return fmt.Sprintf("string(%s).matches(%s)", subject, strconv.Quote(LikePattern(pattern))), nil
	default:
		return "", fmt.Errorf("expr: unsupported operator %q", p.Operator)
	}
}

func literal(v any) (string, error) {
	switch val := v.(type) {
	case string:
		return strconv.Quote(val), nil
	case float64:
		if math.IsNaN(val) || math.IsInf(val, 0) {
			return "", fmt.Errorf("expr: non-finite number")
		}
		s := strconv.FormatFloat(val, 'g', -1, 64)
		if !strings.ContainsAny(s, ".e") {
			s += ".0"
		}
		return s, nil
	case int:
		return literal(float64(val))
	case int64:
		return literal(float64(val))
	case bool:
		return strconv.FormatBool(val), nil
	case nil:
		return "null", nil
	default:
		return "", fmt.Errorf("expr: unsupported literal %T", v)
	}
}

// LikePattern converts an ilike pattern into a case-insensitive RE2
// expression. Without a % wildcard the pattern matches as a substring;
// with one, the pattern is anchored at both ends.
func LikePattern(pattern string) string {
	if !strings.Contains(pattern, "%") {
		return "(?i)" + regexp.QuoteMeta(pattern)
	}
	parts := strings.Split(pattern, "%")
	for i, part := range parts {
		parts[i] = regexp.QuoteMeta(part)
	}
	return "(?is)^" + strings.Join(parts, ".*") + "$"
}

// Matcher evaluates domains against in-process records, caching one compiled
// program per distinct domain.
type Matcher struct {
	env *Environment

	mu       sync.RWMutex
	programs map[string]Program
}

// NewMatcher builds a matcher with its own CEL environment.
func NewMatcher() (*Matcher, error) {
	env, err := NewEnvironment()
	if err != nil {
		return nil, err
	}
	return &Matcher{env: env, programs: make(map[string]Program)}, nil
}

// Program returns the compiled program for d.
func (m *Matcher) Program(d domain.Domain) (Program, error) {
	key := domain.Serialize(d)
	m.mu.RLock()
	program, ok := m.programs[key]
	m.mu.RUnlock()
	if ok {
		return program, nil
	}
	source, err := Translate(d)
	if err != nil {
		return Program{}, err
	}
	program, err = m.env.Compile(source)
	if err != nil {
		return Program{}, err
	}
	m.mu.Lock()
	m.programs[key] = program
	m.mu.Unlock()
	return program, nil
}

// Match reports whether rec satisfies d. Evaluation errors, such as ordering
// a string against a number, count as no match.
func (m *Matcher) Match(d domain.Domain, rec map[string]any) (bool, error) {
	program, err := m.Program(d)
	if err != nil {
		return false, err
	}
	ok, err := program.EvalBool(map[string]any{"record": rec})
	if err != nil {
		return false, nil
	}
	return ok, nil
}
