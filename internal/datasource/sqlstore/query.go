package sqlstore

import (
	"strconv"
	"strings"

	"github.com/l0p7/sheetlink/internal/domain"
)

// dialect captures the differences between the supported databases.
type dialect struct {
	name  string
	types map[kind]string
	ilike string
	// dollar selects $1-style placeholders instead of ?.
	dollar bool
}

var (
	sqliteDialect = dialect{
		name: "sqlite",
		types: map[kind]string{
			kindInteger:  "INTEGER",
			kindReal:     "REAL",
			kindBool:     "BOOLEAN",
			kindText:     "TEXT",
			kindRelation: "INTEGER",
			kindJSON:     "TEXT",
		},
		ilike: "LIKE",
	}
	postgresDialect = dialect{
		name: "postgres",
		types: map[kind]string{
			kindInteger:  "BIGINT",
			kindReal:     "DOUBLE PRECISION",
			kindBool:     "BOOLEAN",
			kindText:     "TEXT",
			kindRelation: "BIGINT",
			kindJSON:     "TEXT",
		},
		ilike:  "ILIKE",
		dollar: true,
	}
)

// builder accumulates SQL text and its arguments.
type builder struct {
	d    dialect
	sql  strings.Builder
	args []any
}

func (b *builder) write(parts ...string) {
	for _, p := range parts {
		b.sql.WriteString(p)
	}
}

func (b *builder) arg(v any) {
	b.args = append(b.args, v)
	if b.d.dollar {
		b.sql.WriteString("$" + strconv.Itoa(len(b.args)))
		return
	}
	b.sql.WriteString("?")
}

func (b *builder) String() string { return b.sql.String() }

// where renders d as a WHERE clause body. Predicates on columns the table
// lacks, or whose literal cannot be compared with the column's storage class,
// evaluate the way a missing value does: false, except != which holds.
func (b *builder) where(t *table, d domain.Domain) {
	if len(d) == 0 {
		b.write("1=1")
		return
	}
	for i, p := range d {
		if i > 0 {
			b.write(" AND ")
		}
		b.predicate(t, p)
	}
}

func (b *builder) predicate(t *table, p domain.Predicate) {
	c, ok := t.byName[p.Field]
	if !ok {
		b.constant(p.Operator == domain.OpNotEqual)
		return
	}
	ident := quote(c.name)

	switch p.Operator {
	case domain.OpILike:
		pattern, _ := p.Value.(string)
		switch {
		case c.kind == kindText:
		case c.kind.numeric():
			ident = "CAST(" + ident + " AS TEXT)"
		default:
			b.constant(false)
			return
		}
		b.write(ident, " ", b.d.ilike, " ")
		b.arg(likePattern(pattern))
		b.write(` ESCAPE '\'`)
	case domain.OpIn:
		values, _ := p.Value.([]any)
		var usable []any
		for _, v := range values {
			if lit, ok := literal(c, v); ok {
				usable = append(usable, lit)
			}
		}
		if len(usable) == 0 {
			b.constant(false)
			return
		}
		b.write(ident, " IN (")
		for i, v := range usable {
			if i > 0 {
				b.write(", ")
			}
			b.arg(v)
		}
		b.write(")")
	case domain.OpNotEqual:
		lit, ok := literal(c, p.Value)
		if !ok {
			b.constant(true)
			return
		}
		b.write("(", ident, " IS NULL OR ", ident, " <> ")
		b.arg(lit)
		b.write(")")
	default:
		lit, ok := literal(c, p.Value)
		if !ok {
			b.constant(false)
			return
		}
		b.write(ident, " ", sqlOperator(p.Operator), " ")
		b.arg(lit)
	}
}

func (b *builder) constant(holds bool) {
	if holds {
		b.write("1=1")
		return
	}
	b.write("1=0")
}

func sqlOperator(op domain.Operator) string {
	switch op {
	case domain.OpEqual:
		return "="
	case domain.OpGreater:
		return ">"
	case domain.OpLess:
		return "<"
	case domain.OpGreaterEqual:
		return ">="
	case domain.OpLessEqual:
		return "<="
	}
	return "="
}

// literal returns the argument to compare column c with, or false when a
// value of v's type never compares equal to values stored in c.
func literal(c column, v any) (any, bool) {
	switch val := v.(type) {
	case float64:
		if !c.kind.numeric() {
			return nil, false
		}
		if c.kind != kindReal && val == float64(int64(val)) {
			return int64(val), true
		}
		return val, true
	case string:
		if c.kind != kindText {
			return nil, false
		}
		return val, true
	}
	return nil, false
}

// likePattern turns an ilike value into a SQL pattern: % stays a wildcard and
// anchors the match, a value without % matches anywhere.
func likePattern(value string) string {
	escaped := strings.NewReplacer(`\`, `\\`, `_`, `\_`).Replace(value)
	if !strings.Contains(value, "%") {
		return "%" + escaped + "%"
	}
	return escaped
}

// orderBy sorts nulls last ascending and first descending, ties by id.
func orderBy(field string, descending bool) string {
	ident := quote(field)
	if field == "id" {
		if descending {
			return "ORDER BY " + ident + " DESC"
		}
		return "ORDER BY " + ident + " ASC"
	}
	if descending {
		return "ORDER BY (" + ident + " IS NULL) DESC, " + ident + " DESC, " + quote("id") + " ASC"
	}
	return "ORDER BY (" + ident + " IS NULL) ASC, " + ident + " ASC, " + quote("id") + " ASC"
}
