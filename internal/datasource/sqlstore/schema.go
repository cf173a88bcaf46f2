package sqlstore

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/l0p7/sheetlink/internal/record"
)

// kind is the storage class inferred for a field across a model's records.
type kind string

const (
	kindUnknown  kind = ""
	kindInteger  kind = "integer"
	kindReal     kind = "real"
	kindBool     kind = "bool"
	kindText     kind = "text"
	kindRelation kind = "relation"
	kindJSON     kind = "json"
)

// labelSuffix names the companion column holding a many-to-one label.
const labelSuffix = "__label"

func (k kind) numeric() bool {
	return k == kindInteger || k == kindReal || k == kindRelation
}

func classify(v any) kind {
	switch val := v.(type) {
	case nil:
		return kindUnknown
	case bool:
		return kindBool
	case int, int32, int64, uint64:
		return kindInteger
	case float64:
		return kindReal
	case float32:
		return kindReal
	case string:
		return kindText
	case []any, []int64, map[string]any:
		fv := record.Decode(val)
		if fv.Kind == record.KindRelational && !fv.Many {
			return kindRelation
		}
		return kindJSON
	default:
		return kindText
	}
}

func merge(a, b kind) kind {
	switch {
	case a == b:
		return a
	case a == kindUnknown:
		return b
	case b == kindUnknown:
		return a
	case (a == kindInteger && b == kindReal) || (a == kindReal && b == kindInteger):
		return kindReal
	case a == kindJSON || b == kindJSON:
		return kindJSON
	default:
		return kindText
	}
}

type column struct {
	name string
	kind kind
}

// table describes the SQL table backing one model.
type table struct {
	model   string
	name    string
	columns []column
	byName  map[string]column
}

func tableName(model string) string {
	return strings.ReplaceAll(model, ".", "_")
}

func newTable(model string, columns []column) *table {
	t := &table{model: model, name: tableName(model), columns: columns, byName: make(map[string]column, len(columns))}
	for _, c := range columns {
		t.byName[c.name] = c
	}
	return t
}

// inferTable derives the columns of model from its records in first-seen
// field order, id first.
func inferTable(model string, records []record.Record) (*table, error) {
	kinds := map[string]kind{}
	var order []string
	for i, rec := range records {
		if id, ok := rec.ID(); !ok || id <= 0 {
			return nil, fmt.Errorf("sqlstore: %s record %d has no positive integer id", model, i)
		}
		fields := make([]string, 0, len(rec))
		for field := range rec {
			fields = append(fields, field)
		}
		sort.Strings(fields)
		for _, field := range fields {
			if field == "id" {
				continue
			}
			if !validColumn(field) {
				return nil, fmt.Errorf("sqlstore: %s field %q cannot be a column", model, field)
			}
			if _, seen := kinds[field]; !seen {
				order = append(order, field)
			}
			kinds[field] = merge(kinds[field], classify(rec[field]))
		}
	}
	columns := []column{{name: "id", kind: kindInteger}}
	for _, field := range order {
		k := kinds[field]
		if k == kindUnknown {
			k = kindText
		}
		columns = append(columns, column{name: field, kind: k})
	}
	return newTable(model, columns), nil
}

func validColumn(name string) bool {
	if name == "" || strings.HasSuffix(name, labelSuffix) {
		return false
	}
	for i, r := range name {
		switch {
		case r == '_', r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9' && i > 0:
		default:
			return false
		}
	}
	return true
}

func quote(ident string) string {
	return `"` + ident + `"`
}

// storageValues converts a field value into the arguments for its column(s).
func storageValues(c column, v any) ([]any, error) {
	if v == nil {
		if c.kind == kindRelation {
			return []any{nil, nil}, nil
		}
		return []any{nil}, nil
	}
	switch c.kind {
	case kindInteger:
		n, ok := record.AsInt(v)
		if !ok {
			return nil, fmt.Errorf("sqlstore: %s: %v is not an integer", c.name, v)
		}
		return []any{n}, nil
	case kindReal:
		d, ok := record.Decode(v).Number()
		if !ok {
			return nil, fmt.Errorf("sqlstore: %s: %v is not a number", c.name, v)
		}
		return []any{d.InexactFloat64()}, nil
	case kindBool:
		b, _ := v.(bool)
		return []any{b}, nil
	case kindRelation:
		fv := record.Decode(v)
		if fv.Kind != record.KindRelational || fv.Many || len(fv.IDs) != 1 {
			return []any{nil, nil}, nil
		}
		return []any{fv.IDs[0], fv.Label}, nil
	case kindJSON:
		fv := record.Decode(v)
		if fv.Kind == record.KindRelational {
			return []any{"[" + record.JoinIDs(fv.IDs) + "]"}, nil
		}
		return []any{string(fv.Raw)}, nil
	default:
		switch val := v.(type) {
		case string:
			return []any{val}, nil
		case float64:
			return []any{strconv.FormatFloat(val, 'f', -1, 64)}, nil
		default:
			return []any{record.Decode(v).String()}, nil
		}
	}
}

// readValue converts scanned column(s) back into a record value.
func readValue(c column, raw any, label any) (any, error) {
	if raw == nil {
		return nil, nil
	}
	if b, ok := raw.([]byte); ok {
		raw = string(b)
	}
	switch c.kind {
	case kindInteger:
		if n, ok := record.AsInt(raw); ok {
			return n, nil
		}
		return raw, nil
	case kindReal:
		if d, ok := record.Decode(raw).Number(); ok {
			return d.InexactFloat64(), nil
		}
		return raw, nil
	case kindBool:
		switch val := raw.(type) {
		case bool:
			return val, nil
		case int64:
			return val != 0, nil
		}
		return raw, nil
	case kindRelation:
		id, _ := record.AsInt(raw)
		if b, ok := label.([]byte); ok {
			label = string(b)
		}
		text, _ := label.(string)
		return []any{id, text}, nil
	case kindJSON:
		s, _ := raw.(string)
		return record.UnmarshalJSON([]byte(s))
	default:
		return raw, nil
	}
}
