// Package record holds the shapes records take once they leave a data service:
// raw field maps and the tagged FieldValue variant formulas consume.
package record

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
)

// Record is one row returned by a data service keyed by field name. The "id"
// entry is always present on records returned by adapters.
type Record map[string]any

// ID returns the record's integer id.
func (r Record) ID() (int64, bool) {
	if r == nil {
		return 0, false
	}
	return AsInt(r["id"])
}

// Kind tags the FieldValue variant.
type Kind int

const (
	KindNull Kind = iota
	KindScalar
	KindRelational
	KindRaw
)

func (k Kind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindScalar:
		return "scalar"
	case KindRelational:
		return "relational"
	case KindRaw:
		return "raw"
	default:
		return "unknown"
	}
}

// FieldValue is the decoded form of a single record field.
type FieldValue struct {
	Kind   Kind
	Scalar any
	IDs    []int64
	Label  string
	Many   bool
	Raw    json.RawMessage
}

// Null is the absent value.
var Null = FieldValue{Kind: KindNull}

// Decode classifies a raw field value as returned by a data service.
//
//   - nil becomes Null; false stays a scalar.
//   - [id, "label"] is a many-to-one pair.
//   - a list of numbers is a to-many id list.
//   - an object carrying "id" is relational; one carrying "value" is a scalar.
//   - any other list or object is kept raw.
func Decode(v any) FieldValue {
	switch val := v.(type) {
	case nil:
		return Null
	case FieldValue:
		return val
	case []any:
		return decodeList(val)
	case []int64:
		return FieldValue{Kind: KindRelational, IDs: append([]int64(nil), val...), Many: true}
	case map[string]any:
		if id, ok := AsInt(val["id"]); ok {
			label, _ := val["display_name"].(string)
			if label == "" {
				label, _ = val["name"].(string)
			}
			return FieldValue{Kind: KindRelational, IDs: []int64{id}, Label: label}
		}
		if inner, ok := val["value"]; ok {
			return FieldValue{Kind: KindScalar, Scalar: inner}
		}
		return raw(val)
	default:
		return FieldValue{Kind: KindScalar, Scalar: val}
	}
}

func decodeList(items []any) FieldValue {
	if len(items) == 2 {
		if id, ok := AsInt(items[0]); ok {
			if label, isString := items[1].(string); isString {
				return FieldValue{Kind: KindRelational, IDs: []int64{id}, Label: label}
			}
		}
	}
	ids := make([]int64, 0, len(items))
	for _, item := range items {
		id, ok := AsInt(item)
		if !ok {
			return raw(items)
		}
		ids = append(ids, id)
	}
	return FieldValue{Kind: KindRelational, IDs: ids, Many: true}
}

func raw(v any) FieldValue {
	data, err := json.Marshal(v)
	if err != nil {
		return FieldValue{Kind: KindRaw, Raw: json.RawMessage(fmt.Sprintf("%q", fmt.Sprint(v)))}
	}
	return FieldValue{Kind: KindRaw, Raw: data}
}

// IsNull reports whether the value is absent.
func (f FieldValue) IsNull() bool { return f.Kind == KindNull }

// Canonical extracts the value formulas display. Many-to-one pairs reduce to
// the bare id, to-many lists to their ids, raw values to their JSON text.
func (f FieldValue) Canonical() any {
	switch f.Kind {
	case KindScalar:
		return f.Scalar
	case KindRelational:
		if !f.Many && len(f.IDs) == 1 {
			return f.IDs[0]
		}
		return append([]int64(nil), f.IDs...)
	case KindRaw:
		return string(f.Raw)
	default:
		return nil
	}
}

// String renders the canonical value as cell text.
func (f FieldValue) String() string {
	switch f.Kind {
	case KindNull:
		return ""
	case KindRelational:
		if !f.Many && len(f.IDs) == 1 {
			return strconv.FormatInt(f.IDs[0], 10)
		}
		return JoinIDs(f.IDs)
	case KindRaw:
		return string(f.Raw)
	}
	switch val := f.Scalar.(type) {
	case string:
		return val
	case bool:
		return strconv.FormatBool(val)
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case json.Number:
		return val.String()
	default:
		return fmt.Sprint(val)
	}
}

// GroupKey returns the stringified value a record is grouped under. Relational
// values group by their first id. Null values report false.
func (f FieldValue) GroupKey() (string, bool) {
	switch f.Kind {
	case KindNull:
		return "", false
	case KindRelational:
		if len(f.IDs) == 0 {
			return "", false
		}
		return strconv.FormatInt(f.IDs[0], 10), true
	default:
		return f.String(), true
	}
}

// Number coerces the value for aggregation. Relational values weigh their id
// count: the list length for to-many fields and 1 for a set many-to-one.
// Numeric-looking strings are parsed; anything else reports false.
func (f FieldValue) Number() (decimal.Decimal, bool) {
	switch f.Kind {
	case KindRelational:
		return decimal.NewFromInt(int64(len(f.IDs))), true
	case KindScalar:
		return toDecimal(f.Scalar)
	default:
		return decimal.Zero, false
	}
}

func toDecimal(v any) (decimal.Decimal, bool) {
	switch val := v.(type) {
	case float64:
		if math.IsNaN(val) || math.IsInf(val, 0) {
			return decimal.Zero, false
		}
		return decimal.NewFromFloat(val), true
	case float32:
		return toDecimal(float64(val))
	case int:
		return decimal.NewFromInt(int64(val)), true
	case int64:
		return decimal.NewFromInt(val), true
	case int32:
		return decimal.NewFromInt(int64(val)), true
	case json.Number:
		d, err := decimal.NewFromString(val.String())
		return d, err == nil
	case string:
		s := strings.TrimSpace(val)
		if s == "" {
			return decimal.Zero, false
		}
		d, err := decimal.NewFromString(s)
		return d, err == nil
	default:
		return decimal.Zero, false
	}
}

// AsInt coerces ids decoded from JSON, YAML, SQL, or CEL into int64.
func AsInt(v any) (int64, bool) {
	switch val := v.(type) {
	case int:
		return int64(val), true
	case int64:
		return val, true
	case int32:
		return int64(val), true
	case uint64:
		if val > math.MaxInt64 {
			return 0, false
		}
		return int64(val), true
	case float64:
		if val != math.Trunc(val) || math.IsInf(val, 0) {
			return 0, false
		}
		return int64(val), true
	case json.Number:
		n, err := val.Int64()
		return n, err == nil
	case string:
		n, err := strconv.ParseInt(strings.TrimSpace(val), 10, 64)
		return n, err == nil
	default:
		return 0, false
	}
}

// JoinIDs renders ids comma-separated, the form GET_IDS returns.
func JoinIDs(ids []int64) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = strconv.FormatInt(id, 10)
	}
	return strings.Join(parts, ",")
}

// SplitIDs parses a comma-separated id list, ignoring blanks and anything that
// is not an integer.
func SplitIDs(s string) []int64 {
	var ids []int64
	for _, part := range strings.Split(s, ",") {
		id, err := strconv.ParseInt(strings.TrimSpace(part), 10, 64)
		if err != nil {
			continue
		}
		ids = append(ids, id)
	}
	return ids
}
