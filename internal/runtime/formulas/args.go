package formulas

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"

	"github.com/l0p7/sheetlink/internal/record"
)

// text renders a cell argument as trimmed text. Engines send numbers as
// JSON numbers, so integral values print without a fraction.
func text(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(val)
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case json.Number:
		return val.String()
	case bool:
		return strconv.FormatBool(val)
	default:
		return strings.TrimSpace(record.Decode(val).String())
	}
}

// integer coerces an argument to an integer. Blank arguments report false.
func integer(v any) (int64, bool) {
	switch val := v.(type) {
	case float64:
		if val != math.Trunc(val) || math.IsInf(val, 0) {
			return 0, false
		}
		return int64(val), true
	case string:
		s := strings.TrimSpace(val)
		if s == "" {
			return 0, false
		}
		if n, err := strconv.ParseInt(s, 10, 64); err == nil {
			return n, true
		}
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return 0, false
		}
		return integer(f)
	default:
		return record.AsInt(v)
	}
}

// ids accepts a comma-separated list or a single numeric id.
func ids(v any) []int64 {
	if id, ok := integer(v); ok {
		return []int64{id}
	}
	return record.SplitIDs(text(v))
}

// limit reads an optional row limit; blank and negative mean unlimited.
func limit(v any) (int, bool) {
	if text(v) == "" {
		return 0, true
	}
	n, ok := integer(v)
	if !ok {
		return 0, false
	}
	if n < 0 {
		n = 0
	}
	return int(n), true
}
