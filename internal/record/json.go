package record

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// UnmarshalJSON decodes data keeping integral numbers as int64 so ids and
// counts survive the round trip; other numbers become float64.
func UnmarshalJSON(data []byte) (any, error) {
	decoder := json.NewDecoder(bytes.NewReader(data))
	decoder.UseNumber()
	var payload any
	if err := decoder.Decode(&payload); err != nil {
		return nil, err
	}
	return NormalizeNumbers(payload), nil
}

// NormalizeNumbers recursively converts json.Number values to int64 or
// float64.
func NormalizeNumbers(value any) any {
	switch v := value.(type) {
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, val := range v {
			out[k] = NormalizeNumbers(val)
		}
		return out
	case Record:
		return Record(NormalizeNumbers(map[string]any(v)).(map[string]any))
	case []any:
		out := make([]any, len(v))
		for i, val := range v {
			out[i] = NormalizeNumbers(val)
		}
		return out
	case json.Number:
		if i, err := v.Int64(); err == nil {
			return i
		}
		if f, err := v.Float64(); err == nil {
			return f
		}
		return v.String()
	default:
		return v
	}
}

// UnmarshalRecords decodes a JSON array of objects.
func UnmarshalRecords(data []byte) ([]Record, error) {
	payload, err := UnmarshalJSON(data)
	if err != nil {
		return nil, err
	}
	items, ok := payload.([]any)
	if !ok {
		return nil, fmt.Errorf("record: expected a list of records, got %T", payload)
	}
	out := make([]Record, 0, len(items))
	for i, item := range items {
		m, ok := item.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("record: item %d is %T, not an object", i, item)
		}
		out = append(out, Record(m))
	}
	return out, nil
}

// UnmarshalRecord decodes one JSON object.
func UnmarshalRecord(data []byte) (Record, error) {
	payload, err := UnmarshalJSON(data)
	if err != nil {
		return nil, err
	}
	m, ok := payload.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("record: expected an object, got %T", payload)
	}
	return Record(m), nil
}
