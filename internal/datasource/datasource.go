// Package datasource defines the record service contract the formula runtime
// fetches through. Adapters live in subpackages.
package datasource

import (
	"context"
	"errors"
	"strings"

	"github.com/l0p7/sheetlink/internal/domain"
	"github.com/l0p7/sheetlink/internal/record"
)

// ErrUpstream wraps transport and protocol failures from a remote service.
var ErrUpstream = errors.New("datasource: upstream failure")

// ErrInvalidIdentifier is returned when a model or field name cannot be used
// safely by an adapter.
var ErrInvalidIdentifier = errors.New("datasource: invalid identifier")

// SearchOptions controls ordering and truncation. Limit <= 0 is unlimited.
type SearchOptions struct {
	OrderField string
	Descending bool
	Limit      int
}

// Order renders the "field asc|desc" clause RPC services accept. It is empty
// when no order field is set.
func (o SearchOptions) Order() string {
	if o.OrderField == "" {
		return ""
	}
	if o.Descending {
		return o.OrderField + " desc"
	}
	return o.OrderField + " asc"
}

// Service is the remote record store.
type Service interface {
	// FetchFields returns the id and the requested fields of one record, or a
	// nil record when it does not exist. Fields the record does not store are
	// omitted from the result.
	FetchFields(ctx context.Context, model string, id int64, fields []string) (record.Record, error)
	// Search returns the ids of records matching d.
	Search(ctx context.Context, model string, d domain.Domain, opts SearchOptions) ([]int64, error)
	// SearchRead returns the id and requested fields of every record matching d.
	SearchRead(ctx context.Context, model string, d domain.Domain, fields []string) ([]record.Record, error)
}

// Models is implemented by adapters that can enumerate the models they hold.
type Models interface {
	Models(ctx context.Context) ([]string, error)
}

// ParseDirection reports whether dir requests descending order.
func ParseDirection(dir string) bool {
	return strings.EqualFold(strings.TrimSpace(dir), "desc")
}

// IDsIn builds the domain selecting exactly ids.
func IDsIn(ids []int64) domain.Domain {
	values := make([]any, len(ids))
	for i, id := range ids {
		values[i] = float64(id)
	}
	return domain.Domain{{Field: "id", Operator: domain.OpIn, Value: values}}
}

// Project copies the id and the requested fields present in src.
func Project(src map[string]any, fields []string) record.Record {
	out := make(record.Record, len(fields)+1)
	out["id"] = src["id"]
	for _, field := range fields {
		if v, ok := src[field]; ok {
			out[field] = v
		}
	}
	return out
}
