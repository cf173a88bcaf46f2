// Package accessor reads single record fields through the request cache.
package accessor

import (
	"context"
	"errors"
	"fmt"

	"github.com/l0p7/sheetlink/internal/datasource"
	"github.com/l0p7/sheetlink/internal/record"
	"github.com/l0p7/sheetlink/internal/runtime/requestcache"
)

var (
	// ErrNotFound reports that the service holds no record with the id.
	ErrNotFound = errors.New("record not found")
	// ErrFieldMissing reports that the record does not carry the field.
	ErrFieldMissing = errors.New("field missing")
)

// KindField tags field lookups in cache keys and metrics.
const KindField = "field"

// Result follows the refresh-flag convention: while RequiresRefresh is set
// Value is meaningless and the caller should show a placeholder.
type Result struct {
	Value           record.FieldValue
	RequiresRefresh bool
	Err             error
}

type outcome struct {
	value    record.FieldValue
	found    bool
	hasField bool
}

// Accessor resolves (model, id, field) triples.
type Accessor struct {
	cache  *requestcache.Cache
	source datasource.Service
}

// New wires an accessor to a session cache and a record service.
func New(cache *requestcache.Cache, source datasource.Service) *Accessor {
	return &Accessor{cache: cache, source: source}
}

// Key returns the cache key for a field lookup.
func Key(cell, model string, id int64, field string) requestcache.Key {
	return requestcache.Key{
		Kind:   KindField,
		Model:  model,
		IDs:    []int64{id},
		Fields: []string{field},
		Cell:   cell,
	}
}

// GetField returns the field value or schedules its fetch. Missing records
// and fields are terminal errors; upstream failures are reported once.
func (a *Accessor) GetField(cell, model string, id int64, field string) Result {
	key := Key(cell, model, id, field)
	res := a.cache.Ensure(key, func(ctx context.Context) (any, error) {
		rec, err := a.source.FetchFields(ctx, model, id, []string{field})
		if err != nil {
			return nil, err
		}
		if rec == nil {
			return outcome{}, nil
		}
		v, ok := rec[field]
		return outcome{value: record.Decode(v), found: true, hasField: ok}, nil
	})

	switch res.State {
	case requestcache.Resolved:
	case requestcache.Failed:
		return Result{Err: fmt.Errorf("read %s(%d).%s: %w", model, id, field, res.Err)}
	default:
		return Result{RequiresRefresh: true}
	}

	out, _ := res.Value.(outcome)
	switch {
	case !out.found:
		return Result{Err: fmt.Errorf("%s(%d): %w", model, id, ErrNotFound)}
	case !out.hasField:
		return Result{Err: fmt.Errorf("%s(%d).%s: %w", model, id, field, ErrFieldMissing)}
	}
	return Result{Value: out.value}
}

// Terminal reports whether err will not change on retry.
func Terminal(err error) bool {
	return errors.Is(err, ErrNotFound) || errors.Is(err, ErrFieldMissing)
}
