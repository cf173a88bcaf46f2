// Package aggregate computes sum, avg, count, min, and max over id sets,
// optionally grouped by a field.
package aggregate

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/l0p7/sheetlink/internal/datasource"
	"github.com/l0p7/sheetlink/internal/domain"
	"github.com/l0p7/sheetlink/internal/record"
	"github.com/l0p7/sheetlink/internal/runtime/accessor"
	"github.com/l0p7/sheetlink/internal/runtime/requestcache"
	"github.com/l0p7/sheetlink/internal/runtime/search"
)

// Function names an aggregate.
type Function string

const (
	Sum   Function = "sum"
	Avg   Function = "avg"
	Count Function = "count"
	Min   Function = "min"
	Max   Function = "max"
)

// ParseFunction maps a name onto a Function. Unknown names fall back to Sum.
func ParseFunction(name string) Function {
	switch fn := Function(strings.ToLower(strings.TrimSpace(name))); fn {
	case Sum, Avg, Count, Min, Max:
		return fn
	case "average":
		return Avg
	default:
		return Sum
	}
}

// KindRead tags the batched field reads in cache keys and metrics.
const KindRead = "read"

// Result follows the refresh-flag convention.
type Result struct {
	Value           decimal.Decimal
	RequiresRefresh bool
	Err             error
}

// Group is one group-by bucket.
type Group struct {
	Key   string
	Value decimal.Decimal
}

// GroupResult requests a refresh only while no group could be filled. Once
// any group exists it is returned as is and Incomplete reports that some
// members were still loading or failing; their settled fetches schedule the
// next evaluation.
type GroupResult struct {
	Groups          []Group
	RequiresRefresh bool
	Incomplete      bool
	Err             error
}

// Aggregator composes the accessor and searcher of one session.
type Aggregator struct {
	cache    *requestcache.Cache
	source   datasource.Service
	fields   *accessor.Accessor
	searcher *search.Searcher
}

// New wires an aggregator. fields and searcher must share cache.
func New(cache *requestcache.Cache, source datasource.Service, fields *accessor.Accessor, searcher *search.Searcher) *Aggregator {
	return &Aggregator{cache: cache, source: source, fields: fields, searcher: searcher}
}

// ReadKey returns the cache key for the batched read behind Aggregate.
func ReadKey(cell, model, field string, ids []int64) requestcache.Key {
	return requestcache.Key{
		Kind:   KindRead,
		Model:  model,
		Fields: []string{field},
		IDs:    append([]int64(nil), ids...),
		Cell:   cell,
	}
}

// Aggregate reads field for every id in one request and folds the values.
// Count weighs each existing record 1; the other functions skip values that
// are not numeric and leave them out of avg's divisor. The fold runs over the
// returned records, so repeated ids count once and unknown ids not at all.
func (a *Aggregator) Aggregate(cell, model, field string, ids []int64, fn Function) Result {
	if len(ids) == 0 {
		return Result{Value: decimal.Zero}
	}
	key := ReadKey(cell, model, field, ids)
	res := a.cache.Ensure(key, func(ctx context.Context) (any, error) {
		return a.source.SearchRead(ctx, model, datasource.IDsIn(ids), []string{field})
	})
	switch res.State {
	case requestcache.Resolved:
	case requestcache.Failed:
		return Result{Err: fmt.Errorf("aggregate %s.%s: %w", model, field, res.Err)}
	default:
		return Result{RequiresRefresh: true}
	}

	records, _ := res.Value.([]record.Record)
	var acc accumulator
	for _, rec := range records {
		if fn == Count {
			acc.count(decimal.NewFromInt(1))
			continue
		}
		raw, ok := rec[field]
		if !ok {
			continue
		}
		if n, ok := record.Decode(raw).Number(); ok {
			acc.add(n)
		}
	}
	return Result{Value: acc.result(fn)}
}

// GroupAggregate searches domain, reads groupBy and aggregateField of every
// match through the accessor, and returns groups sorted by value descending.
// Ties keep first-encountered order. limit <= 0 keeps every group.
func (a *Aggregator) GroupAggregate(cell, model, groupBy, aggregateField string, fn Function, d domain.Domain, limit int) GroupResult {
	found := a.searcher.Search(cell, model, d, search.Options{})
	if found.Err != nil {
		return GroupResult{Err: found.Err}
	}
	if found.RequiresRefresh {
		return GroupResult{RequiresRefresh: true}
	}

	var (
		order   []string
		buckets = make(map[string]*accumulator)
		loading bool
	)
	for _, id := range found.IDs {
		group := a.fields.GetField(cell, model, id, groupBy)
		var value accessor.Result
		if fn != Count {
			value = a.fields.GetField(cell, model, id, aggregateField)
		}
		if group.RequiresRefresh || value.RequiresRefresh {
			loading = true
			continue
		}
		if group.Err != nil {
			if !accessor.Terminal(group.Err) {
				loading = true
			}
			continue
		}
		groupKey, ok := group.Value.GroupKey()
		if !ok {
			continue
		}
		bucket := buckets[groupKey]
		if bucket == nil {
			bucket = &accumulator{}
			buckets[groupKey] = bucket
			order = append(order, groupKey)
		}
		if fn == Count {
			bucket.count(decimal.NewFromInt(1))
			continue
		}
		if value.Err != nil {
			if !accessor.Terminal(value.Err) {
				loading = true
			}
			continue
		}
		if n, ok := value.Value.Number(); ok {
			bucket.add(n)
		}
	}

	if len(order) == 0 && loading {
		return GroupResult{RequiresRefresh: true}
	}
	groups := make([]Group, 0, len(order))
	for _, groupKey := range order {
		groups = append(groups, Group{Key: groupKey, Value: buckets[groupKey].result(fn)})
	}
	slices.SortStableFunc(groups, func(x, y Group) int {
		return y.Value.Cmp(x.Value)
	})
	if limit > 0 && len(groups) > limit {
		groups = groups[:limit]
	}
	return GroupResult{Groups: groups, Incomplete: loading}
}

// CountByDomain counts the records matching d.
func (a *Aggregator) CountByDomain(cell, model string, d domain.Domain) Result {
	found := a.searcher.Search(cell, model, d, search.Options{})
	if found.Err != nil || found.RequiresRefresh {
		return Result{RequiresRefresh: found.RequiresRefresh, Err: found.Err}
	}
	return Result{Value: decimal.NewFromInt(int64(len(found.IDs)))}
}

// SumByDomain sums field over the records matching d.
func (a *Aggregator) SumByDomain(cell, model, field string, d domain.Domain) Result {
	found := a.searcher.Search(cell, model, d, search.Options{})
	if found.Err != nil || found.RequiresRefresh {
		return Result{RequiresRefresh: found.RequiresRefresh, Err: found.Err}
	}
	return a.Aggregate(cell, model, field, found.IDs, Sum)
}

type accumulator struct {
	sum      decimal.Decimal
	min      decimal.Decimal
	max      decimal.Decimal
	n        int64
	hasValue bool
}

func (acc *accumulator) count(weight decimal.Decimal) {
	acc.sum = acc.sum.Add(weight)
	acc.n++
}

func (acc *accumulator) add(v decimal.Decimal) {
	acc.sum = acc.sum.Add(v)
	acc.n++
	if !acc.hasValue || v.LessThan(acc.min) {
		acc.min = v
	}
	if !acc.hasValue || v.GreaterThan(acc.max) {
		acc.max = v
	}
	acc.hasValue = true
}

func (acc *accumulator) result(fn Function) decimal.Decimal {
	switch fn {
	case Count:
		return decimal.NewFromInt(acc.n)
	case Avg:
		if acc.n == 0 {
			return decimal.Zero
		}
		return acc.sum.Div(decimal.NewFromInt(acc.n))
	case Min:
		return acc.min
	case Max:
		return acc.max
	default:
		return acc.sum
	}
}
