// Package search runs filtered, ordered, limited id queries through the
// request cache.
package search

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/l0p7/sheetlink/internal/datasource"
	"github.com/l0p7/sheetlink/internal/domain"
	"github.com/l0p7/sheetlink/internal/runtime/requestcache"
)

// ErrUnsortable reports that records match the domain but the service could
// not order them by the requested field.
var ErrUnsortable = errors.New("records cannot be ordered by field")

// KindSearch tags id queries in cache keys and metrics.
const KindSearch = "search"

// Options shapes the result list. Limit <= 0 is unlimited.
type Options struct {
	OrderField string
	Direction  string
	Limit      int
}

func (o Options) normalized() Options {
	o.OrderField = strings.TrimSpace(o.OrderField)
	if datasource.ParseDirection(o.Direction) {
		o.Direction = "desc"
	} else {
		o.Direction = "asc"
	}
	if o.Limit < 0 {
		o.Limit = 0
	}
	return o
}

// Result follows the refresh-flag convention. A resolved empty IDs slice
// means no records matched.
type Result struct {
	IDs             []int64
	RequiresRefresh bool
	Err             error
}

type outcome struct {
	ids        []int64
	unsortable bool
}

// Searcher resolves id queries for one session.
type Searcher struct {
	cache  *requestcache.Cache
	source datasource.Service
}

// New wires a searcher to a session cache and a record service.
func New(cache *requestcache.Cache, source datasource.Service) *Searcher {
	return &Searcher{cache: cache, source: source}
}

// Key returns the cache key for a search. An empty domain is keyed as the
// default id > 0 domain it executes as.
func Key(cell, model string, d domain.Domain, opts Options) requestcache.Key {
	opts = opts.normalized()
	return requestcache.Key{
		Kind:   KindSearch,
		Model:  model,
		Domain: domain.Serialize(d.OrDefault()),
		Options: map[string]string{
			"order": opts.OrderField,
			"dir":   opts.Direction,
			"limit": strconv.Itoa(opts.Limit),
		},
		Cell: cell,
	}
}

// Search returns the matching ids or schedules the query.
func (s *Searcher) Search(cell, model string, d domain.Domain, opts Options) Result {
	opts = opts.normalized()
	d = d.OrDefault()
	key := Key(cell, model, d, opts)

	res := s.cache.Ensure(key, func(ctx context.Context) (any, error) {
		return s.fetch(ctx, model, d, opts)
	})
	switch res.State {
	case requestcache.Resolved:
	case requestcache.Failed:
		return Result{Err: fmt.Errorf("search %s: %w", model, res.Err)}
	default:
		return Result{RequiresRefresh: true}
	}

	out, _ := res.Value.(outcome)
	if out.unsortable {
		return Result{Err: fmt.Errorf("%s by %q: %w", model, opts.OrderField, ErrUnsortable)}
	}
	return Result{IDs: out.ids}
}

func (s *Searcher) fetch(ctx context.Context, model string, d domain.Domain, opts Options) (any, error) {
	ids, err := s.source.Search(ctx, model, d, datasource.SearchOptions{
		OrderField: opts.OrderField,
		Descending: opts.Direction == "desc",
		Limit:      opts.Limit,
	})
	if err != nil {
		return nil, err
	}
	if ids == nil {
		ids = []int64{}
	}
	if len(ids) > 0 || !checksOrder(opts.OrderField) {
		return outcome{ids: ids}, nil
	}

	unordered, err := s.source.Search(ctx, model, d, datasource.SearchOptions{Limit: 1})
	if err != nil {
		return nil, err
	}
	return outcome{ids: ids, unsortable: len(unordered) > 0}, nil
}

func checksOrder(field string) bool {
	switch field {
	case "", "id", "name":
		return false
	default:
		return true
	}
}
