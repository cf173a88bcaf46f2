// Package memory is an in-process record service. Domains are evaluated with
// the shared CEL matcher so it behaves like the remote adapters on the same
// fixtures.
package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/l0p7/sheetlink/internal/datasource"
	"github.com/l0p7/sheetlink/internal/domain"
	"github.com/l0p7/sheetlink/internal/expr"
	"github.com/l0p7/sheetlink/internal/record"
)

// Store holds records per model ordered by id.
type Store struct {
	matcher *expr.Matcher

	mu     sync.RWMutex
	models map[string][]record.Record
}

// New returns an empty store.
func New(matcher *expr.Matcher) *Store {
	return &Store{matcher: matcher, models: make(map[string][]record.Record)}
}

// Replace swaps the whole dataset, as a fixture reload does.
func (s *Store) Replace(models map[string][]record.Record) error {
	next := make(map[string][]record.Record, len(models))
	for model, records := range models {
		normalized, err := normalize(model, records)
		if err != nil {
			return err
		}
		next[model] = normalized
	}
	s.mu.Lock()
	s.models = next
	s.mu.Unlock()
	return nil
}

// Put inserts or replaces records of one model.
func (s *Store) Put(model string, records ...record.Record) error {
	incoming, err := normalize(model, records)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	byID := make(map[int64]record.Record)
	for _, rec := range s.models[model] {
		id, _ := rec.ID()
		byID[id] = rec
	}
	for _, rec := range incoming {
		id, _ := rec.ID()
		byID[id] = rec
	}
	merged := make([]record.Record, 0, len(byID))
	for _, rec := range byID {
		merged = append(merged, rec)
	}
	sortByID(merged)
	s.models[model] = merged
	return nil
}

func normalize(model string, records []record.Record) ([]record.Record, error) {
	out := make([]record.Record, 0, len(records))
	for i, rec := range records {
		id, ok := rec.ID()
		if !ok || id <= 0 {
			return nil, fmt.Errorf("memory: %s record %d has no positive integer id", model, i)
		}
		clone := make(record.Record, len(rec))
		for k, v := range rec {
			clone[k] = v
		}
		clone["id"] = id
		out = append(out, clone)
	}
	sortByID(out)
	return out, nil
}

func sortByID(records []record.Record) {
	sort.SliceStable(records, func(i, j int) bool {
		a, _ := records[i].ID()
		b, _ := records[j].ID()
		return a < b
	})
}

// Models lists the models the store holds.
func (s *Store) Models(context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.models))
	for name := range s.models {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// FetchFields implements datasource.Service.
func (s *Store) FetchFields(ctx context.Context, model string, id int64, fields []string) (record.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	records := s.models[model]
	i := sort.Search(len(records), func(i int) bool {
		rid, _ := records[i].ID()
		return rid >= id
	})
	if i == len(records) {
		return nil, nil
	}
	if rid, _ := records[i].ID(); rid != id {
		return nil, nil
	}
	return datasource.Project(records[i], fields), nil
}

// Search implements datasource.Service. Ordering by a field that none of the
// matching records store yields no rows, as SQL-backed services do for an
// unknown sort column.
func (s *Store) Search(ctx context.Context, model string, d domain.Domain, opts datasource.SearchOptions) ([]int64, error) {
	matched, err := s.filter(ctx, model, d)
	if err != nil {
		return nil, err
	}
	return Select(matched, opts), nil
}

// Select orders and truncates matched records and returns their ids.
// matched must be in id order; it is reordered in place.
func Select(matched []record.Record, opts datasource.SearchOptions) []int64 {
	if opts.OrderField != "" && opts.OrderField != "id" {
		stored := false
		for _, rec := range matched {
			if _, ok := rec[opts.OrderField]; ok {
				stored = true
				break
			}
		}
		if !stored {
			return []int64{}
		}
		field := opts.OrderField
		sort.SliceStable(matched, func(i, j int) bool {
			c := Compare(matched[i][field], matched[j][field])
			if opts.Descending {
				return c > 0
			}
			return c < 0
		})
	} else if opts.Descending {
		for i, j := 0, len(matched)-1; i < j; i, j = i+1, j-1 {
			matched[i], matched[j] = matched[j], matched[i]
		}
	}
	if opts.Limit > 0 && len(matched) > opts.Limit {
		matched = matched[:opts.Limit]
	}
	ids := make([]int64, 0, len(matched))
	for _, rec := range matched {
		id, _ := rec.ID()
		ids = append(ids, id)
	}
	return ids
}

// SearchRead implements datasource.Service.
func (s *Store) SearchRead(ctx context.Context, model string, d domain.Domain, fields []string) ([]record.Record, error) {
	matched, err := s.filter(ctx, model, d)
	if err != nil {
		return nil, err
	}
	out := make([]record.Record, 0, len(matched))
	for _, rec := range matched {
		out = append(out, datasource.Project(rec, fields))
	}
	return out, nil
}

func (s *Store) filter(ctx context.Context, model string, d domain.Domain) ([]record.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	records := s.models[model]
	s.mu.RUnlock()

	var matched []record.Record
	for _, rec := range records {
		ok, err := s.matcher.Match(d, rec)
		if err != nil {
			return nil, fmt.Errorf("memory: %s: %w", model, err)
		}
		if ok {
			matched = append(matched, rec)
		}
	}
	return matched, nil
}

// Compare orders field values: nulls last, numbers (and relational ids)
// before booleans before strings, strings case-insensitively.
func Compare(a, b any) int {
	ra, rb := rank(a), rank(b)
	if ra != rb {
		return ra - rb
	}
	switch ra {
	case rankNumber:
		x, _ := number(a)
		y, _ := number(b)
		switch {
		case x < y:
			return -1
		case x > y:
			return 1
		}
		return 0
	case rankBool:
		x, y := a.(bool), b.(bool)
		switch {
		case x == y:
			return 0
		case !x:
			return -1
		}
		return 1
	case rankString:
		return strings.Compare(strings.ToLower(fmt.Sprint(a)), strings.ToLower(fmt.Sprint(b)))
	}
	return 0
}

const (
	rankNumber = iota
	rankBool
	rankString
	rankNull
)

func rank(v any) int {
	if v == nil {
		return rankNull
	}
	if _, ok := number(v); ok {
		return rankNumber
	}
	if _, ok := v.(bool); ok {
		return rankBool
	}
	return rankString
}

func number(v any) (float64, bool) {
	switch val := v.(type) {
	case float64:
		return val, true
	case int:
		return float64(val), true
	case int64:
		return float64(val), true
	case []any:
		fv := record.Decode(val)
		if fv.Kind == record.KindRelational && !fv.Many && len(fv.IDs) == 1 {
			return float64(fv.IDs[0]), true
		}
	}
	return 0, false
}
