// Package datasourcetest provides instrumented record services for tests.
package datasourcetest

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/l0p7/sheetlink/internal/datasource"
	"github.com/l0p7/sheetlink/internal/datasource/memory"
	"github.com/l0p7/sheetlink/internal/domain"
	"github.com/l0p7/sheetlink/internal/expr"
	"github.com/l0p7/sheetlink/internal/record"
)

// Partners is a small res.partner dataset shared by runtime tests.
func Partners() map[string][]record.Record {
	return map[string][]record.Record{
		"res.partner": {
			{"id": 1, "name": "Acme", "is_company": true, "country_id": []any{10, "Belgium"}, "credit": 100.5, "employees": 40},
			{"id": 2, "name": "Bob", "is_company": false, "country_id": []any{10, "Belgium"}, "credit": 20, "parent_id": []any{1, "Acme"}},
			{"id": 3, "name": "Corp", "is_company": true, "country_id": []any{20, "France"}, "credit": "7.25", "employees": 5},
			{"id": 4, "name": "Dora", "is_company": false, "country_id": nil, "credit": "n/a"},
		},
		"sale.order": {
			{"id": 11, "name": "SO011", "partner_id": []any{1, "Acme"}, "amount_total": 300, "state": "sale", "tag_ids": []any{1, 2}},
			{"id": 12, "name": "SO012", "partner_id": []any{1, "Acme"}, "amount_total": 150.25, "state": "draft"},
			{"id": 13, "name": "SO013", "partner_id": []any{3, "Corp"}, "amount_total": 700, "state": "sale"},
			{"id": 14, "name": "SO014", "partner_id": []any{2, "Bob"}, "amount_total": 700, "state": "cancel"},
		},
	}
}

// NewMemory returns a memory store seeded with models.
func NewMemory(t testing.TB, models map[string][]record.Record) *memory.Store {
	t.Helper()
	matcher, err := expr.NewMatcher()
	require.NoError(t, err)
	store := memory.New(matcher)
	require.NoError(t, store.Replace(models))
	return store
}

// Service wraps another service, counting calls and optionally holding them
// until Release or failing them with Err.
type Service struct {
	Inner datasource.Service

	mu    sync.Mutex
	calls map[string]int
	gate  chan struct{}
	err   error
}

// Wrap instruments inner.
func Wrap(inner datasource.Service) *Service {
	return &Service{Inner: inner, calls: make(map[string]int)}
}

// Hold makes later calls block until Release.
func (s *Service) Hold() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gate == nil {
		s.gate = make(chan struct{})
	}
}

// Release unblocks held calls.
func (s *Service) Release() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gate != nil {
		close(s.gate)
		s.gate = nil
	}
}

// Fail makes later calls return err; nil restores normal behavior.
func (s *Service) Fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

// Calls returns how many times method ran.
func (s *Service) Calls(method string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[method]
}

func (s *Service) enter(ctx context.Context, method string) error {
	s.mu.Lock()
	s.calls[method]++
	gate, err := s.gate, s.err
	s.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}

func (s *Service) FetchFields(ctx context.Context, model string, id int64, fields []string) (record.Record, error) {
	if err := s.enter(ctx, "FetchFields"); err != nil {
		return nil, err
	}
	return s.Inner.FetchFields(ctx, model, id, fields)
}

func (s *Service) Search(ctx context.Context, model string, d domain.Domain, opts datasource.SearchOptions) ([]int64, error) {
	if err := s.enter(ctx, "Search"); err != nil {
		return nil, err
	}
	return s.Inner.Search(ctx, model, d, opts)
}

func (s *Service) SearchRead(ctx context.Context, model string, d domain.Domain, fields []string) ([]record.Record, error) {
	if err := s.enter(ctx, "SearchRead"); err != nil {
		return nil, err
	}
	return s.Inner.SearchRead(ctx, model, d, fields)
}
