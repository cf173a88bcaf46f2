package search_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/l0p7/sheetlink/internal/datasource/datasourcetest"
	"github.com/l0p7/sheetlink/internal/domain"
	"github.com/l0p7/sheetlink/internal/runtime/requestcache"
	"github.com/l0p7/sheetlink/internal/runtime/search"
)

func resolve(t *testing.T, s *search.Searcher, cache *requestcache.Cache, model, filter string, opts search.Options) search.Result {
	t.Helper()
	d := domain.Parse(filter)
	first := s.Search("", model, d, opts)
	if !first.RequiresRefresh {
		return first
	}
	cache.Wait(context.Background(), search.Key("", model, d, opts))
	return s.Search("", model, d, opts)
}

func newSearcher(t *testing.T) (*search.Searcher, *requestcache.Cache, *datasourcetest.Service) {
	t.Helper()
	svc := datasourcetest.Wrap(datasourcetest.NewMemory(t, datasourcetest.Partners()))
	cache := requestcache.New(requestcache.Options{})
	t.Cleanup(cache.Close)
	return search.New(cache, svc), cache, svc
}

func TestSearchMissThenHit(t *testing.T) {
	s, cache, svc := newSearcher(t)

	first := s.Search("B2", "sale.order", domain.Parse("state=sale"), search.Options{OrderField: "amount_total", Direction: "DESC"})
	require.True(t, first.RequiresRefresh)
	require.Empty(t, first.IDs)

	res := resolve(t, s, cache, "sale.order", "state=sale", search.Options{OrderField: "amount_total", Direction: "desc"})
	require.False(t, res.RequiresRefresh)
	require.NoError(t, res.Err)
	require.Equal(t, []int64{13, 11}, res.IDs)
	require.Equal(t, 1, svc.Calls("Search"))
}

func TestSearchEmptyDomainUsesDefault(t *testing.T) {
	s, cache, _ := newSearcher(t)
	res := resolve(t, s, cache, "res.partner", "", search.Options{Limit: 2})
	require.Equal(t, []int64{1, 2}, res.IDs)

	require.Equal(t,
		search.Key("", "res.partner", nil, search.Options{}).String(),
		search.Key("", "res.partner", domain.Default(), search.Options{Limit: -3}).String())
}

func TestSearchResolvedEmpty(t *testing.T) {
	s, cache, svc := newSearcher(t)
	res := resolve(t, s, cache, "res.partner", "name=Nobody", search.Options{OrderField: "name"})
	require.NoError(t, res.Err)
	require.False(t, res.RequiresRefresh)
	require.NotNil(t, res.IDs)
	require.Empty(t, res.IDs)
	require.Equal(t, 1, svc.Calls("Search"))
}

func TestSearchUnsortableOrderField(t *testing.T) {
	s, cache, svc := newSearcher(t)
	res := resolve(t, s, cache, "res.partner", "is_company!=x", search.Options{OrderField: "rank"})
	require.ErrorIs(t, res.Err, search.ErrUnsortable)
	require.Equal(t, 2, svc.Calls("Search"))
}

func TestSearchUnsortableCheckFindsNothing(t *testing.T) {
	s, cache, svc := newSearcher(t)
	res := resolve(t, s, cache, "res.partner", "name=Nobody", search.Options{OrderField: "rank"})
	require.NoError(t, res.Err)
	require.Empty(t, res.IDs)
	require.Equal(t, 2, svc.Calls("Search"))
}
