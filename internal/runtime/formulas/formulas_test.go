package formulas_test

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/l0p7/sheetlink/internal/datasource/datasourcetest"
	"github.com/l0p7/sheetlink/internal/runtime/accessor"
	"github.com/l0p7/sheetlink/internal/runtime/aggregate"
	"github.com/l0p7/sheetlink/internal/runtime/formulas"
	"github.com/l0p7/sheetlink/internal/runtime/requestcache"
	"github.com/l0p7/sheetlink/internal/runtime/search"
)

type fixture struct {
	registry *formulas.Registry
	env      formulas.Env
	svc      *datasourcetest.Service
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	svc := datasourcetest.Wrap(datasourcetest.NewMemory(t, datasourcetest.Partners()))
	cache := requestcache.New(requestcache.Options{})
	t.Cleanup(cache.Close)
	fields := accessor.New(cache, svc)
	searcher := search.New(cache, svc)
	return fixture{
		registry: formulas.NewRegistry("odoo", formulas.Placeholders{NoResults: "none"}),
		env: formulas.Env{
			Fields:    fields,
			Search:    searcher,
			Aggregate: aggregate.New(cache, svc, fields, searcher),
		},
		svc: svc,
	}
}

// eval re-evaluates until the value is no longer loading.
func (f fixture) eval(t *testing.T, name string, args ...any) formulas.Outcome {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		out := f.registry.Evaluate(f.env, "Sheet1!A1", name, args)
		if !out.RequiresRefresh {
			return out
		}
		require.Equal(t, "Loading...", out.Value)
		require.Nil(t, out.Error)
		if time.Now().After(deadline) {
			t.Fatalf("%s never settled", name)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

// evalUntil re-evaluates until the value reaches want. Grouped results fill
// in across several passes while member records arrive.
func (f fixture) evalUntil(t *testing.T, want any, name string, args ...any) formulas.Outcome {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		out := f.registry.Evaluate(f.env, "Sheet1!A1", name, args)
		if !out.RequiresRefresh && out.Value == want {
			return out
		}
		if time.Now().After(deadline) {
			t.Fatalf("%s settled on %v, want %v", name, out.Value, want)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func requireCode(t *testing.T, out formulas.Outcome, code formulas.Code) {
	t.Helper()
	require.NotNil(t, out.Error, "value %v", out.Value)
	require.Equal(t, code, out.Error.Code, out.Error.Message)
}

func TestRegistryLookup(t *testing.T) {
	r := formulas.NewRegistry("odoo", formulas.DefaultPlaceholders())
	for _, name := range []string{"GET_FIELD", "get_field", " ODOO.GET_FIELD ", "Other.get_field"} {
		fn, ok := r.Lookup(name)
		require.True(t, ok, name)
		require.Equal(t, "GET_FIELD", fn.Name)
	}
	_, ok := r.Lookup("GET_NOTHING")
	require.False(t, ok)
}

func TestRegistryCatalog(t *testing.T) {
	catalog := formulas.NewRegistry("odoo", formulas.DefaultPlaceholders()).Catalog()
	names := make([]string, len(catalog))
	for i, d := range catalog {
		names[i] = d.QualifiedName
	}
	require.Equal(t, []string{
		"ODOO.COUNT_BY_DOMAIN",
		"ODOO.GET_AGGREGATE",
		"ODOO.GET_FIELD",
		"ODOO.GET_GROUPED_IDS",
		"ODOO.GET_IDS",
		"ODOO.GET_SUM",
		"ODOO.SUM_BY_DOMAIN",
	}, names)
}

func TestRegistryPlaceholderDefaults(t *testing.T) {
	r := formulas.NewRegistry("", formulas.Placeholders{NoResults: "-"})
	require.Equal(t, formulas.Placeholders{Loading: "Loading...", NoResults: "-"}, r.Placeholders())
}

func TestEvaluateArgumentErrors(t *testing.T) {
	f := newFixture(t)
	tests := []struct {
		name string
		fn   string
		args []any
		code formulas.Code
	}{
		{name: "unknown function", fn: "GET_EVERYTHING", code: formulas.CodeUnknownFunction},
		{name: "too many arguments", fn: "GET_FIELD", args: []any{"res.partner", 1.0, "name", "extra"}, code: formulas.CodeInvalidArguments},
		{name: "missing id", fn: "GET_FIELD", args: []any{"res.partner", "", "name"}, code: formulas.CodeAllParametersRequired},
		{name: "zero id", fn: "GET_FIELD", args: []any{"res.partner", 0.0, "name"}, code: formulas.CodeAllParametersRequired},
		{name: "missing trailing args", fn: "GET_FIELD", args: []any{"res.partner"}, code: formulas.CodeAllParametersRequired},
		{name: "ids without model", fn: "GET_IDS", args: []any{""}, code: formulas.CodeAllParametersRequired},
		{name: "fractional limit", fn: "GET_IDS", args: []any{"res.partner", "", "", 1.5}, code: formulas.CodeInvalidArguments},
		{name: "broken triples", fn: "GET_IDS", args: []any{"res.partner", "", "", "", "name", "="}, code: formulas.CodeInvalidArguments},
		{name: "sum without field", fn: "GET_SUM", args: []any{"sale.order", "", "11"}, code: formulas.CodeAllParametersRequired},
		{name: "grouped without aggregate field", fn: "GET_GROUPED_IDS", args: []any{"sale.order", "partner_id", "", "sum"}, code: formulas.CodeAllParametersRequired},
		{name: "count without model", fn: "COUNT_BY_DOMAIN", code: formulas.CodeAllParametersRequired},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			out := f.registry.Evaluate(f.env, "A1", tc.fn, tc.args)
			require.False(t, out.RequiresRefresh)
			requireCode(t, out, tc.code)
		})
	}
	require.Zero(t, f.svc.Calls("FetchFields"))
	require.Zero(t, f.svc.Calls("Search"))
}

func TestGetField(t *testing.T) {
	f := newFixture(t)

	out := f.eval(t, "GET_FIELD", "res.partner", 1.0, "name")
	require.Nil(t, out.Error)
	require.Equal(t, "Acme", out.Value)
	require.Equal(t, formulas.FormatText, out.Format)

	requireCode(t, f.eval(t, "GET_FIELD", "res.partner", 99.0, "name"), formulas.CodeNotFound)
	requireCode(t, f.eval(t, "GET_FIELD", "res.partner", 1.0, "nickname"), formulas.CodeFieldMissing)
}

func TestGetIDs(t *testing.T) {
	f := newFixture(t)

	tests := []struct {
		name string
		args []any
		want string
	}{
		{name: "all", args: []any{"sale.order"}, want: "11,12,13,14"},
		{name: "filter string", args: []any{"sale.order", "", "", "", "state=sale"}, want: "11,13"},
		{name: "ordered and limited", args: []any{"sale.order", "amount_total", "desc", 2.0, "state!=cancel"}, want: "13,11"},
		{name: "triples", args: []any{"sale.order", "id", "desc", "", "state", "=", "sale", "amount_total", ">", "500"}, want: "13"},
		{name: "no match", args: []any{"sale.order", "", "", "", "state=done"}, want: "none"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			out := f.eval(t, "GET_IDS", tc.args...)
			require.Nil(t, out.Error)
			require.Equal(t, tc.want, out.Value)
		})
	}
}

func TestGetIDsUnsortable(t *testing.T) {
	f := newFixture(t)
	out := f.eval(t, "GET_IDS", "res.partner", "shoe_size", "asc", "", "")
	requireCode(t, out, formulas.CodeUnsortable)
}

func TestNumericFunctions(t *testing.T) {
	f := newFixture(t)

	tests := []struct {
		name   string
		fn     string
		args   []any
		want   float64
		format string
	}{
		{name: "sum", fn: "GET_SUM", args: []any{"sale.order", "amount_total", "11,12"}, want: 450.25, format: formulas.FormatNumber},
		{name: "sum single id", fn: "GET_SUM", args: []any{"sale.order", "amount_total", 13.0}, want: 700, format: formulas.FormatNumber},
		{name: "sum empty ids", fn: "GET_SUM", args: []any{"sale.order", "amount_total", ""}, want: 0, format: formulas.FormatNumber},
		{name: "max", fn: "GET_AGGREGATE", args: []any{"res.partner", "credit", "1,2,3,4", "max"}, want: 100.5, format: formulas.FormatNumber},
		{name: "count", fn: "GET_AGGREGATE", args: []any{"res.partner", "credit", "1,2,3,4", "count"}, want: 4, format: formulas.FormatCount},
		{name: "default sum", fn: "GET_AGGREGATE", args: []any{"res.partner", "employees", "1,3"}, want: 45, format: formulas.FormatNumber},
		{name: "sum by domain", fn: "SUM_BY_DOMAIN", args: []any{"sale.order", "amount_total", "state=sale"}, want: 1000, format: formulas.FormatNumber},
		{name: "count by domain", fn: "COUNT_BY_DOMAIN", args: []any{"res.partner", "country_id=10"}, want: 2, format: formulas.FormatCount},
		{name: "count everything", fn: "COUNT_BY_DOMAIN", args: []any{"sale.order"}, want: 4, format: formulas.FormatCount},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			out := f.eval(t, tc.fn, tc.args...)
			require.Nil(t, out.Error)
			require.InDelta(t, tc.want, out.Value, 1e-9)
			require.Equal(t, tc.format, out.Format)
		})
	}
}

func TestGetGroupedIDs(t *testing.T) {
	f := newFixture(t)

	out := f.evalUntil(t, "3,1", "GET_GROUPED_IDS", "sale.order", "partner_id", "amount_total", "sum", "state!=cancel", "")
	require.Nil(t, out.Error)
	require.Equal(t, formulas.FormatText, out.Format)

	out = f.evalUntil(t, "1", "GET_GROUPED_IDS", "sale.order", "partner_id", "", "count", "", 1.0)
	require.Nil(t, out.Error)

	out = f.eval(t, "GET_GROUPED_IDS", "sale.order", "partner_id", "amount_total", "sum", "state=done", "")
	require.Equal(t, "none", out.Value)
}

func TestGetGroupedIDsShowsPartialGroups(t *testing.T) {
	tests := []struct {
		name  string
		stall func(f fixture)
	}{
		{name: "members still loading", stall: func(f fixture) { f.svc.Hold() }},
		{name: "members failing", stall: func(f fixture) { f.svc.Fail(errors.New("connection refused")) }},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t)
			require.Equal(t, 4.0, f.eval(t, "COUNT_BY_DOMAIN", "sale.order", "").Value)
			for _, id := range []float64{11, 12} {
				f.eval(t, "GET_FIELD", "sale.order", id, "partner_id")
				f.eval(t, "GET_FIELD", "sale.order", id, "amount_total")
			}

			tc.stall(f)
			defer f.svc.Release()

			for range 3 {
				out := f.registry.Evaluate(f.env, "Sheet1!A1", "GET_GROUPED_IDS",
					[]any{"sale.order", "partner_id", "amount_total", "sum", "", ""})
				require.False(t, out.RequiresRefresh)
				require.Nil(t, out.Error)
				require.Equal(t, "1", out.Value)
				time.Sleep(5 * time.Millisecond)
			}

			f.svc.Fail(nil)
			f.svc.Release()
			f.evalUntil(t, "3,2,1", "GET_GROUPED_IDS", "sale.order", "partner_id", "amount_total", "sum", "", "")
		})
	}
}

func TestUpstreamFailureSurfacesOnceThenRetries(t *testing.T) {
	f := newFixture(t)
	f.svc.Fail(errors.New("upstream unavailable"))

	out := f.eval(t, "GET_FIELD", "res.partner", 2.0, "name")
	requireCode(t, out, formulas.CodeUpstream)
	require.Contains(t, out.Error.Message, "upstream unavailable")

	f.svc.Fail(nil)
	out = f.eval(t, "GET_FIELD", "res.partner", 2.0, "name")
	require.Nil(t, out.Error)
	require.Equal(t, "Bob", out.Value)
	require.Equal(t, 2, f.svc.Calls("FetchFields"))
}
