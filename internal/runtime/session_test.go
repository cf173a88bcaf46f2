package runtime_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/l0p7/sheetlink/internal/datasource/datasourcetest"
	"github.com/l0p7/sheetlink/internal/metrics"
	"github.com/l0p7/sheetlink/internal/runtime"
	"github.com/l0p7/sheetlink/internal/runtime/formulas"
	"github.com/l0p7/sheetlink/internal/runtime/refresh"
)

func newManager(t *testing.T) (*runtime.Manager, *datasourcetest.Service) {
	t.Helper()
	svc := datasourcetest.Wrap(datasourcetest.NewMemory(t, datasourcetest.Partners()))
	mgr := runtime.NewManager(slog.New(slog.NewTextHandler(io.Discard, nil)), runtime.ManagerOptions{
		Source:   svc,
		Registry: formulas.NewRegistry("ODOO", formulas.DefaultPlaceholders()),
		Metrics:  metrics.NewRecorder(nil),
		Session:  runtime.SessionOptions{RefreshDelay: 10 * time.Millisecond, FetchTimeout: time.Second},
	})
	t.Cleanup(mgr.Close)
	return mgr, svc
}

func receive(t *testing.T, ch <-chan refresh.Signal) refresh.Signal {
	t.Helper()
	select {
	case sig, ok := <-ch:
		require.True(t, ok, "subscription closed")
		return sig
	case <-time.After(2 * time.Second):
		t.Fatal("no refresh signal")
	}
	return refresh.Signal{}
}

func TestSessionEvaluateRefreshCycle(t *testing.T) {
	mgr, svc := newManager(t)
	s, err := mgr.Create()
	require.NoError(t, err)
	events, unsubscribe := s.Subscribe()
	defer unsubscribe()

	first := s.Evaluate("Sheet1!A1", "ODOO.GET_FIELD", []any{"res.partner", float64(1), "name"})
	require.True(t, first.RequiresRefresh)
	require.Equal(t, "Loading...", first.Value)

	sig := receive(t, events)
	require.Equal(t, uint64(1), sig.Seq)

	second := s.Evaluate("Sheet1!A1", "get_field", []any{"res.partner", "1", "name"})
	require.False(t, second.RequiresRefresh)
	require.Nil(t, second.Error)
	require.Equal(t, "Acme", second.Value)
	require.Equal(t, formulas.FormatText, second.Format)
	require.Equal(t, 1, svc.Calls("FetchFields"))
}

func TestSessionValidationErrorsAreSynchronous(t *testing.T) {
	mgr, svc := newManager(t)
	s, err := mgr.Create()
	require.NoError(t, err)

	out := s.Evaluate("A1", "GET_FIELD", []any{"res.partner", "", "name"})
	require.NotNil(t, out.Error)
	require.Equal(t, formulas.CodeAllParametersRequired, out.Error.Code)
	require.False(t, out.RequiresRefresh)

	out = s.Evaluate("A1", "NOPE", nil)
	require.NotNil(t, out.Error)
	require.Equal(t, formulas.CodeUnknownFunction, out.Error.Code)
	require.Zero(t, svc.Calls("FetchFields"))
	require.Zero(t, s.CacheLen())
}

func TestSessionWarmUpPrimesDefaultSearch(t *testing.T) {
	mgr, svc := newManager(t)
	s, err := mgr.Create()
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	s.WarmUp(ctx, "res.partner", "", "sale.order")
	require.Equal(t, 2, svc.Calls("Search"))

	out := s.Evaluate("B2", "COUNT_BY_DOMAIN", []any{"res.partner", ""})
	require.False(t, out.RequiresRefresh)
	require.Equal(t, float64(4), out.Value)
	require.Equal(t, formulas.FormatCount, out.Format)
	require.Equal(t, 2, svc.Calls("Search"))
}

func TestSessionWarmUpIgnoresFailures(t *testing.T) {
	mgr, svc := newManager(t)
	s, err := mgr.Create()
	require.NoError(t, err)
	svc.Fail(errors.New("connection refused"))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	s.WarmUp(ctx, "res.partner")
	require.Equal(t, 1, svc.Calls("Search"))
	require.Zero(t, s.CacheLen())

	svc.Fail(nil)
	var out formulas.Outcome
	require.Eventually(t, func() bool {
		out = s.Evaluate("B2", "COUNT_BY_DOMAIN", []any{"res.partner", ""})
		return out.Error != nil || !out.RequiresRefresh
	}, 2*time.Second, 2*time.Millisecond)
	require.Nil(t, out.Error)
	require.Equal(t, float64(4), out.Value)
	require.Equal(t, 2, svc.Calls("Search"))
}

func TestSessionInvalidateModelRefetches(t *testing.T) {
	mgr, svc := newManager(t)
	s, err := mgr.Create()
	require.NoError(t, err)
	events, unsubscribe := s.Subscribe()
	defer unsubscribe()

	s.Evaluate("A1", "GET_FIELD", []any{"res.partner", float64(2), "name"})
	receive(t, events)
	require.Equal(t, "Bob", s.Evaluate("A1", "GET_FIELD", []any{"res.partner", float64(2), "name"}).Value)

	require.Zero(t, s.InvalidateModel("sale.order"))
	require.Equal(t, 1, s.InvalidateModel("res.partner"))
	receive(t, events)

	out := s.Evaluate("A1", "GET_FIELD", []any{"res.partner", float64(2), "name"})
	require.True(t, out.RequiresRefresh)
	receive(t, events)
	require.Equal(t, "Bob", s.Evaluate("A1", "GET_FIELD", []any{"res.partner", float64(2), "name"}).Value)
	require.Equal(t, 2, svc.Calls("FetchFields"))
}

func TestSessionInvalidateCellKeepsSharedKeys(t *testing.T) {
	mgr, _ := newManager(t)
	s, err := mgr.Create()
	require.NoError(t, err)
	events, unsubscribe := s.Subscribe()
	defer unsubscribe()

	args := []any{"res.partner", float64(3), "name"}
	s.Evaluate("A1", "GET_FIELD", args)
	s.Evaluate("A2", "GET_FIELD", args)
	receive(t, events)

	require.Zero(t, s.InvalidateCell("A1"))
	require.Equal(t, "Corp", s.Evaluate("A2", "GET_FIELD", args).Value)
	require.Equal(t, 1, s.InvalidateCell("A2"))
	require.Zero(t, s.CacheLen())
}

func TestSessionCloseEndsSubscriptions(t *testing.T) {
	mgr, _ := newManager(t)
	s, err := mgr.Create()
	require.NoError(t, err)
	events, unsubscribe := s.Subscribe()

	require.NoError(t, mgr.CloseSession(s.ID()))
	_, ok := <-events
	require.False(t, ok)
	unsubscribe()

	late, _ := s.Subscribe()
	_, ok = <-late
	require.False(t, ok)
}

func TestManagerLifecycle(t *testing.T) {
	mgr, _ := newManager(t)
	a, err := mgr.Create()
	require.NoError(t, err)
	b, err := mgr.Create()
	require.NoError(t, err)
	require.NotEqual(t, a.ID(), b.ID())
	require.Equal(t, 2, mgr.Len())

	got, err := mgr.Get(a.ID())
	require.NoError(t, err)
	require.Same(t, a, got)

	require.NoError(t, mgr.CloseSession(a.ID()))
	_, err = mgr.Get(a.ID())
	require.ErrorIs(t, err, runtime.ErrSessionNotFound)
	require.ErrorIs(t, mgr.CloseSession(a.ID()), runtime.ErrSessionNotFound)
	require.Equal(t, []string{b.ID()}, mgr.IDs())

	mgr.Close()
	require.Zero(t, mgr.Len())
	_, err = mgr.Create()
	require.ErrorIs(t, err, runtime.ErrManagerClosed)
}

func TestManagerInvalidateAll(t *testing.T) {
	mgr, _ := newManager(t)
	sessions := make([]*runtime.Session, 2)
	for i := range sessions {
		s, err := mgr.Create()
		require.NoError(t, err)
		sessions[i] = s
		events, unsubscribe := s.Subscribe()
		defer unsubscribe()
		s.Evaluate("A1", "GET_IDS", []any{"sale.order", "", "", "", "state=sale"})
		receive(t, events)
	}

	require.Equal(t, 2, mgr.InvalidateAll())
	for _, s := range sessions {
		require.Zero(t, s.CacheLen())
	}
}
