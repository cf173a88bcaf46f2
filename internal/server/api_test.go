package server

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gavv/httpexpect/v2"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/l0p7/sheetlink/internal/config"
	"github.com/l0p7/sheetlink/internal/datasource/datasourcetest"
	"github.com/l0p7/sheetlink/internal/metrics"
	"github.com/l0p7/sheetlink/internal/runtime"
	"github.com/l0p7/sheetlink/internal/runtime/formulas"
)

type apiFixture struct {
	api     *API
	manager *runtime.Manager
	source  *datasourcetest.Service
	server  *httptest.Server
	expect  *httpexpect.Expect
}

func newAPIFixture(t *testing.T, opts Options) *apiFixture {
	t.Helper()
	source := datasourcetest.Wrap(datasourcetest.NewMemory(t, datasourcetest.Partners()))
	recorder := metrics.NewRecorder(nil)
	manager := runtime.NewManager(newTestLogger(), runtime.ManagerOptions{
		Source:   source,
		Registry: formulas.NewRegistry("ODOO", formulas.DefaultPlaceholders()),
		Metrics:  recorder,
		Session:  runtime.SessionOptions{RefreshDelay: 10 * time.Millisecond, FetchTimeout: time.Second},
	})
	t.Cleanup(manager.Close)

	opts.Manager = manager
	opts.Metrics = recorder
	opts.Logger = newTestLogger()
	api, err := NewAPI(opts)
	require.NoError(t, err)

	srv := httptest.NewServer(api.Handler())
	t.Cleanup(srv.Close)

	return &apiFixture{
		api:     api,
		manager: manager,
		source:  source,
		server:  srv,
		expect: httpexpect.WithConfig(httpexpect.Config{
			BaseURL:  srv.URL,
			Reporter: httpexpect.NewRequireReporter(t),
			Client:   srv.Client(),
		}),
	}
}

func (f *apiFixture) createSession() string {
	return f.expect.POST("/v1/sessions").
		Expect().
		Status(http.StatusCreated).
		JSON().Object().Value("id").String().Raw()
}

// settle evaluates body until the result no longer asks for a refresh.
func (f *apiFixture) settle(t *testing.T, id string, body map[string]any) map[string]any {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		out := f.expect.POST("/v1/sessions/{id}/evaluate", id).
			WithJSON(body).
			Expect().
			Status(http.StatusOK).
			JSON().Object().Raw()
		if refresh, _ := out["requiresRefresh"].(bool); !refresh {
			return out
		}
		if time.Now().After(deadline) {
			t.Fatalf("evaluation of %v never settled", body)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestNewAPIRequiresManager(t *testing.T) {
	_, err := NewAPI(Options{})
	require.Error(t, err)
}

func TestSessionLifecycle(t *testing.T) {
	f := newAPIFixture(t, Options{})
	id := f.createSession()

	f.expect.GET("/v1/sessions/{id}", id).
		Expect().
		Status(http.StatusOK).
		JSON().Object().
		HasValue("id", id).
		HasValue("cacheEntries", 0)

	f.expect.DELETE("/v1/sessions/{id}", id).
		Expect().
		Status(http.StatusNoContent)

	f.expect.DELETE("/v1/sessions/{id}", id).
		Expect().
		Status(http.StatusNotFound).
		JSON().Object().HasValue("error", "session not found")

	f.expect.POST("/v1/sessions/{id}/evaluate", "missing").
		WithJSON(map[string]any{"function": "GET_FIELD"}).
		Expect().
		Status(http.StatusNotFound)
}

func TestEvaluateReturnsLoadingThenValue(t *testing.T) {
	f := newAPIFixture(t, Options{})
	id := f.createSession()

	body := map[string]any{"cell": "Sheet1!A1", "function": "ODOO.GET_FIELD", "args": []any{"res.partner", 1, "name"}}
	f.expect.POST("/v1/sessions/{id}/evaluate", id).
		WithJSON(body).
		Expect().
		Status(http.StatusOK).
		JSON().Object().
		HasValue("cell", "Sheet1!A1").
		HasValue("value", "Loading...").
		HasValue("requiresRefresh", true)

	out := f.settle(t, id, body)
	require.Equal(t, "Acme", out["value"])
	require.Equal(t, formulas.FormatText, out["format"])
	require.Equal(t, 1, f.source.Calls("FetchFields"))
}

func TestEvaluateBatchAndErrors(t *testing.T) {
	f := newAPIFixture(t, Options{})
	id := f.createSession()

	results := f.expect.POST("/v1/sessions/{id}/evaluate", id).
		WithJSON(map[string]any{"calls": []any{
			map[string]any{"cell": "A1", "function": "GET_FIELD", "args": []any{"", 1, "name"}},
			map[string]any{"cell": "A2", "function": "NOPE"},
			map[string]any{"cell": "A3", "function": "GET_SUM", "args": []any{"sale.order", "amount_total", "11,12"}},
		}}).
		Expect().
		Status(http.StatusOK).
		JSON().Object().Value("results").Array()
	results.Length().IsEqual(3)
	results.Value(0).Object().Value("error").Object().HasValue("code", string(formulas.CodeAllParametersRequired))
	results.Value(1).Object().Value("error").Object().HasValue("code", string(formulas.CodeUnknownFunction))
	results.Value(2).Object().HasValue("requiresRefresh", true)

	out := f.settle(t, id, map[string]any{"cell": "A3", "function": "GET_SUM", "args": []any{"sale.order", "amount_total", "11,12"}})
	require.InDelta(t, 450.25, out["value"], 1e-9)

	f.expect.POST("/v1/sessions/{id}/evaluate", id).
		WithJSON(map[string]any{"cell": "A1"}).
		Expect().
		Status(http.StatusBadRequest)

	f.expect.POST("/v1/sessions/{id}/evaluate", id).
		WithText("{").
		Expect().
		Status(http.StatusBadRequest)

	f.expect.POST("/v1/sessions/{id}/evaluate", id).
		WithJSON(map[string]any{"calls": []any{map[string]any{"cell": "A1"}}}).
		Expect().
		Status(http.StatusBadRequest).
		JSON().Object().HasValue("error", "calls[0].function required")
}

func TestInvalidateScopes(t *testing.T) {
	f := newAPIFixture(t, Options{})
	id := f.createSession()

	f.settle(t, id, map[string]any{"cell": "A1", "function": "GET_FIELD", "args": []any{"res.partner", 1, "name"}})
	f.settle(t, id, map[string]any{"cell": "A2", "function": "COUNT_BY_DOMAIN", "args": []any{"sale.order", "state=sale"}})

	f.expect.POST("/v1/sessions/{id}/invalidate", id).
		WithJSON(map[string]any{"model": "sale.order"}).
		Expect().
		Status(http.StatusOK).
		JSON().Object().
		HasValue("scope", "model").
		HasValue("removed", 1)

	f.expect.POST("/v1/sessions/{id}/invalidate", id).
		Expect().
		Status(http.StatusOK).
		JSON().Object().
		HasValue("scope", "all").
		HasValue("removed", 1)

	f.expect.POST("/v1/sessions/{id}/invalidate", id).
		WithJSON(map[string]any{"cell": "A1"}).
		Expect().
		Status(http.StatusOK).
		JSON().Object().
		HasValue("scope", "cell").
		HasValue("removed", 0)
}

func TestWarmUpPrimesCache(t *testing.T) {
	f := newAPIFixture(t, Options{WarmUpModels: []string{"res.partner"}})
	id := f.expect.POST("/v1/sessions").
		WithJSON(map[string]any{"warmUp": []string{}}).
		Expect().
		Status(http.StatusCreated).
		JSON().Object().Value("id").String().Raw()

	f.expect.POST("/v1/sessions/{id}/warmup", id).
		WithJSON(map[string]any{"models": []string{"res.partner", "sale.order"}}).
		Expect().
		Status(http.StatusOK).
		JSON().Object().HasValue("cacheEntries", 2)
	require.Equal(t, 2, f.source.Calls("Search"))

	f.expect.POST("/v1/sessions/{id}/evaluate", id).
		WithJSON(map[string]any{"cell": "A1", "function": "COUNT_BY_DOMAIN", "args": []any{"sale.order"}}).
		Expect().
		Status(http.StatusOK).
		JSON().Object().
		HasValue("value", 4).
		HasValue("requiresRefresh", false)
}

func TestCreateRunsConfiguredWarmUp(t *testing.T) {
	f := newAPIFixture(t, Options{WarmUpModels: []string{"sale.order"}})
	f.createSession()
	require.Eventually(t, func() bool {
		return f.source.Calls("Search") == 1
	}, 2*time.Second, 5*time.Millisecond)
}

func TestFormulasCatalog(t *testing.T) {
	f := newAPIFixture(t, Options{})
	obj := f.expect.GET("/v1/formulas").
		Expect().
		Status(http.StatusOK).
		JSON().Object()
	obj.HasValue("namespace", "ODOO")
	obj.Value("placeholders").Object().HasValue("loading", "Loading...")
	functions := obj.Value("functions").Array()
	functions.Length().IsEqual(7)
	functions.Value(0).Object().HasValue("qualifiedName", "ODOO.COUNT_BY_DOMAIN")
}

func TestHealthReportsFixtures(t *testing.T) {
	f := newAPIFixture(t, Options{Datasource: "memory"})
	f.createSession()

	f.expect.GET("/healthz").
		Expect().
		Status(http.StatusOK).
		JSON().Object().
		HasValue("status", "ok").
		HasValue("sessions", 1).
		HasValue("datasource", "memory").
		NotContainsKey("fixtureRecords")

	f.api.UpdateFixtures(config.FixtureBundle{
		Models:  datasourcetest.Partners(),
		Sources: []string{"records.yaml"},
		Skipped: []config.DefinitionSkip{{Kind: "model", Name: "crm.lead", Reason: "duplicate definition"}},
	})
	obj := f.expect.GET("/healthz").
		Expect().
		Status(http.StatusOK).
		JSON().Object()
	obj.HasValue("status", "degraded").HasValue("fixtureRecords", 8)
	obj.Value("skippedDefinitions").Array().Length().IsEqual(1)
}

func TestMetricsEndpoint(t *testing.T) {
	f := newAPIFixture(t, Options{})
	id := f.createSession()
	f.settle(t, id, map[string]any{"cell": "A1", "function": "GET_FIELD", "args": []any{"res.partner", 2, "name"}})

	body := f.expect.GET("/metrics").
		Expect().
		Status(http.StatusOK).
		Body().Raw()
	require.Contains(t, body, "sheetlink_formula_evaluations_total")
	require.Contains(t, body, "sheetlink_sessions_active 1")
}

func TestCorrelationHeader(t *testing.T) {
	f := newAPIFixture(t, Options{CorrelationHeader: "x-request-id"})

	f.expect.GET("/healthz").
		WithHeader("X-Request-ID", "abc-123").
		Expect().
		Header("X-Request-Id").IsEqual("abc-123")

	generated := f.expect.GET("/healthz").
		Expect().
		Header("X-Request-Id").Raw()
	require.Len(t, generated, 32)
}

func dialEvents(t *testing.T, f *apiFixture, id string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(f.server.URL, "http") + "/v1/sessions/" + id + "/events"
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	require.Equal(t, http.StatusSwitchingProtocols, resp.StatusCode)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readEvent(t *testing.T, conn *websocket.Conn) Event {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var ev Event
	require.NoError(t, conn.ReadJSON(&ev))
	return ev
}

func TestEventsStreamRefreshSignals(t *testing.T) {
	f := newAPIFixture(t, Options{})
	id := f.createSession()
	conn := dialEvents(t, f, id)

	hello := readEvent(t, conn)
	require.Equal(t, EventSubscribed, hello.Type)
	require.Equal(t, id, hello.Session)
	require.Zero(t, hello.Seq)

	f.expect.POST("/v1/sessions/{id}/evaluate", id).
		WithJSON(map[string]any{"cell": "A1", "function": "GET_IDS", "args": []any{"sale.order", "", "", "", "state=sale"}}).
		Expect().
		Status(http.StatusOK).
		JSON().Object().HasValue("requiresRefresh", true)

	ev := readEvent(t, conn)
	require.Equal(t, EventRefresh, ev.Type)
	require.Equal(t, uint64(1), ev.Seq)
	require.False(t, ev.At.IsZero())

	f.expect.DELETE("/v1/sessions/{id}", id).
		Expect().
		Status(http.StatusNoContent)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := conn.ReadMessage()
	require.True(t, websocket.IsCloseError(err, websocket.CloseGoingAway), "unexpected error: %v", err)
}

func TestCloseEndsEventStreams(t *testing.T) {
	f := newAPIFixture(t, Options{})
	id := f.createSession()
	conn := dialEvents(t, f, id)
	require.Equal(t, EventSubscribed, readEvent(t, conn).Type)

	f.api.Close()
	f.api.Close()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := conn.ReadMessage()
	var closeErr *websocket.CloseError
	require.ErrorAs(t, err, &closeErr)
	require.Equal(t, websocket.CloseGoingAway, closeErr.Code)
	require.Equal(t, "server shutting down", closeErr.Text)

	f.expect.GET("/v1/sessions/{id}", id).
		Expect().
		Status(http.StatusOK)
}

func TestEventsUnknownSession(t *testing.T) {
	f := newAPIFixture(t, Options{})
	f.expect.GET("/v1/sessions/{id}/events", "missing").
		Expect().
		Status(http.StatusNotFound)
}
