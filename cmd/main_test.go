package main

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/gavv/httpexpect/v2"
	"github.com/stretchr/testify/require"

	"github.com/l0p7/sheetlink/internal/config"
	"github.com/l0p7/sheetlink/internal/datasource"
	"github.com/l0p7/sheetlink/internal/datasource/datasourcetest"
	"github.com/l0p7/sheetlink/internal/domain"
	"github.com/l0p7/sheetlink/internal/record"
	"github.com/l0p7/sheetlink/internal/templates"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

func seededConfig(kind string) config.Config {
	cfg := config.DefaultConfig()
	cfg.Server.Logging.Level = "error"
	cfg.Server.Templates.TemplatesFolder = ""
	cfg.Datasource.Kind = kind
	cfg.Datasource.Fixtures.Path = "fixtures"
	cfg.Fixtures = config.FixtureBundle{
		Models:  datasourcetest.Partners(),
		Sources: []string{"fixtures/partners.yaml"},
	}
	return cfg
}

func TestBuildDatasource(t *testing.T) {
	tests := []struct {
		name   string
		cfg    func(t *testing.T) config.Config
		seeded bool
	}{
		{
			name:   "memory",
			cfg:    func(*testing.T) config.Config { return seededConfig(config.KindMemory) },
			seeded: true,
		},
		{
			name: "valkey",
			cfg: func(t *testing.T) config.Config {
				mr := miniredis.RunT(t)
				cfg := seededConfig(config.KindValkey)
				cfg.Datasource.Valkey.Address = mr.Addr()
				return cfg
			},
			seeded: true,
		},
		{
			name: "sql",
			cfg: func(t *testing.T) config.Config {
				cfg := seededConfig(config.KindSQL)
				cfg.Datasource.SQL.DSN = filepath.Join(t.TempDir(), "records.db")
				return cfg
			},
			seeded: true,
		},
		{
			name: "jsonrpc",
			cfg: func(*testing.T) config.Config {
				cfg := seededConfig(config.KindJSONRPC)
				cfg.Datasource.JSONRPC.URL = "http://127.0.0.1:8069"
				cfg.Datasource.JSONRPC.Headers = map[string]string{"X-Model": "{{ .model }}"}
				return cfg
			},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := tc.cfg(t)
			source, err := buildDatasource(context.Background(), cfg, newTestLogger(), templates.NewRenderer(nil))
			require.NoError(t, err)
			t.Cleanup(source.Close)
			require.Equal(t, tc.name, source.kind)

			if !tc.seeded {
				require.Nil(t, source.reload)
				return
			}

			ctx := context.Background()
			rec, err := source.FetchFields(ctx, "res.partner", 1, []string{"name"})
			require.NoError(t, err)
			require.Equal(t, "Acme", rec["name"])

			require.NoError(t, source.reload(ctx, map[string][]record.Record{
				"res.partner": {{"id": 9, "name": "Zed"}},
			}))
			ids, err := source.Search(ctx, "res.partner", domain.Default(), datasource.SearchOptions{})
			require.NoError(t, err)
			require.Equal(t, []int64{9}, ids)
		})
	}
}

func TestBuildDatasourceErrors(t *testing.T) {
	cfg := seededConfig("oracle")
	_, err := buildDatasource(context.Background(), cfg, newTestLogger(), nil)
	require.ErrorContains(t, err, "unsupported kind")

	cfg = seededConfig(config.KindJSONRPC)
	cfg.Datasource.JSONRPC.URL = "ftp://example.com"
	_, err = buildDatasource(context.Background(), cfg, newTestLogger(), templates.NewRenderer(nil))
	require.Error(t, err)

	cfg = seededConfig(config.KindValkey)
	cfg.Datasource.Valkey.Address = "127.0.0.1:1"
	_, err = buildDatasource(context.Background(), cfg, newTestLogger(), nil)
	require.Error(t, err)
}

func TestRunLoaderError(t *testing.T) {
	overrideConfigLoader(t, func(_, _ string) configLoader {
		return &fakeLoader{loadErr: errors.New("boom")}
	})

	err := run(context.Background(), "SHEETLINK", "")
	require.Error(t, err)
	require.Contains(t, err.Error(), "load configuration")
}

func TestRunServerConstructorError(t *testing.T) {
	overrideConfigLoader(t, func(_, _ string) configLoader {
		return &fakeLoader{cfg: seededConfig(config.KindMemory)}
	})
	overrideHTTPServer(t, func(config.Config, *slog.Logger, http.Handler) (runnableServer, error) {
		return nil, errors.New("construct failed")
	})

	err := run(context.Background(), "SHEETLINK", "")
	require.Error(t, err)
	require.Contains(t, err.Error(), "construct failed")
}

func TestRunServerRunError(t *testing.T) {
	overrideConfigLoader(t, func(_, _ string) configLoader {
		return &fakeLoader{cfg: seededConfig(config.KindMemory)}
	})
	stub := &stubServer{err: errors.New("run failed")}
	overrideHTTPServer(t, func(config.Config, *slog.Logger, http.Handler) (runnableServer, error) {
		return stub, nil
	})

	err := run(context.Background(), "SHEETLINK", "")
	require.Error(t, err)
	require.Contains(t, err.Error(), "run failed")
	require.Len(t, stub.hooks, 1, "expected event streams to be closed on shutdown")
}

func TestRunServesSessionsAndReloadsFixtures(t *testing.T) {
	cfg := seededConfig(config.KindMemory)
	cfg.Datasource.Fixtures.Watch = true
	cfg.Engine.RefreshDelay = 5 * time.Millisecond
	stopped := false
	loader := &fakeLoader{cfg: cfg, stopped: &stopped}
	overrideConfigLoader(t, func(_, _ string) configLoader { return loader })

	overrideHTTPServer(t, func(_ config.Config, _ *slog.Logger, handler http.Handler) (runnableServer, error) {
		return &handlerServer{handler: handler, check: func(expect *httpexpect.Expect) {
			expect.GET("/healthz").
				Expect().
				Status(http.StatusOK).
				JSON().Object().
				HasValue("datasource", "memory").
				HasValue("fixtureRecords", 8)

			id := expect.POST("/v1/sessions").
				Expect().
				Status(http.StatusCreated).
				JSON().Object().Value("id").String().Raw()

			call := map[string]any{"cell": "A1", "function": "ODOO.GET_FIELD", "args": []any{"res.partner", 1, "name"}}
			require.Eventually(t, func() bool {
				out := expect.POST("/v1/sessions/{id}/evaluate", id).WithJSON(call).
					Expect().Status(http.StatusOK).JSON().Object().Raw()
				return out["value"] == "Acme"
			}, 2*time.Second, 5*time.Millisecond)

			require.NotNil(t, loader.onChange, "expected fixtures watcher to be registered")
			loader.onChange(config.FixtureBundle{
				Models: map[string][]record.Record{"res.partner": {{"id": 1, "name": "Acme Renamed"}}},
			})

			expect.GET("/v1/sessions/{id}", id).
				Expect().
				Status(http.StatusOK).
				JSON().Object().HasValue("cacheEntries", 0)
			require.Eventually(t, func() bool {
				out := expect.POST("/v1/sessions/{id}/evaluate", id).WithJSON(call).
					Expect().Status(http.StatusOK).JSON().Object().Raw()
				return out["value"] == "Acme Renamed"
			}, 2*time.Second, 5*time.Millisecond)

			expect.GET("/healthz").
				Expect().
				Status(http.StatusOK).
				JSON().Object().HasValue("fixtureRecords", 1)
		}, t: t}, nil
	})

	require.NoError(t, run(context.Background(), "SHEETLINK", ""))
	require.True(t, loader.watchSeen)
	require.True(t, stopped, "expected watcher to be stopped on shutdown")
}

func TestRunSkipsWatcherForRemoteDatasource(t *testing.T) {
	cfg := seededConfig(config.KindJSONRPC)
	cfg.Datasource.JSONRPC.URL = "http://127.0.0.1:8069"
	cfg.Datasource.Fixtures.Watch = true
	loader := &fakeLoader{cfg: cfg}
	overrideConfigLoader(t, func(_, _ string) configLoader { return loader })
	overrideHTTPServer(t, func(config.Config, *slog.Logger, http.Handler) (runnableServer, error) {
		return &stubServer{}, nil
	})

	require.NoError(t, run(context.Background(), "SHEETLINK", ""))
	require.False(t, loader.watchSeen)
}

func overrideConfigLoader(t *testing.T, fn func(string, string) configLoader) {
	original := newConfigLoader
	newConfigLoader = fn
	t.Cleanup(func() { newConfigLoader = original })
}

func overrideHTTPServer(t *testing.T, fn func(config.Config, *slog.Logger, http.Handler) (runnableServer, error)) {
	original := newHTTPServer
	newHTTPServer = fn
	t.Cleanup(func() { newHTTPServer = original })
}

type fakeLoader struct {
	cfg       config.Config
	loadErr   error
	watchErr  error
	stopped   *bool
	watchSeen bool
	onChange  func(config.FixtureBundle)
}

func (f *fakeLoader) Load(context.Context) (config.Config, error) {
	if f.loadErr != nil {
		return config.Config{}, f.loadErr
	}
	return f.cfg, nil
}

func (f *fakeLoader) WatchFixtures(_ context.Context, _ config.Config, onChange func(config.FixtureBundle), _ func(error)) (fixturesWatcher, error) {
	f.watchSeen = true
	if f.watchErr != nil {
		return nil, f.watchErr
	}
	f.onChange = onChange
	return &noOpWatcher{stopped: f.stopped}, nil
}

type noOpWatcher struct {
	stopped *bool
}

func (n *noOpWatcher) Stop() {
	if n.stopped != nil {
		*n.stopped = true
	}
}

type stubServer struct {
	err   error
	hooks []func()
}

func (s *stubServer) Run(context.Context) error {
	return s.err
}

func (s *stubServer) RegisterOnShutdown(fn func()) {
	s.hooks = append(s.hooks, fn)
}

// handlerServer serves the wired handler from an httptest server for the
// duration of check.
type handlerServer struct {
	t       *testing.T
	handler http.Handler
	check   func(*httpexpect.Expect)
}

func (h *handlerServer) RegisterOnShutdown(func()) {}

func (h *handlerServer) Run(context.Context) error {
	srv := httptest.NewServer(h.handler)
	defer srv.Close()
	h.check(httpexpect.WithConfig(httpexpect.Config{
		BaseURL:  srv.URL,
		Reporter: httpexpect.NewRequireReporter(h.t),
		Client:   srv.Client(),
	}))
	return nil
}
