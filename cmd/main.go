package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/l0p7/sheetlink/internal/config"
	"github.com/l0p7/sheetlink/internal/logging"
	"github.com/l0p7/sheetlink/internal/metrics"
	"github.com/l0p7/sheetlink/internal/runtime"
	"github.com/l0p7/sheetlink/internal/runtime/formulas"
	"github.com/l0p7/sheetlink/internal/server"
	"github.com/l0p7/sheetlink/internal/templates"
)

func main() {
	var (
		configFile = flag.String("config", "", "path to server configuration file")
		envPrefix  = flag.String("env-prefix", "SHEETLINK", "environment variable prefix")
	)
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, *envPrefix, *configFile); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

type fixturesWatcher interface {
	Stop()
}

type configLoader interface {
	Load(context.Context) (config.Config, error)
	WatchFixtures(context.Context, config.Config, func(config.FixtureBundle), func(error)) (fixturesWatcher, error)
}

type runnableServer interface {
	Run(context.Context) error
	RegisterOnShutdown(func())
}

type fileLoader struct {
	*config.Loader
}

func (l fileLoader) WatchFixtures(ctx context.Context, cfg config.Config, onChange func(config.FixtureBundle), onError func(error)) (fixturesWatcher, error) {
	w, err := l.Loader.WatchFixtures(ctx, cfg, onChange, onError)
	if err != nil {
		return nil, err
	}
	return w, nil
}

var newConfigLoader = func(envPrefix, configFile string) configLoader {
	return fileLoader{Loader: config.NewLoader(envPrefix, configFile)}
}

var newHTTPServer = func(cfg config.Config, logger *slog.Logger, handler http.Handler) (runnableServer, error) {
	return server.New(cfg, logger, handler)
}

func run(ctx context.Context, envPrefix, configFile string) error {
	loader := newConfigLoader(envPrefix, configFile)
	cfg, err := loader.Load(ctx)
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}

	logger, err := logging.New(cfg.Server.Logging)
	if err != nil {
		return fmt.Errorf("configure logger: %w", err)
	}

	var templateSandbox *templates.Sandbox
	if folder := strings.TrimSpace(cfg.Server.Templates.TemplatesFolder); folder != "" {
		sandbox, err := templates.NewSandbox(folder, cfg.Server.Templates.TemplatesAllowEnv, cfg.Server.Templates.TemplatesAllowedEnv)
		if err != nil {
			logger.Warn("template sandbox setup failed", slog.String("templates_folder", folder), slog.Any("error", err))
		} else {
			templateSandbox = sandbox
		}
	}

	metricsRecorder := metrics.NewRecorder(prometheus.NewRegistry())

	source, err := buildDatasource(ctx, cfg, logger.With(slog.String("agent", "datasource")), templates.NewRenderer(templateSandbox))
	if err != nil {
		return err
	}
	defer source.Close()

	manager := runtime.NewManager(logger, runtime.ManagerOptions{
		Source:   source,
		Registry: buildRegistry(cfg.Engine),
		Metrics:  metricsRecorder,
		Session:  sessionOptions(cfg.Engine),
	})
	defer manager.Close()

	api, err := server.NewAPI(server.Options{
		Manager:           manager,
		Metrics:           metricsRecorder,
		Logger:            logger,
		CorrelationHeader: cfg.Server.Logging.CorrelationHeader,
		WarmUpModels:      cfg.Engine.WarmUpModels,
		WarmUpTimeout:     cfg.Engine.FetchTimeout,
		Datasource:        source.kind,
	})
	if err != nil {
		return err
	}
	if cfg.Datasource.Seeded() {
		api.UpdateFixtures(cfg.Fixtures)
		logFixtures(logger, cfg.Fixtures)
	}

	if cfg.Datasource.Seeded() && cfg.Datasource.Fixtures.Watch {
		watcher, err := loader.WatchFixtures(ctx, cfg, func(bundle config.FixtureBundle) {
			if err := source.reload(ctx, bundle.Models); err != nil {
				logger.Error("fixtures reload failed", slog.Any("error", err))
				return
			}
			manager.InvalidateAll()
			api.UpdateFixtures(bundle)
			logFixtures(logger, bundle)
		}, func(err error) {
			if err != nil {
				logger.Error("fixtures watcher error", slog.Any("error", err))
			}
		})
		if err != nil {
			logger.Error("fixtures watcher setup failed", slog.Any("error", err))
		} else {
			defer watcher.Stop()
		}
	}

	srv, err := newHTTPServer(cfg, logger, api.Handler())
	if err != nil {
		return fmt.Errorf("construct server: %w", err)
	}
	srv.RegisterOnShutdown(api.Close)
	if err := srv.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("server terminated unexpectedly", slog.Any("error", err))
		return err
	}

	logger.Info("server shutdown complete")
	return nil
}

func buildRegistry(cfg config.EngineConfig) *formulas.Registry {
	return formulas.NewRegistry(cfg.Namespace, formulas.Placeholders{
		Loading:   cfg.Placeholders.Loading,
		NoResults: cfg.Placeholders.NoResults,
	})
}

func sessionOptions(cfg config.EngineConfig) runtime.SessionOptions {
	return runtime.SessionOptions{
		RefreshDelay:         cfg.RefreshDelay,
		FetchTimeout:         cfg.FetchTimeout,
		MaxConcurrentFetches: int64(cfg.MaxConcurrentFetches),
		CellScopedKeys:       cfg.CellScopedKeys,
	}
}

func logFixtures(logger *slog.Logger, bundle config.FixtureBundle) {
	logger.Info("fixtures loaded",
		slog.Int("models", len(bundle.Models)),
		slog.Int("records", bundle.RecordCount()),
		slog.Int("sources", len(bundle.Sources)),
	)
	for _, skip := range bundle.Skipped {
		logger.Warn("fixture definition skipped",
			slog.String("kind", skip.Kind),
			slog.String("name", skip.Name),
			slog.String("reason", skip.Reason),
			slog.Any("sources", skip.Sources),
		)
	}
}
