package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/l0p7/sheetlink/internal/config"
	"github.com/l0p7/sheetlink/internal/datasource"
	"github.com/l0p7/sheetlink/internal/datasource/jsonrpc"
	"github.com/l0p7/sheetlink/internal/datasource/memory"
	"github.com/l0p7/sheetlink/internal/datasource/sqlstore"
	"github.com/l0p7/sheetlink/internal/datasource/valkey"
	"github.com/l0p7/sheetlink/internal/expr"
	"github.com/l0p7/sheetlink/internal/record"
	"github.com/l0p7/sheetlink/internal/templates"
)

// recordSource is the adapter selected by datasource.kind together with the
// hooks main needs around it.
type recordSource struct {
	datasource.Service
	kind string
	// reload replaces the seeded records. It is nil for remote services.
	reload func(context.Context, map[string][]record.Record) error
	close  func()
}

func (s *recordSource) Close() {
	if s != nil && s.close != nil {
		s.close()
	}
}

func buildDatasource(ctx context.Context, cfg config.Config, logger *slog.Logger, renderer *templates.Renderer) (*recordSource, error) {
	kind := cfg.Datasource.NormalizedKind()
	switch kind {
	case config.KindMemory:
		matcher, err := expr.NewMatcher()
		if err != nil {
			return nil, fmt.Errorf("datasource: %w", err)
		}
		store := memory.New(matcher)
		if err := store.Replace(cfg.Fixtures.Models); err != nil {
			return nil, fmt.Errorf("datasource: seed memory store: %w", err)
		}
		logger.Info("using memory record store", slog.Int("records", cfg.Fixtures.RecordCount()))
		return &recordSource{
			Service: store,
			kind:    kind,
			reload: func(_ context.Context, models map[string][]record.Record) error {
				return store.Replace(models)
			},
		}, nil

	case config.KindJSONRPC:
		client, err := jsonrpc.New(jsonrpc.Options{
			URL:      cfg.Datasource.JSONRPC.URL,
			Timeout:  cfg.Datasource.JSONRPC.Timeout,
			Headers:  cfg.Datasource.JSONRPC.Headers,
			Renderer: renderer,
			Logger:   logger,
		})
		if err != nil {
			return nil, fmt.Errorf("datasource: %w", err)
		}
		logger.Info("using json-rpc record service", slog.String("url", cfg.Datasource.JSONRPC.URL))
		return &recordSource{Service: client, kind: kind}, nil

	case config.KindValkey:
		matcher, err := expr.NewMatcher()
		if err != nil {
			return nil, fmt.Errorf("datasource: %w", err)
		}
		vc := cfg.Datasource.Valkey
		store, err := valkey.New(valkey.Config{
			Address:  vc.Address,
			Username: vc.Username,
			Password: vc.Password,
			DB:       vc.DB,
			Prefix:   vc.Prefix,
			TLS:      valkey.TLSConfig{Enabled: vc.TLS.Enabled, CAFile: vc.TLS.CAFile},
		}, matcher)
		if err != nil {
			return nil, fmt.Errorf("datasource: %w", err)
		}
		if cfg.Datasource.Seeded() {
			if err := store.Replace(ctx, cfg.Fixtures.Models); err != nil {
				store.Close()
				return nil, fmt.Errorf("datasource: seed valkey store: %w", err)
			}
		}
		logger.Info("using valkey record store", slog.String("address", vc.Address), slog.String("prefix", vc.Prefix))
		return &recordSource{
			Service: store,
			kind:    kind,
			reload:  store.Replace,
			close:   store.Close,
		}, nil

	case config.KindSQL:
		store, err := sqlstore.Open(ctx, sqlstore.Options{
			Driver: cfg.Datasource.SQL.Driver,
			DSN:    cfg.Datasource.SQL.DSN,
			Logger: logger,
		})
		if err != nil {
			return nil, fmt.Errorf("datasource: %w", err)
		}
		if cfg.Datasource.Seeded() {
			if err := store.Load(ctx, cfg.Fixtures.Models); err != nil {
				_ = store.Close()
				return nil, fmt.Errorf("datasource: seed sql store: %w", err)
			}
		}
		logger.Info("using sql record store", slog.String("driver", cfg.Datasource.SQL.Driver))
		return &recordSource{
			Service: store,
			kind:    kind,
			reload:  store.Load,
			close: func() {
				if err := store.Close(); err != nil {
					logger.Error("sql store close failed", slog.Any("error", err))
				}
			},
		}, nil

	default:
		return nil, fmt.Errorf("datasource: unsupported kind %q", cfg.Datasource.Kind)
	}
}
