package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Loader hydrates the runtime configuration while respecting env > file > default precedence.
type Loader struct {
	envPrefix string
	files     []string
}

// NewLoader prepares a config hydrator that honors the env-first contract before touching files or defaults.
func NewLoader(envPrefix string, files ...string) *Loader {
	return &Loader{
		envPrefix: envPrefix,
		files:     files,
	}
}

// envCanonical restores camelCase keys that env variable names cannot carry.
var envCanonical = map[string]string{
	"server.logging.correlationheader":     "server.logging.correlationHeader",
	"server.templates.templatesfolder":     "server.templates.templatesFolder",
	"server.templates.templatesallowenv":   "server.templates.templatesAllowEnv",
	"server.templates.templatesallowedenv": "server.templates.templatesAllowedEnv",
	"engine.placeholders.noresults":        "engine.placeholders.noResults",
	"engine.refreshdelay":                  "engine.refreshDelay",
	"engine.fetchtimeout":                  "engine.fetchTimeout",
	"engine.maxconcurrentfetches":          "engine.maxConcurrentFetches",
	"engine.cellscopedkeys":                "engine.cellScopedKeys",
	"engine.warmupmodels":                  "engine.warmUpModels",
	"datasource.valkey.tls.cafile":         "datasource.valkey.tls.caFile",
}

// envLists are split on commas.
var envLists = map[string]bool{
	"server.templates.templatesAllowedEnv": true,
	"engine.warmUpModels":                  true,
}

// Load assembles the effective snapshot so the lifecycle agent can make decisions using the documented precedence rules.
func (l *Loader) Load(ctx context.Context) (Config, error) {
	defaultCfg := DefaultConfig()
	k := koanf.New(".")

	if err := k.Load(confmap.Provider(structToMap(defaultCfg), "."), nil); err != nil {
		return Config{}, fmt.Errorf("config: load defaults: %w", err)
	}

	for _, path := range l.files {
		if path == "" {
			continue
		}
		select {
		case <-ctx.Done():
			return Config{}, ctx.Err()
		default:
		}
		if _, err := os.Stat(path); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return Config{}, fmt.Errorf("config: file %s not found", path)
			}
			return Config{}, fmt.Errorf("config: stat %s: %w", path, err)
		}
		parser, err := parserFor(path)
		if err != nil {
			parser = yaml.Parser()
		}
		if err := k.Load(file.Provider(path), parser); err != nil {
			return Config{}, fmt.Errorf("config: load file %s: %w", path, err)
		}
	}

	if l.envPrefix != "" {
		transform := func(key, value string) (string, any) {
			// Double underscores signal a nested path (SERVER__LISTEN__PORT -> server.listen.port).
			key = strings.TrimPrefix(key, l.envPrefix+"_")
			key = strings.ReplaceAll(key, "__", ".")
			lower := strings.ToLower(key)
			if mapped, ok := envCanonical[lower]; ok {
				key = mapped
			} else {
				// Single underscores are removed so LISTEN_PORT collapses into listenport when callers
				// choose not to use double underscores for object nesting.
				key = strings.ToLower(strings.ReplaceAll(key, "_", ""))
			}
			if envLists[key] {
				return key, splitList(value)
			}
			return key, value
		}
		if err := k.Load(env.ProviderWithValue(l.envPrefix, ".", transform), nil); err != nil {
			return Config{}, fmt.Errorf("config: load env: %w", err)
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return Config{}, fmt.Errorf("config: unmarshal: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	if cfg.Datasource.Seeded() {
		bundle, err := LoadFixtures(ctx, cfg.Datasource.Fixtures.Path)
		if err != nil {
			return Config{}, err
		}
		cfg.Fixtures = bundle
	}
	return cfg, nil
}

func splitList(value string) []string {
	var out []string
	for part := range strings.SplitSeq(value, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

// structToMap converts DefaultConfig into a map for the koanf confmap provider.
func structToMap(cfg Config) map[string]any {
	return map[string]any{
		"server": map[string]any{
			"listen": map[string]any{
				"address": cfg.Server.Listen.Address,
				"port":    cfg.Server.Listen.Port,
			},
			"logging": map[string]any{
				"level":             cfg.Server.Logging.Level,
				"format":            cfg.Server.Logging.Format,
				"correlationHeader": cfg.Server.Logging.CorrelationHeader,
			},
			"templates": map[string]any{
				"templatesFolder":     cfg.Server.Templates.TemplatesFolder,
				"templatesAllowEnv":   cfg.Server.Templates.TemplatesAllowEnv,
				"templatesAllowedEnv": cfg.Server.Templates.TemplatesAllowedEnv,
			},
		},
		"engine": map[string]any{
			"namespace": cfg.Engine.Namespace,
			"placeholders": map[string]any{
				"loading":   cfg.Engine.Placeholders.Loading,
				"noResults": cfg.Engine.Placeholders.NoResults,
			},
			"refreshDelay":         cfg.Engine.RefreshDelay,
			"fetchTimeout":         cfg.Engine.FetchTimeout,
			"maxConcurrentFetches": cfg.Engine.MaxConcurrentFetches,
			"cellScopedKeys":       cfg.Engine.CellScopedKeys,
			"warmUpModels":         cfg.Engine.WarmUpModels,
		},
		"datasource": map[string]any{
			"kind": cfg.Datasource.Kind,
			"fixtures": map[string]any{
				"path":  cfg.Datasource.Fixtures.Path,
				"watch": cfg.Datasource.Fixtures.Watch,
			},
			"jsonrpc": map[string]any{
				"url":     cfg.Datasource.JSONRPC.URL,
				"timeout": cfg.Datasource.JSONRPC.Timeout,
			},
			"valkey": map[string]any{
				"address":  cfg.Datasource.Valkey.Address,
				"username": cfg.Datasource.Valkey.Username,
				"password": cfg.Datasource.Valkey.Password,
				"db":       cfg.Datasource.Valkey.DB,
				"prefix":   cfg.Datasource.Valkey.Prefix,
				"tls": map[string]any{
					"enabled": cfg.Datasource.Valkey.TLS.Enabled,
					"caFile":  cfg.Datasource.Valkey.TLS.CAFile,
				},
			},
			"sql": map[string]any{
				"driver": cfg.Datasource.SQL.Driver,
				"dsn":    cfg.Datasource.SQL.DSN,
			},
		},
	}
}
