package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Config holds every server-level option plus the fixture bundle once it is loaded.
type Config struct {
	Server     ServerConfig     `koanf:"server"`
	Engine     EngineConfig     `koanf:"engine"`
	Datasource DatasourceConfig `koanf:"datasource"`

	// Fixtures holds the records read from datasource.fixtures when the
	// selected adapter is seeded from files. It is excluded from koanf so the
	// value only reflects what the loader discovered on disk.
	Fixtures FixtureBundle `koanf:"-"`
}

// ServerConfig collects the HTTP bootstrap knobs.
type ServerConfig struct {
	Listen    ListenConfig    `koanf:"listen"`
	Logging   LoggingConfig   `koanf:"logging"`
	Templates TemplatesConfig `koanf:"templates"`
}

// ListenConfig instructs the HTTP listener about bind address and port.
type ListenConfig struct {
	Address string `koanf:"address"`
	Port    int    `koanf:"port"`
}

// LoggingConfig expresses log level, format, and correlation ID wiring.
type LoggingConfig struct {
	Level             string `koanf:"level"`
	Format            string `koanf:"format"`
	CorrelationHeader string `koanf:"correlationHeader"`
}

// TemplatesConfig captures the template sandbox used by outbound header templates.
type TemplatesConfig struct {
	TemplatesFolder     string   `koanf:"templatesFolder"`
	TemplatesAllowEnv   bool     `koanf:"templatesAllowEnv"`
	TemplatesAllowedEnv []string `koanf:"templatesAllowedEnv"`
}

// EngineConfig tunes every formula session.
type EngineConfig struct {
	Namespace    string             `koanf:"namespace"`
	Placeholders PlaceholdersConfig `koanf:"placeholders"`
	// RefreshDelay is the debounce window between the first loading result
	// and the refresh signal.
	RefreshDelay         time.Duration `koanf:"refreshDelay"`
	FetchTimeout         time.Duration `koanf:"fetchTimeout"`
	MaxConcurrentFetches int           `koanf:"maxConcurrentFetches"`
	CellScopedKeys       bool          `koanf:"cellScopedKeys"`
	// WarmUpModels are searched when a session opens so the first
	// aggregations resolve from cache.
	WarmUpModels []string `koanf:"warmUpModels"`
}

type PlaceholdersConfig struct {
	Loading   string `koanf:"loading"`
	NoResults string `koanf:"noResults"`
}

// DatasourceConfig selects and configures the record service adapter.
type DatasourceConfig struct {
	Kind     string         `koanf:"kind"`
	Fixtures FixturesConfig `koanf:"fixtures"`
	JSONRPC  JSONRPCConfig  `koanf:"jsonrpc"`
	Valkey   ValkeyConfig   `koanf:"valkey"`
	SQL      SQLConfig      `koanf:"sql"`
}

// FixturesConfig points at a file or folder of record documents used to seed
// the memory, valkey, and sql adapters.
type FixturesConfig struct {
	Path  string `koanf:"path"`
	Watch bool   `koanf:"watch"`
}

type JSONRPCConfig struct {
	URL     string            `koanf:"url"`
	Timeout time.Duration     `koanf:"timeout"`
	Headers map[string]string `koanf:"headers"`
}

type ValkeyConfig struct {
	Address  string          `koanf:"address"`
	Username string          `koanf:"username"`
	Password string          `koanf:"password"`
	DB       int             `koanf:"db"`
	Prefix   string          `koanf:"prefix"`
	TLS      ValkeyTLSConfig `koanf:"tls"`
}

type ValkeyTLSConfig struct {
	Enabled bool   `koanf:"enabled"`
	CAFile  string `koanf:"caFile"`
}

type SQLConfig struct {
	Driver string `koanf:"driver"`
	DSN    string `koanf:"dsn"`
}

// Datasource kinds.
const (
	KindMemory  = "memory"
	KindJSONRPC = "jsonrpc"
	KindValkey  = "valkey"
	KindSQL     = "sql"
)

// DefinitionSkip describes a fixture model the loader intentionally ignored
// because it violated invariants (for example duplicate models across files).
// Health checks surface these so operators know which definitions were
// quarantined.
type DefinitionSkip struct {
	Kind    string   `json:"kind"`
	Name    string   `json:"name"`
	Reason  string   `json:"reason"`
	Sources []string `json:"sources"`
}

// NormalizedKind returns the datasource kind in canonical form.
func (d DatasourceConfig) NormalizedKind() string {
	kind := strings.TrimSpace(strings.ToLower(d.Kind))
	if kind == "" {
		return KindMemory
	}
	return kind
}

// Seeded reports whether the selected adapter is populated from fixtures.
func (d DatasourceConfig) Seeded() bool {
	return d.NormalizedKind() != KindJSONRPC && strings.TrimSpace(d.Fixtures.Path) != ""
}

// Validate enforces invariants that keep the runtime predictable before serving traffic.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config: nil")
	}
	if c.Server.Listen.Port <= 0 || c.Server.Listen.Port > 65535 {
		return fmt.Errorf("config: listen.port invalid: %d", c.Server.Listen.Port)
	}
	if c.Engine.RefreshDelay < 0 {
		return fmt.Errorf("config: engine.refreshDelay invalid: %s", c.Engine.RefreshDelay)
	}
	if c.Engine.FetchTimeout <= 0 {
		return fmt.Errorf("config: engine.fetchTimeout invalid: %s", c.Engine.FetchTimeout)
	}
	if c.Engine.MaxConcurrentFetches < 0 {
		return fmt.Errorf("config: engine.maxConcurrentFetches invalid: %d", c.Engine.MaxConcurrentFetches)
	}
	if strings.ContainsAny(c.Engine.Namespace, ". ") {
		return fmt.Errorf("config: engine.namespace must be a single word: %q", c.Engine.Namespace)
	}
	for i, model := range c.Engine.WarmUpModels {
		if strings.TrimSpace(model) == "" {
			return fmt.Errorf("config: engine.warmUpModels[%d] empty", i)
		}
	}

	ds := c.Datasource
	switch ds.NormalizedKind() {
	case KindMemory:
	case KindJSONRPC:
		if strings.TrimSpace(ds.JSONRPC.URL) == "" {
			return errors.New("config: datasource.jsonrpc.url required for jsonrpc datasource")
		}
		if ds.JSONRPC.Timeout < 0 {
			return fmt.Errorf("config: datasource.jsonrpc.timeout invalid: %s", ds.JSONRPC.Timeout)
		}
	case KindValkey:
		if strings.TrimSpace(ds.Valkey.Address) == "" {
			return errors.New("config: datasource.valkey.address required for valkey datasource")
		}
		if ds.Valkey.DB < 0 {
			return fmt.Errorf("config: datasource.valkey.db invalid: %d", ds.Valkey.DB)
		}
	case KindSQL:
		switch strings.ToLower(strings.TrimSpace(ds.SQL.Driver)) {
		case "", "sqlite", "sqlite3", "postgres", "postgresql", "pgx":
		default:
			return fmt.Errorf("config: datasource.sql.driver unsupported: %s", ds.SQL.Driver)
		}
		if strings.TrimSpace(ds.SQL.DSN) == "" {
			return errors.New("config: datasource.sql.dsn required for sql datasource")
		}
	default:
		return fmt.Errorf("config: datasource.kind unsupported: %s", ds.Kind)
	}
	if ds.Fixtures.Watch && strings.TrimSpace(ds.Fixtures.Path) == "" {
		return errors.New("config: datasource.fixtures.watch requires datasource.fixtures.path")
	}
	return nil
}

// DefaultConfig returns the baseline values that align with the design defaults.
func DefaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Listen: ListenConfig{
				Address: "0.0.0.0",
				Port:    8080,
			},
			Logging: LoggingConfig{
				Level:             "info",
				Format:            "json",
				CorrelationHeader: "X-Request-ID",
			},
			Templates: TemplatesConfig{
				TemplatesFolder:   "./templates",
				TemplatesAllowEnv: false,
			},
		},
		Engine: EngineConfig{
			Namespace: "ODOO",
			Placeholders: PlaceholdersConfig{
				Loading:   "Loading...",
				NoResults: "No results found",
			},
			RefreshDelay:         250 * time.Millisecond,
			FetchTimeout:         30 * time.Second,
			MaxConcurrentFetches: 8,
		},
		Datasource: DatasourceConfig{
			Kind: KindMemory,
			JSONRPC: JSONRPCConfig{
				Timeout: 30 * time.Second,
			},
			Valkey: ValkeyConfig{
				Prefix: "sheetlink",
			},
			SQL: SQLConfig{
				Driver: "sqlite",
			},
		},
	}
}
