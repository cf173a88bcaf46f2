// Package sqlstore serves records from a SQL database, one table per model
// ("res.partner" lives in res_partner). Domains become parameterized WHERE
// clauses. SQLite (modernc.org/sqlite) and PostgreSQL (pgx) are supported.
package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"sync"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"

	"github.com/l0p7/sheetlink/internal/datasource"
	"github.com/l0p7/sheetlink/internal/domain"
	"github.com/l0p7/sheetlink/internal/record"
)

const metaTable = "sheetlink_columns"

type Options struct {
	// Driver is "sqlite" or "postgres".
	Driver string
	DSN    string
	Logger *slog.Logger
}

// Store implements datasource.Service over database/sql.
type Store struct {
	db      *sql.DB
	dialect dialect
	logger  *slog.Logger

	mu     sync.RWMutex
	tables map[string]*table
}

// Open connects, creates the column catalog if needed, and loads it.
func Open(ctx context.Context, opts Options) (*Store, error) {
	var (
		d          dialect
		driverName string
	)
	switch strings.ToLower(strings.TrimSpace(opts.Driver)) {
	case "", "sqlite", "sqlite3":
		d, driverName = sqliteDialect, "sqlite"
	case "postgres", "postgresql", "pgx":
		d, driverName = postgresDialect, "pgx"
	default:
		return nil, fmt.Errorf("sqlstore: unsupported driver %q", opts.Driver)
	}
	if strings.TrimSpace(opts.DSN) == "" {
		return nil, errors.New("sqlstore: dsn required")
	}
	db, err := sql.Open(driverName, opts.DSN)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: open: %w", err)
	}
	if d.name == "sqlite" {
		db.SetMaxOpenConns(1)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlstore: ping: %w", err)
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Store{db: db, dialect: d, logger: logger.With(slog.String("agent", "sqlstore")), tables: map[string]*table{}}

	create := "CREATE TABLE IF NOT EXISTS " + quote(metaTable) +
		" (model TEXT NOT NULL, position INTEGER NOT NULL, name TEXT NOT NULL, kind TEXT NOT NULL, PRIMARY KEY (model, position))"
	if _, err := db.ExecContext(ctx, create); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlstore: create catalog: %w", err)
	}
	if err := s.loadCatalog(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// DB exposes the handle for callers that manage their own tables.
func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) loadCatalog(ctx context.Context) error {
	rows, err := s.db.QueryContext(ctx, "SELECT model, name, kind FROM "+quote(metaTable)+" ORDER BY model, position")
	if err != nil {
		return fmt.Errorf("sqlstore: read catalog: %w", err)
	}
	defer rows.Close()
	columns := map[string][]column{}
	for rows.Next() {
		var model, name, k string
		if err := rows.Scan(&model, &name, &k); err != nil {
			return fmt.Errorf("sqlstore: scan catalog: %w", err)
		}
		columns[model] = append(columns[model], column{name: name, kind: kind(k)})
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("sqlstore: read catalog: %w", err)
	}
	tables := make(map[string]*table, len(columns))
	for model, cols := range columns {
		tables[model] = newTable(model, cols)
	}
	s.mu.Lock()
	s.tables = tables
	s.mu.Unlock()
	return nil
}

func (s *Store) table(model string) (*table, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tables[model]
	return t, ok
}

// Load replaces the listed models: each table is dropped, recreated from the
// shape of its records, and filled, all in one transaction. Models not listed
// are left alone.
func (s *Store) Load(ctx context.Context, models map[string][]record.Record) error {
	names := make([]string, 0, len(models))
	for model := range models {
		if !domain.ValidField(model) {
			return fmt.Errorf("%w: model %q", datasource.ErrInvalidIdentifier, model)
		}
		names = append(names, model)
	}
	sort.Strings(names)

	built := make(map[string]*table, len(names))
	for _, model := range names {
		t, err := inferTable(model, models[model])
		if err != nil {
			return err
		}
		built[model] = t
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlstore: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, model := range names {
		if err := s.createTable(ctx, tx, built[model], models[model]); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sqlstore: commit: %w", err)
	}

	s.mu.Lock()
	for model, t := range built {
		s.tables[model] = t
	}
	s.mu.Unlock()
	s.logger.Info("records loaded", slog.Int("models", len(names)))
	return nil
}

func (s *Store) createTable(ctx context.Context, tx *sql.Tx, t *table, records []record.Record) error {
	if _, err := tx.ExecContext(ctx, "DROP TABLE IF EXISTS "+quote(t.name)); err != nil {
		return fmt.Errorf("sqlstore: drop %s: %w", t.name, err)
	}

	defs := make([]string, 0, len(t.columns)+1)
	names := make([]string, 0, len(t.columns)+1)
	for _, c := range t.columns {
		if c.name == "id" {
			defs = append(defs, quote("id")+" "+s.dialect.types[kindInteger]+" PRIMARY KEY")
			names = append(names, quote("id"))
			continue
		}
		defs = append(defs, quote(c.name)+" "+s.dialect.types[c.kind])
		names = append(names, quote(c.name))
		if c.kind == kindRelation {
			defs = append(defs, quote(c.name+labelSuffix)+" TEXT")
			names = append(names, quote(c.name+labelSuffix))
		}
	}
	if _, err := tx.ExecContext(ctx, "CREATE TABLE "+quote(t.name)+" ("+strings.Join(defs, ", ")+")"); err != nil {
		return fmt.Errorf("sqlstore: create %s: %w", t.name, err)
	}

	b := builder{d: s.dialect}
	b.write("DELETE FROM ", quote(metaTable), " WHERE model = ")
	b.arg(t.model)
	if _, err := tx.ExecContext(ctx, b.String(), b.args...); err != nil {
		return fmt.Errorf("sqlstore: clear catalog for %s: %w", t.model, err)
	}
	for i, c := range t.columns {
		b := builder{d: s.dialect}
		b.write("INSERT INTO ", quote(metaTable), " (model, position, name, kind) VALUES (")
		b.arg(t.model)
		b.write(", ")
		b.arg(i)
		b.write(", ")
		b.arg(c.name)
		b.write(", ")
		b.arg(string(c.kind))
		b.write(")")
		if _, err := tx.ExecContext(ctx, b.String(), b.args...); err != nil {
			return fmt.Errorf("sqlstore: catalog %s.%s: %w", t.model, c.name, err)
		}
	}

	for _, rec := range records {
		b := builder{d: s.dialect}
		b.write("INSERT INTO ", quote(t.name), " (", strings.Join(names, ", "), ") VALUES (")
		first := true
		for _, c := range t.columns {
			values, err := storageValues(c, rec[c.name])
			if err != nil {
				return fmt.Errorf("sqlstore: %s: %w", t.model, err)
			}
			if c.name == "id" {
				id, _ := rec.ID()
				values = []any{id}
			}
			for _, v := range values {
				if !first {
					b.write(", ")
				}
				first = false
				b.arg(v)
			}
		}
		b.write(")")
		if _, err := tx.ExecContext(ctx, b.String(), b.args...); err != nil {
			return fmt.Errorf("sqlstore: insert into %s: %w", t.name, err)
		}
	}
	return nil
}

// Models implements datasource.Models.
func (s *Store) Models(context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.tables))
	for name := range s.tables {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// selectList renders the columns for fields plus id, skipping fields the
// table lacks.
func selectList(t *table, fields []string) ([]column, string) {
	cols := []column{t.byName["id"]}
	parts := []string{quote("id")}
	seen := map[string]bool{"id": true}
	for _, f := range fields {
		c, ok := t.byName[f]
		if !ok || seen[f] {
			continue
		}
		seen[f] = true
		cols = append(cols, c)
		parts = append(parts, quote(c.name))
		if c.kind == kindRelation {
			parts = append(parts, quote(c.name+labelSuffix))
		}
	}
	return cols, strings.Join(parts, ", ")
}

func (s *Store) query(ctx context.Context, t *table, cols []column, query string, args []any) ([]record.Record, error) {
	if s.logger.Enabled(ctx, slog.LevelDebug) {
		s.logger.LogAttrs(ctx, slog.LevelDebug, "query", slog.String("sql", query), slog.Int("args", len(args)))
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: sqlstore: %s: %v", datasource.ErrUpstream, t.model, err)
	}
	defer rows.Close()

	width := 0
	for _, c := range cols {
		width++
		if c.kind == kindRelation {
			width++
		}
	}
	var out []record.Record
	for rows.Next() {
		raw := make([]any, width)
		ptrs := make([]any, width)
		for i := range raw {
			ptrs[i] = &raw[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("%w: sqlstore: scan %s: %v", datasource.ErrUpstream, t.model, err)
		}
		rec := make(record.Record, len(cols))
		pos := 0
		for _, c := range cols {
			var label any
			value := raw[pos]
			pos++
			if c.kind == kindRelation {
				label = raw[pos]
				pos++
			}
			v, err := readValue(c, value, label)
			if err != nil {
				return nil, fmt.Errorf("sqlstore: decode %s.%s: %w", t.model, c.name, err)
			}
			rec[c.name] = v
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: sqlstore: %s: %v", datasource.ErrUpstream, t.model, err)
	}
	return out, nil
}

// FetchFields implements datasource.Service.
func (s *Store) FetchFields(ctx context.Context, model string, id int64, fields []string) (record.Record, error) {
	t, ok := s.table(model)
	if !ok {
		return nil, nil
	}
	cols, list := selectList(t, fields)
	b := builder{d: s.dialect}
	b.write("SELECT ", list, " FROM ", quote(t.name), " WHERE ", quote("id"), " = ")
	b.arg(id)
	rows, err := s.query(ctx, t, cols, b.String(), b.args)
	if err != nil || len(rows) == 0 {
		return nil, err
	}
	return rows[0], nil
}

// Search implements datasource.Service. Ordering by a field no matching
// record stores yields no rows, as it does in the memory store.
func (s *Store) Search(ctx context.Context, model string, d domain.Domain, opts datasource.SearchOptions) ([]int64, error) {
	t, ok := s.table(model)
	if !ok {
		return []int64{}, nil
	}
	order := strings.TrimSpace(opts.OrderField)
	if order == "" {
		order = "id"
	}
	if _, ok := t.byName[order]; !ok {
		return []int64{}, nil
	}
	if order != "id" {
		stored, err := s.anyStored(ctx, t, d, order)
		if err != nil {
			return nil, err
		}
		if !stored {
			return []int64{}, nil
		}
	}

	b := builder{d: s.dialect}
	b.write("SELECT ", quote("id"), " FROM ", quote(t.name), " WHERE ")
	b.where(t, d)
	b.write(" ", orderBy(order, opts.Descending))
	if opts.Limit > 0 {
		b.write(" LIMIT " + strconv.Itoa(opts.Limit))
	}
	rows, err := s.query(ctx, t, []column{t.byName["id"]}, b.String(), b.args)
	if err != nil {
		return nil, err
	}
	ids := make([]int64, 0, len(rows))
	for _, rec := range rows {
		id, _ := rec.ID()
		ids = append(ids, id)
	}
	return ids, nil
}

func (s *Store) anyStored(ctx context.Context, t *table, d domain.Domain, field string) (bool, error) {
	b := builder{d: s.dialect}
	b.write("SELECT COUNT(", quote(field), ") FROM ", quote(t.name), " WHERE ")
	b.where(t, d)
	var n int64
	if err := s.db.QueryRowContext(ctx, b.String(), b.args...).Scan(&n); err != nil {
		return false, fmt.Errorf("%w: sqlstore: %s: %v", datasource.ErrUpstream, t.model, err)
	}
	return n > 0, nil
}

// SearchRead implements datasource.Service.
func (s *Store) SearchRead(ctx context.Context, model string, d domain.Domain, fields []string) ([]record.Record, error) {
	t, ok := s.table(model)
	if !ok {
		return []record.Record{}, nil
	}
	cols, list := selectList(t, fields)
	b := builder{d: s.dialect}
	b.write("SELECT ", list, " FROM ", quote(t.name), " WHERE ")
	b.where(t, d)
	b.write(" ", orderBy("id", false))
	rows, err := s.query(ctx, t, cols, b.String(), b.args)
	if err != nil {
		return nil, err
	}
	if rows == nil {
		rows = []record.Record{}
	}
	return rows, nil
}
