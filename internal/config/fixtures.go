package config

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"strings"

	kjson "github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/parsers/toml"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/l0p7/sheetlink/internal/record"
)

// FixtureBundle captures the merged records after loading every fixture
// file. Health checks use the metadata to explain what was loaded and why
// certain models were skipped.
type FixtureBundle struct {
	Models  map[string][]record.Record
	Sources []string
	Skipped []DefinitionSkip
}

// RecordCount returns the number of records across all models.
func (b FixtureBundle) RecordCount() int {
	n := 0
	for _, recs := range b.Models {
		n += len(recs)
	}
	return n
}

type fixtureAggregator struct {
	models  map[string][]record.Record
	owners  map[string]string
	skips   map[string]*DefinitionSkip
	sources map[string]struct{}
}

func newFixtureAggregator() *fixtureAggregator {
	return &fixtureAggregator{
		models:  make(map[string][]record.Record),
		owners:  make(map[string]string),
		skips:   make(map[string]*DefinitionSkip),
		sources: make(map[string]struct{}),
	}
}

func (a *fixtureAggregator) addDocument(doc map[string][]record.Record, source string) {
	if source != "" {
		a.sources[source] = struct{}{}
	}
	for model, recs := range doc {
		a.addModel(model, recs, source)
	}
}

func (a *fixtureAggregator) addModel(model string, recs []record.Record, source string) {
	if existing, ok := a.skips[model]; ok {
		existing.Sources = appendUnique(existing.Sources, source)
		return
	}
	if prev, ok := a.owners[model]; ok {
		a.recordSkip(model, "duplicate definition", prev, source)
		delete(a.owners, model)
		delete(a.models, model)
		return
	}
	if reason := invalidRecords(recs); reason != "" {
		a.recordSkip(model, reason, source)
		return
	}
	a.owners[model] = source
	a.models[model] = recs
}

func (a *fixtureAggregator) recordSkip(model, reason string, sources ...string) {
	skip, ok := a.skips[model]
	if !ok {
		skip = &DefinitionSkip{Kind: "model", Name: model, Reason: reason, Sources: []string{}}
		a.skips[model] = skip
	}
	for _, src := range sources {
		skip.Sources = appendUnique(skip.Sources, src)
	}
}

// invalidRecords reports why a model cannot be served, or "" when every
// record carries a unique positive id.
func invalidRecords(recs []record.Record) string {
	seen := make(map[int64]struct{}, len(recs))
	for i, rec := range recs {
		id, ok := rec.ID()
		if !ok || id <= 0 {
			return fmt.Sprintf("record %d has no positive integer id", i)
		}
		if _, dup := seen[id]; dup {
			return fmt.Sprintf("duplicate record id %d", id)
		}
		seen[id] = struct{}{}
	}
	return ""
}

func (a *fixtureAggregator) bundle() FixtureBundle {
	skipped := make([]DefinitionSkip, 0, len(a.skips))
	for _, skip := range a.skips {
		sort.Strings(skip.Sources)
		skipped = append(skipped, *skip)
	}
	sort.Slice(skipped, func(i, j int) bool { return skipped[i].Name < skipped[j].Name })
	sources := make([]string, 0, len(a.sources))
	for src := range a.sources {
		sources = append(sources, src)
	}
	sort.Strings(sources)
	return FixtureBundle{Models: a.models, Sources: sources, Skipped: skipped}
}

func appendUnique(list []string, value string) []string {
	if value == "" {
		return list
	}
	if !slices.Contains(list, value) {
		list = append(list, value)
	}
	return list
}

// LoadFixtures reads a fixture file, or every supported file under a folder,
// into a bundle. Each document maps model names to lists of records.
func LoadFixtures(ctx context.Context, path string) (FixtureBundle, error) {
	files, err := collectFixtureSources(ctx, path)
	if err != nil {
		return FixtureBundle{}, err
	}
	agg := newFixtureAggregator()
	for _, p := range files {
		select {
		case <-ctx.Done():
			return FixtureBundle{}, ctx.Err()
		default:
		}
		doc, err := loadFixtureDocument(p)
		if err != nil {
			return FixtureBundle{}, err
		}
		agg.addDocument(doc, p)
	}
	return agg.bundle(), nil
}

func collectFixtureSources(ctx context.Context, path string) ([]string, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}
	stat, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("config: fixtures %s: %w", path, err)
	}
	if !stat.IsDir() {
		if !isSupportedFixtureFile(path) {
			return nil, fmt.Errorf("config: unsupported fixture file extension %s", filepath.Ext(path))
		}
		return []string{path}, nil
	}
	var files []string
	err = filepath.WalkDir(path, func(p string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if d.IsDir() || !isSupportedFixtureFile(p) {
			return nil
		}
		files = append(files, p)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("config: walk fixtures folder %s: %w", path, err)
	}
	sort.Strings(files)
	return files, nil
}

// loadFixtureDocument parses one file. Model names contain dots, so the raw
// parser output is used instead of a delimited koanf tree.
func loadFixtureDocument(path string) (map[string][]record.Record, error) {
	parser, err := parserFor(path)
	if err != nil {
		return nil, err
	}
	data, err := file.Provider(path).ReadBytes()
	if err != nil {
		return nil, fmt.Errorf("config: read fixtures from %s: %w", path, err)
	}
	var raw map[string]any
	if _, isJSON := parser.(*kjson.JSON); isJSON {
		payload, err := record.UnmarshalJSON(data)
		if err != nil {
			return nil, fmt.Errorf("config: decode fixtures from %s: %w", path, err)
		}
		m, ok := payload.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("config: decode fixtures from %s: expected an object of models", path)
		}
		raw = m
	} else {
		raw, err = parser.Unmarshal(data)
		if err != nil {
			return nil, fmt.Errorf("config: decode fixtures from %s: %w", path, err)
		}
	}

	doc := make(map[string][]record.Record, len(raw))
	for model, value := range raw {
		items, ok := fixtureList(value)
		if !ok {
			return nil, fmt.Errorf("config: fixtures %s: model %q must be a list of records", path, model)
		}
		recs := make([]record.Record, 0, len(items))
		for i, item := range items {
			m, ok := fixtureValue(item).(map[string]any)
			if !ok {
				return nil, fmt.Errorf("config: fixtures %s: %s[%d] is not a record", path, model, i)
			}
			recs = append(recs, record.Record(m))
		}
		doc[model] = recs
	}
	return doc, nil
}

func fixtureList(value any) ([]any, bool) {
	switch v := value.(type) {
	case []any:
		return v, true
	case []map[string]any:
		out := make([]any, len(v))
		for i, m := range v {
			out[i] = m
		}
		return out, true
	}
	return nil, false
}

// fixtureValue widens parser-specific numeric and map types to the shapes
// records use.
func fixtureValue(value any) any {
	switch v := value.(type) {
	case int:
		return int64(v)
	case int32:
		return int64(v)
	case uint64:
		return int64(v)
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, val := range v {
			out[k] = fixtureValue(val)
		}
		return out
	case map[any]any:
		out := make(map[string]any, len(v))
		for k, val := range v {
			out[fmt.Sprint(k)] = fixtureValue(val)
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, val := range v {
			out[i] = fixtureValue(val)
		}
		return out
	case []map[string]any:
		out := make([]any, len(v))
		for i, val := range v {
			out[i] = fixtureValue(val)
		}
		return out
	default:
		return v
	}
}

func parserFor(path string) (koanf.Parser, error) {
	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".yaml", ".yml":
		return yaml.Parser(), nil
	case ".json":
		return kjson.Parser(), nil
	case ".toml", ".tml":
		return toml.Parser(), nil
	default:
		return nil, fmt.Errorf("config: unsupported fixture file extension %s", ext)
	}
}

func isSupportedFixtureFile(path string) bool {
	_, err := parserFor(path)
	return err == nil
}
