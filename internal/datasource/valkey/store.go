// Package valkey keeps records in Valkey: one JSON document per record plus a
// sorted set of ids per model. Domains are evaluated client side with the CEL
// matcher so results agree with the memory store on the same fixtures.
package valkey

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	valkey "github.com/valkey-io/valkey-go"

	"github.com/l0p7/sheetlink/internal/datasource"
	"github.com/l0p7/sheetlink/internal/datasource/memory"
	"github.com/l0p7/sheetlink/internal/domain"
	"github.com/l0p7/sheetlink/internal/expr"
	"github.com/l0p7/sheetlink/internal/record"
)

const (
	defaultPrefix = "sheetlink"
	mgetBatch     = 500
)

type TLSConfig struct {
	Enabled bool
	CAFile  string
}

type Config struct {
	Address  string
	Username string
	Password string
	DB       int
	TLS      TLSConfig
	// Prefix namespaces every key; defaults to "sheetlink".
	Prefix string
}

// Store implements datasource.Service on top of Valkey.
type Store struct {
	client  valkey.Client
	matcher *expr.Matcher
	prefix  string
}

// New connects and pings the server.
func New(cfg Config, matcher *expr.Matcher) (*Store, error) {
	if cfg.Address == "" {
		return nil, errors.New("valkey: address required")
	}
	if matcher == nil {
		return nil, errors.New("valkey: matcher required")
	}

	option := valkey.ClientOption{
		InitAddress:       []string{cfg.Address},
		Username:          cfg.Username,
		Password:          cfg.Password,
		SelectDB:          cfg.DB,
		AlwaysRESP2:       true,
		ForceSingleClient: true,
		DisableCache:      true,
	}
	if cfg.TLS.Enabled {
		tlsConfig := &tls.Config{MinVersion: tls.VersionTLS12}
		if cfg.TLS.CAFile != "" {
			caData, err := os.ReadFile(cfg.TLS.CAFile)
			if err != nil {
				return nil, fmt.Errorf("valkey: read ca file: %w", err)
			}
			pool := x509.NewCertPool()
			if !pool.AppendCertsFromPEM(caData) {
				return nil, errors.New("valkey: ca file contains no certificates")
			}
			tlsConfig.RootCAs = pool
		}
		option.TLSConfig = tlsConfig
	}

	client, err := valkey.NewClient(option)
	if err != nil {
		return nil, fmt.Errorf("valkey: client: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Do(ctx, client.B().Ping().Build()).Error(); err != nil {
		client.Close()
		return nil, fmt.Errorf("valkey: ping: %w", err)
	}

	prefix := strings.TrimSpace(cfg.Prefix)
	if prefix == "" {
		prefix = defaultPrefix
	}
	return &Store{client: client, matcher: matcher, prefix: prefix}, nil
}

func (s *Store) modelsKey() string { return s.prefix + ":models" }
func (s *Store) idsKey(model string) string { return s.prefix + ":" + model + ":ids" }
func (s *Store) recordKey(model string, id int64) string {
	return s.prefix + ":" + model + ":rec:" + strconv.FormatInt(id, 10)
}

// Replace drops every model currently stored and writes models in its place.
func (s *Store) Replace(ctx context.Context, models map[string][]record.Record) error {
	existing, err := s.Models(ctx)
	if err != nil {
		return err
	}
	for _, model := range existing {
		if err := s.dropModel(ctx, model); err != nil {
			return err
		}
	}
	for model, records := range models {
		if err := s.Put(ctx, model, records...); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) dropModel(ctx context.Context, model string) error {
	ids, err := s.ids(ctx, model)
	if err != nil {
		return err
	}
	keys := make([]string, 0, len(ids)+1)
	keys = append(keys, s.idsKey(model))
	for _, id := range ids {
		keys = append(keys, s.recordKey(model, id))
	}
	cmds := valkey.Commands{
		s.client.B().Del().Key(keys...).Build(),
		s.client.B().Srem().Key(s.modelsKey()).Member(model).Build(),
	}
	for _, resp := range s.client.DoMulti(ctx, cmds...) {
		if err := resp.Error(); err != nil {
			return fmt.Errorf("valkey: drop %s: %w", model, err)
		}
	}
	return nil
}

// Put writes records of one model, replacing records with the same id.
func (s *Store) Put(ctx context.Context, model string, records ...record.Record) error {
	if !domain.ValidField(model) {
		return fmt.Errorf("%w: model %q", datasource.ErrInvalidIdentifier, model)
	}
	cmds := make(valkey.Commands, 0, len(records)+2)
	cmds = append(cmds, s.client.B().Sadd().Key(s.modelsKey()).Member(model).Build())
	zadd := s.client.B().Zadd().Key(s.idsKey(model)).ScoreMember()
	for i, rec := range records {
		id, ok := rec.ID()
		if !ok || id <= 0 {
			return fmt.Errorf("valkey: %s record %d has no positive integer id", model, i)
		}
		clone := make(record.Record, len(rec))
		for k, v := range rec {
			clone[k] = v
		}
		clone["id"] = id
		payload, err := json.Marshal(clone)
		if err != nil {
			return fmt.Errorf("valkey: encode %s(%d): %w", model, id, err)
		}
		cmds = append(cmds, s.client.B().Set().Key(s.recordKey(model, id)).Value(string(payload)).Build())
		zadd = zadd.ScoreMember(float64(id), strconv.FormatInt(id, 10))
	}
	if len(records) > 0 {
		cmds = append(cmds, zadd.Build())
	}
	for _, resp := range s.client.DoMulti(ctx, cmds...) {
		if err := resp.Error(); err != nil {
			return fmt.Errorf("valkey: put %s: %w", model, err)
		}
	}
	return nil
}

// Models implements datasource.Models.
func (s *Store) Models(ctx context.Context) ([]string, error) {
	names, err := s.client.Do(ctx, s.client.B().Smembers().Key(s.modelsKey()).Build()).AsStrSlice()
	if err != nil {
		return nil, fmt.Errorf("valkey: list models: %w", err)
	}
	sort.Strings(names)
	return names, nil
}

// FetchFields implements datasource.Service.
func (s *Store) FetchFields(ctx context.Context, model string, id int64, fields []string) (record.Record, error) {
	resp := s.client.Do(ctx, s.client.B().Get().Key(s.recordKey(model, id)).Build())
	if err := resp.Error(); err != nil {
		if errors.Is(err, valkey.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: valkey get %s(%d): %v", datasource.ErrUpstream, model, id, err)
	}
	payload, err := resp.AsBytes()
	if err != nil {
		return nil, fmt.Errorf("%w: valkey get %s(%d): %v", datasource.ErrUpstream, model, id, err)
	}
	rec, err := record.UnmarshalRecord(payload)
	if err != nil {
		return nil, fmt.Errorf("valkey: decode %s(%d): %w", model, id, err)
	}
	return datasource.Project(rec, fields), nil
}

// Search implements datasource.Service.
func (s *Store) Search(ctx context.Context, model string, d domain.Domain, opts datasource.SearchOptions) ([]int64, error) {
	matched, err := s.filter(ctx, model, d)
	if err != nil {
		return nil, err
	}
	return memory.Select(matched, opts), nil
}

// SearchRead implements datasource.Service.
func (s *Store) SearchRead(ctx context.Context, model string, d domain.Domain, fields []string) ([]record.Record, error) {
	matched, err := s.filter(ctx, model, d)
	if err != nil {
		return nil, err
	}
	out := make([]record.Record, 0, len(matched))
	for _, rec := range matched {
		out = append(out, datasource.Project(rec, fields))
	}
	return out, nil
}

func (s *Store) ids(ctx context.Context, model string) ([]int64, error) {
	members, err := s.client.Do(ctx, s.client.B().Zrange().Key(s.idsKey(model)).Min("0").Max("-1").Build()).AsStrSlice()
	if err != nil {
		return nil, fmt.Errorf("%w: valkey ids %s: %v", datasource.ErrUpstream, model, err)
	}
	ids := make([]int64, 0, len(members))
	for _, m := range members {
		id, err := strconv.ParseInt(m, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("valkey: %s id set holds %q", model, m)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// filter loads the candidate records in id order and keeps those matching d.
// An id = N predicate narrows the candidates to one record.
func (s *Store) filter(ctx context.Context, model string, d domain.Domain) ([]record.Record, error) {
	var ids []int64
	if id, ok := d.IDHint(); ok {
		ids = []int64{id}
	} else {
		var err error
		if ids, err = s.ids(ctx, model); err != nil {
			return nil, err
		}
	}

	var matched []record.Record
	for start := 0; start < len(ids); start += mgetBatch {
		batch := ids[start:min(start+mgetBatch, len(ids))]
		keys := make([]string, len(batch))
		for i, id := range batch {
			keys[i] = s.recordKey(model, id)
		}
		items, err := s.client.Do(ctx, s.client.B().Mget().Key(keys...).Build()).ToArray()
		if err != nil {
			return nil, fmt.Errorf("%w: valkey mget %s: %v", datasource.ErrUpstream, model, err)
		}
		for i, item := range items {
			if item.IsNil() {
				continue
			}
			payload, err := item.ToString()
			if err != nil {
				return nil, fmt.Errorf("%w: valkey mget %s: %v", datasource.ErrUpstream, model, err)
			}
			rec, err := record.UnmarshalRecord([]byte(payload))
			if err != nil {
				return nil, fmt.Errorf("valkey: decode %s(%d): %w", model, batch[i], err)
			}
			ok, err := s.matcher.Match(d, rec)
			if err != nil {
				return nil, fmt.Errorf("valkey: %s: %w", model, err)
			}
			if ok {
				matched = append(matched, rec)
			}
		}
	}
	return matched, nil
}

// Close releases the client.
func (s *Store) Close() {
	s.client.Close()
}
