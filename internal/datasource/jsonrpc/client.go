// Package jsonrpc talks to an ERP-style record service through its JSON-RPC
// call_kw endpoint.
package jsonrpc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/l0p7/sheetlink/internal/datasource"
	"github.com/l0p7/sheetlink/internal/domain"
	"github.com/l0p7/sheetlink/internal/record"
	"github.com/l0p7/sheetlink/internal/templates"
)

const (
	defaultTimeout  = 30 * time.Second
	maxResponseSize = 16 << 20
	callPath        = "/web/dataset/call_kw"
)

// HTTPDoer is the subset of *http.Client the adapter uses.
type HTTPDoer interface {
	Do(*http.Request) (*http.Response, error)
}

type Options struct {
	// URL is the service base URL, e.g. https://erp.example.com.
	URL     string
	Timeout time.Duration
	// Headers are header templates rendered per call with .model and
	// .method in scope.
	Headers  map[string]string
	Renderer *templates.Renderer
	Client   HTTPDoer
	Logger   *slog.Logger
}

// Client implements datasource.Service over JSON-RPC.
type Client struct {
	base    *url.URL
	client  HTTPDoer
	headers *templates.Headers
	logger  *slog.Logger

	group  singleflight.Group
	nextID atomic.Int64

	// kinds caches fields_get type maps per model.
	kinds sync.Map
}

func New(opts Options) (*Client, error) {
	base, err := url.Parse(strings.TrimRight(strings.TrimSpace(opts.URL), "/"))
	if err != nil {
		return nil, fmt.Errorf("jsonrpc: parse url: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("jsonrpc: url %q must be http or https", opts.URL)
	}
	renderer := opts.Renderer
	if renderer == nil {
		renderer = templates.NewRenderer(nil)
	}
	headers, err := renderer.CompileHeaders(opts.Headers)
	if err != nil {
		return nil, fmt.Errorf("jsonrpc: %w", err)
	}
	client := opts.Client
	if client == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = defaultTimeout
		}
		client = &http.Client{Timeout: timeout}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		base:    base,
		client:  client,
		headers: headers,
		logger:  logger.With(slog.String("agent", "jsonrpc")),
	}, nil
}

type request struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  params `json:"params"`
	ID      int64  `json:"id"`
}

type params struct {
	Model  string         `json:"model"`
	Method string         `json:"method"`
	Args   []any          `json:"args"`
	Kwargs map[string]any `json:"kwargs"`
}

type response struct {
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    struct {
		Name    string `json:"name"`
		Message string `json:"message"`
	} `json:"data"`
}

func (e *rpcError) String() string {
	if e.Data.Message != "" {
		return e.Data.Message
	}
	return e.Message
}

// FetchFields implements datasource.Service with a read call.
func (c *Client) FetchFields(ctx context.Context, model string, id int64, fields []string) (record.Record, error) {
	var rows []record.Record
	if err := c.call(ctx, model, "read", []any{[]int64{id}, fields}, map[string]any{}, &rows); err != nil {
		return nil, err
	}
	if err := c.clearEmpty(ctx, model, rows); err != nil {
		return nil, err
	}
	for _, row := range rows {
		if rid, ok := row.ID(); ok && rid == id {
			return row, nil
		}
	}
	return nil, nil
}

// Search implements datasource.Service with a search call.
func (c *Client) Search(ctx context.Context, model string, d domain.Domain, opts datasource.SearchOptions) ([]int64, error) {
	kwargs := map[string]any{}
	if order := opts.Order(); order != "" {
		kwargs["order"] = order
	}
	if opts.Limit > 0 {
		kwargs["limit"] = opts.Limit
	}
	var raw []any
	if err := c.call(ctx, model, "search", []any{d.Triples()}, kwargs, &raw); err != nil {
		return nil, err
	}
	ids := make([]int64, 0, len(raw))
	for _, v := range raw {
		id, ok := record.AsInt(v)
		if !ok {
			return nil, fmt.Errorf("%w: %s search returned non-integer id %v", datasource.ErrUpstream, model, v)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// SearchRead implements datasource.Service with a search_read call.
func (c *Client) SearchRead(ctx context.Context, model string, d domain.Domain, fields []string) ([]record.Record, error) {
	var rows []record.Record
	if err := c.call(ctx, model, "search_read", []any{d.Triples()}, map[string]any{"fields": fields}, &rows); err != nil {
		return nil, err
	}
	if err := c.clearEmpty(ctx, model, rows); err != nil {
		return nil, err
	}
	return rows, nil
}

// clearEmpty rewrites the false the service sends for empty non-boolean
// fields to nil, so an unset many2one or char reads as null. The field
// types are looked up only when a row carries a false.
func (c *Client) clearEmpty(ctx context.Context, model string, rows []record.Record) error {
	if !hasFalse(rows) {
		return nil
	}
	kinds, err := c.fieldKinds(ctx, model)
	if err != nil {
		return err
	}
	for _, row := range rows {
		for name, v := range row {
			if v == false && name != "id" && kinds[name] != "boolean" {
				row[name] = nil
			}
		}
	}
	return nil
}

func hasFalse(rows []record.Record) bool {
	for _, row := range rows {
		for _, v := range row {
			if v == false {
				return true
			}
		}
	}
	return false
}

func (c *Client) fieldKinds(ctx context.Context, model string) (map[string]string, error) {
	if cached, ok := c.kinds.Load(model); ok {
		return cached.(map[string]string), nil
	}
	var meta map[string]any
	if err := c.call(ctx, model, "fields_get", []any{}, map[string]any{"attributes": []string{"type"}}, &meta); err != nil {
		return nil, err
	}
	kinds := make(map[string]string, len(meta))
	for name, attrs := range meta {
		if m, ok := attrs.(map[string]any); ok {
			kinds[name], _ = m["type"].(string)
		}
	}
	c.kinds.Store(model, kinds)
	return kinds, nil
}

// call runs one call_kw request. Identical concurrent calls share a single
// round trip; each caller decodes its own copy of the result.
func (c *Client) call(ctx context.Context, model, method string, args []any, kwargs map[string]any, out any) error {
	if !domain.ValidField(model) {
		return fmt.Errorf("%w: model %q", datasource.ErrInvalidIdentifier, model)
	}
	body, err := json.Marshal(params{Model: model, Method: method, Args: args, Kwargs: kwargs})
	if err != nil {
		return fmt.Errorf("jsonrpc: encode %s.%s: %w", model, method, err)
	}

	ch := c.group.DoChan(string(body), func() (any, error) {
		return c.roundTrip(context.WithoutCancel(ctx), model, method, args, kwargs)
	})
	var res singleflight.Result
	select {
	case res = <-ch:
	case <-ctx.Done():
		return ctx.Err()
	}
	if res.Err != nil {
		return res.Err
	}

	payload, err := record.UnmarshalJSON(res.Val.(json.RawMessage))
	if err != nil {
		return fmt.Errorf("%w: %s.%s: decode result: %v", datasource.ErrUpstream, model, method, err)
	}
	return assign(payload, out)
}

func (c *Client) roundTrip(ctx context.Context, model, method string, args []any, kwargs map[string]any) (json.RawMessage, error) {
	id := c.nextID.Add(1)
	payload, err := json.Marshal(request{
		JSONRPC: "2.0",
		Method:  "call",
		Params:  params{Model: model, Method: method, Args: args, Kwargs: kwargs},
		ID:      id,
	})
	if err != nil {
		return nil, fmt.Errorf("jsonrpc: encode request: %w", err)
	}

	endpoint := c.base.JoinPath(callPath, model, method)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint.String(), bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("jsonrpc: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if err := c.headers.Apply(req.Header, map[string]any{"model": model, "method": method}); err != nil {
		return nil, fmt.Errorf("jsonrpc: %w", err)
	}

	start := time.Now()
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %s.%s: %v", datasource.ErrUpstream, model, method, err)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	closeErr := resp.Body.Close()
	if err != nil {
		return nil, fmt.Errorf("%w: %s.%s: read: %v", datasource.ErrUpstream, model, method, err)
	}
	if closeErr != nil {
		return nil, fmt.Errorf("%w: %s.%s: close: %v", datasource.ErrUpstream, model, method, closeErr)
	}

	if c.logger.Enabled(ctx, slog.LevelDebug) {
		c.logger.LogAttrs(ctx, slog.LevelDebug, "rpc call",
			slog.String("model", model),
			slog.String("method", method),
			slog.Int64("id", id),
			slog.Int("status", resp.StatusCode),
			slog.Int("bytes", len(data)),
			slog.Duration("latency", time.Since(start)),
		)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: %s.%s: http status %d", datasource.ErrUpstream, model, method, resp.StatusCode)
	}
	var decoded response
	if err := json.Unmarshal(data, &decoded); err != nil {
		return nil, fmt.Errorf("%w: %s.%s: decode response: %v", datasource.ErrUpstream, model, method, err)
	}
	if decoded.Error != nil {
		return nil, fmt.Errorf("%w: %s.%s: %s", datasource.ErrUpstream, model, method, decoded.Error)
	}
	if len(decoded.Result) == 0 {
		return nil, fmt.Errorf("%w: %s.%s: empty result", datasource.ErrUpstream, model, method)
	}
	return decoded.Result, nil
}

func assign(payload any, out any) error {
	switch dst := out.(type) {
	case *[]any:
		items, ok := payload.([]any)
		if !ok {
			return fmt.Errorf("%w: expected a list, got %T", datasource.ErrUpstream, payload)
		}
		*dst = items
	case *map[string]any:
		m, ok := payload.(map[string]any)
		if !ok {
			return fmt.Errorf("%w: expected an object, got %T", datasource.ErrUpstream, payload)
		}
		*dst = m
	case *[]record.Record:
		items, ok := payload.([]any)
		if !ok {
			return fmt.Errorf("%w: expected a list, got %T", datasource.ErrUpstream, payload)
		}
		rows := make([]record.Record, 0, len(items))
		for _, item := range items {
			m, ok := item.(map[string]any)
			if !ok {
				return fmt.Errorf("%w: expected records, got %T", datasource.ErrUpstream, item)
			}
			rows = append(rows, record.Record(m))
		}
		*dst = rows
	default:
		return errors.New("jsonrpc: unsupported result target")
	}
	return nil
}
