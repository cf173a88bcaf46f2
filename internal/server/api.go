package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/l0p7/sheetlink/internal/config"
	"github.com/l0p7/sheetlink/internal/metrics"
	"github.com/l0p7/sheetlink/internal/runtime"
	"github.com/l0p7/sheetlink/internal/runtime/formulas"
)

// maxBodyBytes bounds request bodies; a batch of evaluations is small.
const maxBodyBytes = 1 << 20

// Options configures the HTTP API.
type Options struct {
	Manager *runtime.Manager
	Metrics *metrics.Recorder
	Logger  *slog.Logger
	// CorrelationHeader is echoed back and attached to request logs. A random
	// id is generated when the caller sends none.
	CorrelationHeader string
	// WarmUpModels are prefetched in the background for every new session.
	WarmUpModels  []string
	WarmUpTimeout time.Duration
	// Datasource names the adapter kind for health reports.
	Datasource string
}

// API serves the session endpoints on top of a runtime.Manager.
type API struct {
	manager           *runtime.Manager
	metrics           *metrics.Recorder
	logger            *slog.Logger
	correlationHeader string
	warmUpModels      []string
	warmUpTimeout     time.Duration
	datasource        string

	fixtures atomic.Pointer[config.FixtureBundle]

	closing   chan struct{}
	closeOnce sync.Once
}

// NewAPI validates opts and builds the API.
func NewAPI(opts Options) (*API, error) {
	if opts.Manager == nil {
		return nil, errors.New("server: manager required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	timeout := opts.WarmUpTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &API{
		manager:           opts.Manager,
		metrics:           opts.Metrics,
		logger:            logger.With(slog.String("agent", "http_api")),
		correlationHeader: http.CanonicalHeaderKey(strings.TrimSpace(opts.CorrelationHeader)),
		warmUpModels:      append([]string(nil), opts.WarmUpModels...),
		warmUpTimeout:     timeout,
		datasource:        opts.Datasource,
		closing:           make(chan struct{}),
	}, nil
}

// Close tells every open events stream that the server is going away.
// Regular requests are unaffected.
func (a *API) Close() {
	a.closeOnce.Do(func() { close(a.closing) })
}

// UpdateFixtures records the fixture bundle reported by health checks.
func (a *API) UpdateFixtures(bundle config.FixtureBundle) {
	a.fixtures.Store(&bundle)
}

type sessionResponse struct {
	ID           string    `json:"id"`
	CreatedAt    time.Time `json:"createdAt"`
	CacheEntries int       `json:"cacheEntries"`
	RefreshSeq   uint64    `json:"refreshSeq"`
}

func describeSession(s *runtime.Session) sessionResponse {
	return sessionResponse{
		ID:           s.ID(),
		CreatedAt:    s.CreatedAt(),
		CacheEntries: s.CacheLen(),
		RefreshSeq:   s.RefreshSeq(),
	}
}

type createRequest struct {
	WarmUp *[]string `json:"warmUp"`
}

func (a *API) createSession(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if !a.decodeOptional(w, r, &req) {
		return
	}
	s, err := a.manager.Create()
	if err != nil {
		a.writeManagerError(w, err)
		return
	}
	models := a.warmUpModels
	if req.WarmUp != nil {
		models = *req.WarmUp
	}
	if len(models) > 0 {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), a.warmUpTimeout)
			defer cancel()
			s.WarmUp(ctx, models...)
		}()
	}
	a.writeJSON(w, http.StatusCreated, describeSession(s))
}

func (a *API) getSession(w http.ResponseWriter, r *http.Request) {
	s, ok := a.session(w, r)
	if !ok {
		return
	}
	a.writeJSON(w, http.StatusOK, describeSession(s))
}

func (a *API) deleteSession(w http.ResponseWriter, r *http.Request) {
	if err := a.manager.CloseSession(r.PathValue("id")); err != nil {
		a.writeManagerError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type evalCall struct {
	Cell     string `json:"cell"`
	Function string `json:"function"`
	Args     []any  `json:"args"`
}

type evalRequest struct {
	evalCall
	Calls []evalCall `json:"calls"`
}

type evalResult struct {
	Cell string `json:"cell,omitempty"`
	formulas.Outcome
}

func (a *API) evaluate(w http.ResponseWriter, r *http.Request) {
	s, ok := a.session(w, r)
	if !ok {
		return
	}
	var req evalRequest
	if !a.decode(w, r, &req) {
		return
	}
	if len(req.Calls) > 0 {
		results := make([]evalResult, 0, len(req.Calls))
		for i, c := range req.Calls {
			if strings.TrimSpace(c.Function) == "" {
				a.writeError(w, http.StatusBadRequest, "calls["+strconv.Itoa(i)+"].function required")
				return
			}
			results = append(results, evalResult{Cell: c.Cell, Outcome: s.Evaluate(c.Cell, c.Function, c.Args)})
		}
		a.writeJSON(w, http.StatusOK, map[string]any{"results": results})
		return
	}
	if strings.TrimSpace(req.Function) == "" {
		a.writeError(w, http.StatusBadRequest, "function required")
		return
	}
	a.writeJSON(w, http.StatusOK, evalResult{Cell: req.Cell, Outcome: s.Evaluate(req.Cell, req.Function, req.Args)})
}

type invalidateRequest struct {
	Cell  string `json:"cell"`
	Model string `json:"model"`
}

func (a *API) invalidate(w http.ResponseWriter, r *http.Request) {
	s, ok := a.session(w, r)
	if !ok {
		return
	}
	var req invalidateRequest
	if !a.decodeOptional(w, r, &req) {
		return
	}
	var removed int
	scope := "all"
	switch {
	case req.Cell != "":
		scope = "cell"
		removed = s.InvalidateCell(req.Cell)
	case req.Model != "":
		scope = "model"
		removed = s.InvalidateModel(req.Model)
	default:
		removed = s.InvalidateAll()
	}
	a.writeJSON(w, http.StatusOK, map[string]any{"scope": scope, "removed": removed})
}

type warmUpRequest struct {
	Models []string `json:"models"`
}

func (a *API) warmUp(w http.ResponseWriter, r *http.Request) {
	s, ok := a.session(w, r)
	if !ok {
		return
	}
	var req warmUpRequest
	if !a.decodeOptional(w, r, &req) {
		return
	}
	models := req.Models
	if len(models) == 0 {
		models = a.warmUpModels
	}
	ctx, cancel := context.WithTimeout(r.Context(), a.warmUpTimeout)
	defer cancel()
	s.WarmUp(ctx, models...)
	a.writeJSON(w, http.StatusOK, describeSession(s))
}

func (a *API) listFormulas(w http.ResponseWriter, _ *http.Request) {
	registry := a.manager.Registry()
	a.writeJSON(w, http.StatusOK, map[string]any{
		"namespace":    registry.Namespace(),
		"placeholders": registry.Placeholders(),
		"functions":    registry.Catalog(),
	})
}

func (a *API) health(w http.ResponseWriter, _ *http.Request) {
	status := map[string]any{
		"status":     "ok",
		"sessions":   a.manager.Len(),
		"observedAt": time.Now().UTC(),
	}
	if a.datasource != "" {
		status["datasource"] = a.datasource
	}
	if bundle := a.fixtures.Load(); bundle != nil {
		status["fixtureRecords"] = bundle.RecordCount()
		if len(bundle.Sources) > 0 {
			status["fixtureSources"] = bundle.Sources
		}
		if len(bundle.Skipped) > 0 {
			status["status"] = "degraded"
			status["skippedDefinitions"] = bundle.Skipped
		}
	}
	a.writeJSON(w, http.StatusOK, status)
}

func (a *API) session(w http.ResponseWriter, r *http.Request) (*runtime.Session, bool) {
	s, err := a.manager.Get(r.PathValue("id"))
	if err != nil {
		a.writeManagerError(w, err)
		return nil, false
	}
	return s, true
}

func (a *API) writeManagerError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, runtime.ErrSessionNotFound):
		a.writeError(w, http.StatusNotFound, "session not found")
	case errors.Is(err, runtime.ErrManagerClosed):
		a.writeError(w, http.StatusServiceUnavailable, "shutting down")
	default:
		a.logger.Error("session manager failed", slog.Any("error", err))
		a.writeError(w, http.StatusInternalServerError, "internal error")
	}
}

// decode reads a required JSON body.
func (a *API) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(dst); err != nil {
		a.writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return false
	}
	return true
}

// decodeOptional accepts an empty body.
func (a *API) decodeOptional(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(dst); err != nil && !errors.Is(err, io.EOF) {
		a.writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return false
	}
	return true
}

// writeError emits a JSON error payload.
func (a *API) writeError(w http.ResponseWriter, status int, message string) {
	if status <= 0 {
		status = http.StatusInternalServerError
	}
	a.writeJSON(w, status, map[string]any{"error": message})
}

func (a *API) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		a.logger.Error("response encode failed", slog.Any("error", err))
	}
}
