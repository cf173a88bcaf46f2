package runtime

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/l0p7/sheetlink/internal/datasource"
	"github.com/l0p7/sheetlink/internal/domain"
	"github.com/l0p7/sheetlink/internal/metrics"
	"github.com/l0p7/sheetlink/internal/runtime/accessor"
	"github.com/l0p7/sheetlink/internal/runtime/aggregate"
	"github.com/l0p7/sheetlink/internal/runtime/formulas"
	"github.com/l0p7/sheetlink/internal/runtime/refresh"
	"github.com/l0p7/sheetlink/internal/runtime/requestcache"
	"github.com/l0p7/sheetlink/internal/runtime/search"
)

// SessionOptions tunes the cache and scheduler of every session.
type SessionOptions struct {
	RefreshDelay         time.Duration
	FetchTimeout         time.Duration
	MaxConcurrentFetches int64
	CellScopedKeys       bool
}

// Session is one formula engine's view of the record service: its own request
// cache, refresh scheduler, and accessor stack.
type Session struct {
	id        string
	createdAt time.Time
	logger    *slog.Logger
	metrics   *metrics.Recorder
	registry  *formulas.Registry
	source    datasource.Service

	cache     *requestcache.Cache
	scheduler *refresh.Scheduler
	env       formulas.Env

	mu          sync.Mutex
	closed      bool
	nextSub     int
	subscribers map[int]chan refresh.Signal
}

func newSession(id string, logger *slog.Logger, source datasource.Service, registry *formulas.Registry, rec *metrics.Recorder, opts SessionOptions) *Session {
	s := &Session{
		id:          id,
		createdAt:   time.Now().UTC(),
		logger:      logger.With(slog.String("agent", "session"), slog.String("session", id)),
		metrics:     rec,
		registry:    registry,
		source:      source,
		subscribers: make(map[int]chan refresh.Signal),
	}
	s.scheduler = refresh.New(opts.RefreshDelay, s.broadcast, logger)
	s.cache = requestcache.New(requestcache.Options{
		MaxConcurrent:  opts.MaxConcurrentFetches,
		FetchTimeout:   opts.FetchTimeout,
		CellScopedKeys: opts.CellScopedKeys,
		OnSettled:      s.scheduler.RequestRefresh,
		Observer:       cacheObserver{rec: rec},
		Logger:         logger,
	})
	fields := accessor.New(s.cache, source)
	searcher := search.New(s.cache, source)
	s.env = formulas.Env{
		Fields:    fields,
		Search:    searcher,
		Aggregate: aggregate.New(s.cache, source, fields, searcher),
	}
	return s
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// CreatedAt reports when the session was opened.
func (s *Session) CreatedAt() time.Time { return s.createdAt }

// Evaluate runs one formula for cell without blocking on the record service.
func (s *Session) Evaluate(cell, function string, args []any) formulas.Outcome {
	start := time.Now()
	out := s.registry.Evaluate(s.env, cell, function, args)
	elapsed := time.Since(start)

	outcome := "value"
	switch {
	case out.Error != nil:
		outcome = string(out.Error.Code)
	case out.RequiresRefresh:
		outcome = "loading"
	}
	name := function
	if fn, ok := s.registry.Lookup(function); ok {
		name = fn.Name
	}
	s.metrics.ObserveEvaluation(name, outcome, elapsed)

	if s.logger.Enabled(context.Background(), slog.LevelDebug) {
		attrs := []slog.Attr{
			slog.String("cell", cell),
			slog.String("function", name),
			slog.String("outcome", outcome),
			slog.Float64("latency_ms", float64(elapsed)/float64(time.Millisecond)),
		}
		if out.Error != nil {
			attrs = append(attrs, slog.String("error", out.Error.Message))
		}
		s.logger.LogAttrs(context.Background(), slog.LevelDebug, "formula evaluated", attrs...)
	}
	return out
}

// InvalidateCell releases the cache keys cell referenced; keys other cells
// still use stay cached.
func (s *Session) InvalidateCell(cell string) int {
	return s.cache.InvalidateCell(cell)
}

// InvalidateModel drops every cached result fetched from model and asks the
// engine to re-evaluate.
func (s *Session) InvalidateModel(model string) int {
	removed := s.cache.Invalidate(requestcache.ForModel(model))
	if removed > 0 {
		s.scheduler.RequestRefresh()
	}
	return removed
}

// InvalidateAll empties the cache and asks the engine to re-evaluate.
func (s *Session) InvalidateAll() int {
	removed := s.cache.Invalidate(requestcache.All)
	if removed > 0 {
		s.scheduler.RequestRefresh()
	}
	return removed
}

// WarmUp prefetches the unfiltered id list of each model so the first
// evaluation pass finds it cached. Failures are logged and otherwise ignored.
func (s *Session) WarmUp(ctx context.Context, models ...string) {
	var g errgroup.Group
	for _, model := range models {
		if model == "" {
			continue
		}
		g.Go(func() error {
			res := s.env.Search.Search("", model, domain.Default(), search.Options{})
			if res.RequiresRefresh {
				key := search.Key("", model, domain.Default(), search.Options{})
				settled := s.cache.Wait(ctx, key)
				if settled.State == requestcache.Failed {
					// Nothing reads the failure, so drop it and let the first
					// formula fetch afresh.
					id := key.String()
					s.cache.Invalidate(func(k requestcache.Key) bool { return k.String() == id })
					s.logger.Warn("warm-up fetch failed", slog.String("model", model), slog.Any("error", settled.Err))
				}
			}
			return nil
		})
	}
	_ = g.Wait()
}

// Subscribe returns a channel receiving refresh signals and a function that
// cancels the subscription. Slow subscribers miss intermediate signals; each
// signal asks for a full re-evaluation, so only the latest matters.
func (s *Session) Subscribe() (<-chan refresh.Signal, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch := make(chan refresh.Signal, 1)
	if s.closed {
		close(ch)
		return ch, func() {}
	}
	id := s.nextSub
	s.nextSub++
	s.subscribers[id] = ch
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			if sub, ok := s.subscribers[id]; ok {
				delete(s.subscribers, id)
				close(sub)
			}
		})
	}
}

func (s *Session) broadcast(sig refresh.Signal) {
	s.metrics.ObserveRefreshSignal()
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ch := range s.subscribers {
		select {
		case ch <- sig:
		default:
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- sig:
			default:
			}
		}
	}
}

// CacheLen reports the number of cached or in-flight keys.
func (s *Session) CacheLen() int { return s.cache.Len() }

// RefreshSeq reports the sequence number of the last refresh signal.
func (s *Session) RefreshSeq() uint64 { return s.scheduler.Seq() }

// Close tears down the scheduler, stops in-flight fetches, and closes every
// subscription.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	subs := s.subscribers
	s.subscribers = make(map[int]chan refresh.Signal)
	s.mu.Unlock()

	s.scheduler.Teardown()
	s.cache.Close()
	for _, ch := range subs {
		close(ch)
	}
	s.logger.Info("session closed")
}
