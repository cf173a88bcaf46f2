// Package requestcache memoizes asynchronous fetches behind a synchronous
// peek interface. At most one fetch per key is in flight; resolved values are
// never overwritten until an invalidation removes them.
package requestcache

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
)

// State reports where a key is in its lifecycle.
type State int

const (
	Absent State = iota
	Pending
	Resolved
	Failed
)

func (s State) String() string {
	switch s {
	case Absent:
		return "absent"
	case Pending:
		return "pending"
	case Resolved:
		return "resolved"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// Result is the synchronous answer for a key. Value is set only when State is
// Resolved and must be treated as immutable; Err only when State is Failed.
type Result struct {
	State State
	Value any
	Err   error
}

// FetchFunc performs the remote call for a key. It runs on its own goroutine
// with a context detached from the caller and bounded by the fetch timeout.
type FetchFunc func(ctx context.Context) (any, error)

// Observer receives cache events, typically to feed metrics.
type Observer interface {
	ObserveLookup(kind string, state State)
	ObserveFetch(kind string, err error, elapsed time.Duration)
}

// ErrClosed is reported for lookups after Close.
var ErrClosed = errors.New("requestcache: closed")

const (
	defaultMaxConcurrent = 16
	defaultFetchTimeout  = 30 * time.Second
)

// Options configures a Cache. Zero values select defaults.
type Options struct {
	MaxConcurrent  int64
	FetchTimeout   time.Duration
	CellScopedKeys bool
	// OnSettled is called after every fetch completes, successfully or not,
	// unless an invalidation detached the fetch first.
	OnSettled func()
	Observer  Observer
	Logger    *slog.Logger
}

type flight struct {
	done chan struct{}
}

type entry struct {
	key    Key
	value  any
	flight *flight
}

type failure struct {
	key Key
	err error
}

// Cache is safe for concurrent use.
type Cache struct {
	cellScoped bool
	timeout    time.Duration
	sem        *semaphore.Weighted
	onSettled  func()
	observer   Observer
	logger     *slog.Logger

	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	mu       sync.Mutex
	closed   bool
	entries  map[string]*entry
	failures map[string]failure
	refs     map[string]map[string]struct{}
	cells    map[string]map[string]struct{}
}

// New constructs an empty cache.
func New(opts Options) *Cache {
	maxConcurrent := opts.MaxConcurrent
	if maxConcurrent <= 0 {
		maxConcurrent = defaultMaxConcurrent
	}
	timeout := opts.FetchTimeout
	if timeout <= 0 {
		timeout = defaultFetchTimeout
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Cache{
		cellScoped: opts.CellScopedKeys,
		timeout:    timeout,
		sem:        semaphore.NewWeighted(maxConcurrent),
		onSettled:  opts.OnSettled,
		observer:   opts.Observer,
		logger:     logger.With(slog.String("agent", "request_cache")),
		baseCtx:    ctx,
		cancel:     cancel,
		entries:    make(map[string]*entry),
		failures:   make(map[string]failure),
		refs:       make(map[string]map[string]struct{}),
		cells:      make(map[string]map[string]struct{}),
	}
}

// Peek reports the state of key without starting a fetch or consuming a
// remembered failure.
func (c *Cache) Peek(key Key) Result {
	id := key.identity(c.cellScoped)
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lookupLocked(id)
}

func (c *Cache) lookupLocked(id string) Result {
	if e, ok := c.entries[id]; ok {
		if e.flight != nil {
			return Result{State: Pending}
		}
		return Result{State: Resolved, Value: e.value}
	}
	if f, ok := c.failures[id]; ok {
		return Result{State: Failed, Err: f.err}
	}
	return Result{State: Absent}
}

// Ensure returns the resolved value for key or starts fetch in the background
// and reports Pending. A failure from the previous fetch is reported once as
// Failed and then forgotten so the next call retries.
func (c *Cache) Ensure(key Key, fetch FetchFunc) Result {
	id := key.identity(c.cellScoped)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return Result{State: Failed, Err: ErrClosed}
	}
	c.trackLocked(id, key.Cell)
	res := c.lookupLocked(id)
	switch res.State {
	case Failed:
		delete(c.failures, id)
	case Absent:
		c.startLocked(id, key, fetch)
		res = Result{State: Pending}
	}
	c.mu.Unlock()

	c.observeLookup(key.Kind, res.State)
	return res
}

func (c *Cache) startLocked(id string, key Key, fetch FetchFunc) {
	f := &flight{done: make(chan struct{})}
	c.entries[id] = &entry{key: key, flight: f}
	c.wg.Add(1)
	go c.run(id, key, f, fetch)
}

func (c *Cache) run(id string, key Key, f *flight, fetch FetchFunc) {
	defer c.wg.Done()
	defer close(f.done)

	ctx, cancel := context.WithTimeout(c.baseCtx, c.timeout)
	defer cancel()

	start := time.Now()
	var (
		value any
		err   error
	)
	if err = c.sem.Acquire(ctx, 1); err == nil {
		value, err = fetch(ctx)
		c.sem.Release(1)
	}
	elapsed := time.Since(start)
	if c.observer != nil {
		c.observer.ObserveFetch(key.Kind, err, elapsed)
	}

	if !c.settle(id, f, value, err) {
		c.logger.Debug("discarded detached fetch",
			slog.String("kind", key.Kind),
			slog.String("key", key.Digest()),
		)
		return
	}
	if err != nil {
		c.logger.Warn("fetch failed",
			slog.String("kind", key.Kind),
			slog.String("model", key.Model),
			slog.String("key", key.Digest()),
			slog.Any("error", err),
		)
	}
	if c.onSettled != nil {
		c.onSettled()
	}
}

// settle records the outcome unless the flight was detached by an
// invalidation, in which case it reports false.
func (c *Cache) settle(id string, f *flight, value any, err error) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[id]
	if !ok || e.flight != f {
		return false
	}
	if err != nil {
		delete(c.entries, id)
		c.failures[id] = failure{key: e.key, err: err}
		return true
	}
	e.value = value
	e.flight = nil
	return true
}

// Wait blocks until key leaves the Pending state or ctx ends.
func (c *Cache) Wait(ctx context.Context, key Key) Result {
	id := key.identity(c.cellScoped)
	for {
		c.mu.Lock()
		var done chan struct{}
		if e, ok := c.entries[id]; ok && e.flight != nil {
			done = e.flight.done
		}
		res := c.lookupLocked(id)
		c.mu.Unlock()

		if done == nil {
			return res
		}
		select {
		case <-done:
		case <-ctx.Done():
			return Result{State: Pending}
		}
	}
}

// Invalidate removes every entry, pending record, and remembered failure whose
// key matches. In-flight fetches for removed keys are detached and their
// results discarded. It returns the number of keys removed.
func (c *Cache) Invalidate(match func(Key) bool) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	removed := 0
	for id, e := range c.entries {
		if match(e.key) {
			c.dropLocked(id)
			removed++
		}
	}
	for id, f := range c.failures {
		if match(f.key) {
			c.dropLocked(id)
			removed++
		}
	}
	return removed
}

// InvalidateCell releases every key cell referenced. A key is dropped only
// when no other cell still references it.
func (c *Cache) InvalidateCell(cell string) int {
	if cell == "" {
		return 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	removed := 0
	for id := range c.cells[cell] {
		holders := c.refs[id]
		delete(holders, cell)
		if len(holders) > 0 {
			continue
		}
		if _, ok := c.entries[id]; ok {
			removed++
		} else if _, ok := c.failures[id]; ok {
			removed++
		}
		c.dropLocked(id)
	}
	delete(c.cells, cell)
	return removed
}

func (c *Cache) dropLocked(id string) {
	delete(c.entries, id)
	delete(c.failures, id)
	for cell := range c.refs[id] {
		if keys := c.cells[cell]; keys != nil {
			delete(keys, id)
			if len(keys) == 0 {
				delete(c.cells, cell)
			}
		}
	}
	delete(c.refs, id)
}

func (c *Cache) trackLocked(id, cell string) {
	if cell == "" {
		return
	}
	holders := c.refs[id]
	if holders == nil {
		holders = make(map[string]struct{})
		c.refs[id] = holders
	}
	holders[cell] = struct{}{}
	keys := c.cells[cell]
	if keys == nil {
		keys = make(map[string]struct{})
		c.cells[cell] = keys
	}
	keys[id] = struct{}{}
}

// Len reports the number of resolved and pending keys.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Close cancels in-flight fetches and waits for their goroutines to exit.
// Later Ensure calls report ErrClosed.
func (c *Cache) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.entries = make(map[string]*entry)
	c.failures = make(map[string]failure)
	c.refs = make(map[string]map[string]struct{})
	c.cells = make(map[string]map[string]struct{})
	c.mu.Unlock()

	c.cancel()
	c.wg.Wait()
}

func (c *Cache) observeLookup(kind string, state State) {
	if c.observer != nil {
		c.observer.ObserveLookup(kind, state)
	}
}
