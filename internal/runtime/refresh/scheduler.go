// Package refresh coalesces bursts of "data arrived" notifications into a
// single request for the formula engine to re-evaluate.
package refresh

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// DefaultDelay is the coalescing window used when none is configured.
const DefaultDelay = 100 * time.Millisecond

// Signal asks the engine to re-evaluate every formula. Seq increases by one
// per emitted signal; Requests counts the calls it coalesced.
type Signal struct {
	Seq      uint64    `json:"seq"`
	At       time.Time `json:"at"`
	Requests int       `json:"requests"`
}

// Scheduler emits at most one Signal per window. The window opens on the first
// request and is not extended by later ones, so a steady stream of completions
// still produces a signal every window.
type Scheduler struct {
	delay  time.Duration
	notify func(Signal)
	logger *slog.Logger

	mu       sync.Mutex
	timer    *time.Timer
	requests int
	seq      uint64
	stopped  bool
}

// New returns a scheduler that calls notify from its own goroutine.
func New(delay time.Duration, notify func(Signal), logger *slog.Logger) *Scheduler {
	if delay <= 0 {
		delay = DefaultDelay
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		delay:  delay,
		notify: notify,
		logger: logger.With(slog.String("agent", "refresh_scheduler")),
	}
}

// RequestRefresh arms the timer if it is not already armed. Calls after
// Teardown are ignored.
func (s *Scheduler) RequestRefresh() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	s.requests++
	if s.timer != nil {
		return
	}
	s.timer = time.AfterFunc(s.delay, s.fire)
}

func (s *Scheduler) fire() {
	s.mu.Lock()
	if s.stopped || s.timer == nil {
		s.mu.Unlock()
		return
	}
	s.timer = nil
	s.seq++
	sig := Signal{Seq: s.seq, At: time.Now().UTC(), Requests: s.requests}
	s.requests = 0
	s.mu.Unlock()

	if s.logger.Enabled(context.Background(), slog.LevelDebug) {
		s.logger.LogAttrs(context.Background(), slog.LevelDebug, "refresh signal",
			slog.Uint64("seq", sig.Seq),
			slog.Int("coalesced", sig.Requests),
		)
	}
	if s.notify != nil {
		s.notify(sig)
	}
}

// Pending reports whether a signal is scheduled.
func (s *Scheduler) Pending() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.timer != nil
}

// Seq returns the sequence number of the last emitted signal.
func (s *Scheduler) Seq() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.seq
}

// Teardown cancels any pending signal and disables the scheduler.
func (s *Scheduler) Teardown() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}
