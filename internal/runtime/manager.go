package runtime

import (
	"errors"
	"log/slog"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/l0p7/sheetlink/internal/datasource"
	"github.com/l0p7/sheetlink/internal/metrics"
	"github.com/l0p7/sheetlink/internal/runtime/formulas"
)

// ErrSessionNotFound reports an unknown or already closed session id.
var ErrSessionNotFound = errors.New("runtime: session not found")

// ErrManagerClosed is returned by Create after Close.
var ErrManagerClosed = errors.New("runtime: manager closed")

type ManagerOptions struct {
	Source   datasource.Service
	Registry *formulas.Registry
	Metrics  *metrics.Recorder
	Session  SessionOptions
}

// Manager owns the open sessions.
type Manager struct {
	logger   *slog.Logger
	source   datasource.Service
	registry *formulas.Registry
	metrics  *metrics.Recorder
	opts     SessionOptions

	mu       sync.RWMutex
	closed   bool
	sessions map[string]*Session
}

func NewManager(logger *slog.Logger, opts ManagerOptions) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	registry := opts.Registry
	if registry == nil {
		registry = formulas.NewRegistry("", formulas.DefaultPlaceholders())
	}
	return &Manager{
		logger:   logger.With(slog.String("agent", "sessions")),
		source:   opts.Source,
		registry: registry,
		metrics:  opts.Metrics,
		opts:     opts.Session,
		sessions: make(map[string]*Session),
	}
}

// Registry returns the function registry shared by every session.
func (m *Manager) Registry() *formulas.Registry { return m.registry }

// Create opens a session with a fresh cache and scheduler.
func (m *Manager) Create() (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrManagerClosed
	}
	id := uuid.NewString()
	s := newSession(id, m.logger, m.source, m.registry, m.metrics, m.opts)
	m.sessions[id] = s
	m.metrics.SessionOpened()
	m.logger.Info("session opened", slog.String("session", id))
	return s, nil
}

func (m *Manager) Get(id string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return s, nil
}

// CloseSession removes and tears down one session.
func (m *Manager) CloseSession(id string) error {
	m.mu.Lock()
	s, ok := m.sessions[id]
	if ok {
		delete(m.sessions, id)
	}
	m.mu.Unlock()
	if !ok {
		return ErrSessionNotFound
	}
	s.Close()
	m.metrics.SessionClosed()
	return nil
}

// IDs lists the open session ids in sorted order.
func (m *Manager) IDs() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// InvalidateAll empties every session's cache, used after the record
// fixtures change underneath the engine.
func (m *Manager) InvalidateAll() int {
	m.mu.RLock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.RUnlock()

	total := 0
	for _, s := range sessions {
		total += s.InvalidateAll()
	}
	m.logger.Info("sessions invalidated", slog.Int("sessions", len(sessions)), slog.Int("keys", total))
	return total
}

// Close tears down every session. Later Create calls fail.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	sessions := m.sessions
	m.sessions = make(map[string]*Session)
	m.mu.Unlock()

	for _, s := range sessions {
		s.Close()
		m.metrics.SessionClosed()
	}
}
