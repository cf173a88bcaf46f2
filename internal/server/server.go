package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/l0p7/sheetlink/internal/config"
)

const (
	readHeaderTimeout = 10 * time.Second
	idleTimeout       = 120 * time.Second
	shutdownTimeout   = 5 * time.Second
)

// Server runs the API listener. Event websockets are hijacked connections
// that http.Server.Shutdown does not track, so owners close them through
// RegisterOnShutdown.
type Server struct {
	logger     *slog.Logger
	httpServer *http.Server
	bound      atomic.Value
	once       sync.Once
}

// New prepares a listener for the configured address; nothing is bound
// until Run.
func New(cfg config.Config, logger *slog.Logger, handler http.Handler) (*Server, error) {
	if handler == nil {
		return nil, errors.New("server: handler required")
	}
	logger = logger.With(slog.String("agent", "listener"))
	return &Server{
		logger: logger,
		httpServer: &http.Server{
			Addr:              net.JoinHostPort(cfg.Server.Listen.Address, strconv.Itoa(cfg.Server.Listen.Port)),
			Handler:           handler,
			ReadHeaderTimeout: readHeaderTimeout,
			IdleTimeout:       idleTimeout,
			ErrorLog:          slog.NewLogLogger(logger.Handler(), slog.LevelWarn),
		},
	}, nil
}

// RegisterOnShutdown runs fn when graceful shutdown begins.
func (s *Server) RegisterOnShutdown(fn func()) {
	s.httpServer.RegisterOnShutdown(fn)
}

// Addr reports the bound address, which differs from the configured one
// when port 0 was requested. It is empty until Run has bound.
func (s *Server) Addr() string {
	addr, _ := s.bound.Load().(string)
	return addr
}

// Run binds the listener and serves until ctx is cancelled. Bind failures
// are returned before anything is served.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("server: listen %s: %w", s.httpServer.Addr, err)
	}
	s.bound.Store(ln.Addr().String())
	s.logger.Info("http listener started", slog.String("address", ln.Addr().String()))

	errCh := make(chan error, 1)
	go func() {
		defer close(errCh)
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("server: serve: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		if err := s.shutdown(shutdownCtx); err != nil {
			return err
		}
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

func (s *Server) shutdown(ctx context.Context) error {
	var err error
	s.once.Do(func() {
		s.logger.Info("http listener draining")
		err = s.httpServer.Shutdown(ctx)
	})
	return err
}
