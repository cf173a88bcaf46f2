package server

import (
	"bufio"
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"
)

// Handler routes the session API, health, and metrics endpoints.
func (a *API) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/sessions", a.createSession)
	mux.HandleFunc("GET /v1/sessions/{id}", a.getSession)
	mux.HandleFunc("DELETE /v1/sessions/{id}", a.deleteSession)
	mux.HandleFunc("POST /v1/sessions/{id}/evaluate", a.evaluate)
	mux.HandleFunc("POST /v1/sessions/{id}/invalidate", a.invalidate)
	mux.HandleFunc("POST /v1/sessions/{id}/warmup", a.warmUp)
	mux.HandleFunc("GET /v1/sessions/{id}/events", a.events)
	mux.HandleFunc("GET /v1/formulas", a.listFormulas)
	mux.HandleFunc("GET /healthz", a.health)
	mux.HandleFunc("GET /health", a.health)
	mux.Handle("GET /metrics", a.metrics.Handler())
	return a.withCorrelation(mux)
}

type correlationKey struct{}

// CorrelationID returns the request id attached by the API middleware.
func CorrelationID(ctx context.Context) string {
	id, _ := ctx.Value(correlationKey{}).(string)
	return id
}

// withCorrelation tags each request with an id, echoes it in the response,
// and logs the completed request at debug level.
func (a *API) withCorrelation(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := a.requestCorrelationID(r)
		if a.correlationHeader != "" {
			w.Header().Set(a.correlationHeader, id)
		}
		r = r.WithContext(context.WithValue(r.Context(), correlationKey{}, id))

		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		if a.logger.Enabled(r.Context(), slog.LevelDebug) {
			a.logger.LogAttrs(r.Context(), slog.LevelDebug, "request served",
				slog.String("correlation_id", id),
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", rec.status),
				slog.Float64("latency_ms", float64(time.Since(start))/float64(time.Millisecond)),
			)
		}
	})
}

func (a *API) requestCorrelationID(r *http.Request) string {
	if r != nil && a.correlationHeader != "" {
		if candidate := strings.TrimSpace(r.Header.Get(a.correlationHeader)); candidate != "" {
			return candidate
		}
	}

	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err == nil {
		return hex.EncodeToString(buf)
	}
	return fmt.Sprintf("%d", time.Now().UnixNano())
}

// statusRecorder captures the status code. It forwards Hijack so websocket
// upgrades pass through the middleware.
type statusRecorder struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (s *statusRecorder) WriteHeader(code int) {
	if !s.wroteHeader {
		s.status = code
		s.wroteHeader = true
	}
	s.ResponseWriter.WriteHeader(code)
}

func (s *statusRecorder) Write(b []byte) (int, error) {
	s.wroteHeader = true
	return s.ResponseWriter.Write(b)
}

func (s *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := s.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("server: response writer cannot hijack")
	}
	s.status = http.StatusSwitchingProtocols
	s.wroteHeader = true
	return hj.Hijack()
}

func (s *statusRecorder) Flush() {
	if f, ok := s.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (s *statusRecorder) Unwrap() http.ResponseWriter { return s.ResponseWriter }
