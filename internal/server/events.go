package server

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/l0p7/sheetlink/internal/runtime/refresh"
)

const (
	writeTimeout = 10 * time.Second
	pingInterval = 30 * time.Second
)

// Event is one message on the events websocket.
type Event struct {
	Type     string    `json:"type"`
	Session  string    `json:"session,omitempty"`
	Seq      uint64    `json:"seq"`
	At       time.Time `json:"at,omitzero"`
	Requests int       `json:"requests,omitempty"`
}

// Event types.
const (
	EventSubscribed = "subscribed"
	EventRefresh    = "refresh"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Spreadsheet add-ins connect from their own origin.
	CheckOrigin: func(*http.Request) bool { return true },
}

// events streams the session's refresh signals until the client disconnects,
// the session closes or the API is closed.
func (a *API) events(w http.ResponseWriter, r *http.Request) {
	s, ok := a.session(w, r)
	if !ok {
		return
	}
	wc, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		a.logger.Warn("events upgrade failed", slog.String("session", s.ID()), slog.Any("error", err))
		return
	}
	defer wc.Close()

	signals, cancel := s.Subscribe()
	defer cancel()

	// The client never sends data; reading surfaces its close frame.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := wc.NextReader(); err != nil {
				return
			}
		}
	}()

	logger := a.logger.With(slog.String("session", s.ID()))
	logger.Debug("events subscriber connected")

	if err := writeEvent(wc, Event{Type: EventSubscribed, Session: s.ID(), Seq: s.RefreshSeq()}); err != nil {
		return
	}

	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case sig, ok := <-signals:
			if !ok {
				goingAway(wc, "session closed")
				return
			}
			if err := writeEvent(wc, refreshEvent(sig)); err != nil {
				logger.Debug("events write failed", slog.Any("error", err))
				return
			}
		case <-ticker.C:
			_ = wc.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := wc.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-a.closing:
			goingAway(wc, "server shutting down")
			return
		case <-gone:
			logger.Debug("events subscriber disconnected")
			return
		}
	}
}

func goingAway(wc *websocket.Conn, reason string) {
	_ = wc.SetWriteDeadline(time.Now().Add(writeTimeout))
	_ = wc.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, reason))
}

func refreshEvent(sig refresh.Signal) Event {
	return Event{Type: EventRefresh, Seq: sig.Seq, At: sig.At, Requests: sig.Requests}
}

func writeEvent(wc *websocket.Conn, ev Event) error {
	_ = wc.SetWriteDeadline(time.Now().Add(writeTimeout))
	return wc.WriteJSON(ev)
}
