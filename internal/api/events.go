package api

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/dalejefferson/CodingIDE-sub002/pkg/protocol"
)

const (
	eventBuffer  = 256
	writeTimeout = 10 * time.Second
	pongTimeout  = 60 * time.Second
	pingInterval = 30 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// Same policy as the CORS middleware: any origin, auth is the token.
	CheckOrigin: func(*http.Request) bool { return true },
}

// handleEvents streams hub events as JSON text frames. ?ticket= limits the
// stream to one ticket.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.events == nil {
		writeError(w, http.StatusServiceUnavailable, "event stream not available")
		return
	}
	only := r.URL.Query().Get("ticket")

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the HTTP error.
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	events, cancel := s.events.Subscribe(eventBuffer)
	defer cancel()

	closed := make(chan struct{})
	go s.readPump(conn, closed)

	ping := time.NewTicker(pingInterval)
	defer ping.Stop()

	s.logger.Debug("event subscriber connected", "remote", r.RemoteAddr, "ticket", only)
	for {
		select {
		case <-closed:
			s.logger.Debug("event subscriber gone", "remote", r.RemoteAddr)
			return
		case <-s.closing:
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
				time.Now().Add(time.Second))
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			if only != "" && e.TicketID != only {
				continue
			}
			if err := writeEvent(conn, e); err != nil {
				s.logger.Debug("event write failed", "error", err)
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
				return
			}
		}
	}
}

// readPump discards client frames and keeps the pong deadline fresh. It
// closes closed when the connection ends.
func (s *Server) readPump(conn *websocket.Conn, closed chan<- struct{}) {
	defer close(closed)
	conn.SetReadLimit(4096)
	conn.SetReadDeadline(time.Now().Add(pongTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongTimeout))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func writeEvent(conn *websocket.Conn, e protocol.Event) error {
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return conn.WriteJSON(e)
}
