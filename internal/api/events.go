package api

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

const (
	defaultEventBuffer = 64
	eventWriteWait     = 10 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
}

// handleEvents streams bus events to a websocket client as JSON text
// frames until the client goes away. ?buffer= sizes the subscription;
// a slow client misses events rather than slowing publishers.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.deps.Bus == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "event bus not configured")
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the error response.
		s.logger.Debug("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	buf := parseIntParam(r, "buffer", defaultEventBuffer)
	if buf == 0 {
		buf = defaultEventBuffer
	}
	ch := s.deps.Bus.Subscribe(buf)
	defer s.deps.Bus.Unsubscribe(ch)
	s.logger.Debug("event subscriber connected", "remote", r.RemoteAddr)

	// The reader only notices the close frame; clients send nothing.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-gone:
			s.logger.Debug("event subscriber disconnected", "remote", r.RemoteAddr)
			return
		case <-r.Context().Done():
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
				time.Now().Add(eventWriteWait))
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(eventWriteWait))
			if err := conn.WriteJSON(e); err != nil {
				s.logger.Debug("event write failed", "error", err)
				return
			}
		}
	}
}
