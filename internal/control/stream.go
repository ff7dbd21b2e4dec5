package control

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

const (
	streamBuffer    = 256
	streamWriteWait = 5 * time.Second
	streamPongWait  = 60 * time.Second
	streamPingEvery = streamPongWait * 9 / 10
)

// handleLogStream upgrades to a websocket and sends every drained
// operator log event as a JSON message. The current display buffer is
// not replayed; clients fetch it from /v1/logs first. A client too slow
// to keep up misses events.
func (s *Server) handleLogStream(w http.ResponseWriter, r *http.Request) {
	if s.funnel == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "log stream unavailable")
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the error response.
		s.logger.Debug("log stream upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	events := s.funnel.Subscribe(streamBuffer)
	defer s.funnel.Unsubscribe(events)

	// The read side only services control frames and notices when the
	// client goes away.
	gone := make(chan struct{})
	conn.SetReadLimit(512)
	_ = conn.SetReadDeadline(time.Now().Add(streamPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(streamPongWait))
	})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(streamPingEvery)
	defer ping.Stop()

	s.logger.Debug("log stream attached", "remote", r.RemoteAddr)
	for {
		select {
		case <-r.Context().Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
				time.Now().Add(streamWriteWait))
			return
		case <-gone:
			s.logger.Debug("log stream detached", "remote", r.RemoteAddr)
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
			if err := conn.WriteJSON(e); err != nil {
				s.logger.Debug("log stream write failed", "error", err)
				return
			}
		case <-ping.C:
			_ = conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
