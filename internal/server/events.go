// ABOUTME: WebSocket feed of server events for dashboards
// ABOUTME: Each connection gets its own bus subscription and a ping ticker
package server

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

const (
	eventWriteDeadline = 10 * time.Second
	eventPingInterval  = 30 * time.Second
)

// handleEvents upgrades to a WebSocket and pushes every published event as JSON
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.bus == nil {
		http.Error(w, "event feed disabled", http.StatusServiceUnavailable)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade error", "err", err)
		return
	}
	defer conn.Close()

	feed, cancel := s.bus.Subscribe(64)
	defer cancel()

	s.logger.Debug("event feed connected", "remote", r.RemoteAddr)

	// Reader goroutine notices client close frames
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(eventPingInterval)
	defer ticker.Stop()

	for {
		select {
		case e, ok := <-feed:
			if !ok {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(eventWriteDeadline))
			if err := conn.WriteJSON(e); err != nil {
				s.logger.Debug("event feed write failed", "err", err)
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(eventWriteDeadline)); err != nil {
				return
			}
		case <-closed:
			return
		case <-s.ctx.Done():
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
				time.Now().Add(time.Second))
			return
		}
	}
}
