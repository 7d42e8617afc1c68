package api

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

const (
	// eventBufSize is the per-subscriber channel buffer. A slow client
	// misses events rather than stalling publishers.
	eventBufSize = 64

	wsWriteWait = 10 * time.Second
	wsPingEvery = 30 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// The API is a local control surface; same-origin policy is not
	// enforced here.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// handleEvents upgrades the connection to a WebSocket and streams bus
// events as JSON until the client disconnects.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.bus == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "event stream not available")
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	sub := s.bus.Subscribe(eventBufSize)
	defer s.bus.Unsubscribe(sub)

	s.logger.Info("event stream connected", "remote", r.RemoteAddr)

	// Drain reads so close frames and pongs are processed.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(wsPingEvery)
	defer ping.Stop()

	for {
		select {
		case <-done:
			s.logger.Info("event stream disconnected", "remote", r.RemoteAddr)
			return
		case <-r.Context().Done():
			return
		case ev, ok := <-sub:
			if !ok {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteJSON(ev); err != nil {
				if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					s.logger.Debug("event stream write failed", "error", err)
				}
				return
			}
		case <-ping.C:
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
