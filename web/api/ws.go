package api

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/loopforge/runway/internal/logstream"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPingPeriod = 30 * time.Second
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// feedHandler serves the owner-scoped websocket feed. Every log event from
// every execution owned by the requested owner flows through one connection,
// including terminal events forwarded on execution completion.
func (s *Server) feedHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ownerID := r.URL.Query().Get("owner")
		if ownerID == "" {
			writeError(w, http.StatusBadRequest, "owner query parameter required")
			return
		}

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			s.logger.Warn("websocket upgrade", "error", err)
			return
		}

		sub, unsubscribe := s.broker.Subscribe(logstream.OwnerScope(ownerID))
		go s.feedConnection(conn, sub, unsubscribe, ownerID)
	}
}

func (s *Server) feedConnection(conn *websocket.Conn, sub *logstream.Subscriber, unsubscribe func(), ownerID string) {
	defer func() {
		unsubscribe()
		conn.Close()
	}()

	// Reader goroutine only detects client disconnect; the feed is one-way
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(wsPingPeriod)
	defer ping.Stop()

	for {
		select {
		case <-done:
			return

		case ev, ok := <-sub.Events():
			if !ok {
				// Broker evicted or shut down: close politely
				conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
				conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "feed closed"))
				return
			}
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteJSON(ev); err != nil {
				s.logger.Debug("owner feed write", "owner", ownerID, "error", err)
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
