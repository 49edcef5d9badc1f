package api

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/whatsapp-automation/waweb/internal/events"
	"github.com/whatsapp-automation/waweb/internal/session"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = wsPongWait * 9 / 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// Origin checks belong to the gateway in front of the worker.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// rooms picks what a websocket client may listen to: one session when
// sessionId is given, otherwise everything the caller can see.
func (s *Server) rooms(r *http.Request) ([]string, int) {
	p := principalOf(r)
	if !p.Admin && p.TenantID == "" {
		return nil, http.StatusUnauthorized
	}
	if id := r.URL.Query().Get("sessionId"); id != "" {
		ref, ok := s.sessions.Lookup(id)
		if !ok || !p.canSee(ref.TenantID) {
			return nil, http.StatusNotFound
		}
		return []string{events.SessionRoom(id)}, 0
	}
	if p.Admin {
		return []string{events.AdminRoom}, 0
	}
	return []string{events.TenantRoom(p.TenantID)}, 0
}

// GET /ws[?sessionId=]
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	rooms, status := s.rooms(r)
	switch status {
	case 0:
	case http.StatusNotFound:
		s.writeErr(w, r, session.ErrSessionNotFound)
		return
	default:
		writeError(w, status, HeaderTenant+" header required")
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		s.log.WithError(err).Debug("websocket upgrade failed")
		return
	}
	sub := s.hub.Subscribe(rooms...)
	log := s.log.WithField("subscriber", sub.ID)
	log.WithField("rooms", rooms).Info("websocket client connected")

	done := make(chan struct{})
	go s.wsReader(conn, done)
	s.wsWriter(conn, sub, done)

	s.hub.Unsubscribe(sub)
	conn.Close()
	if n := sub.Dropped(); n > 0 {
		log.WithField("dropped", n).Warn("websocket client was too slow for some events")
	}
	log.Info("websocket client disconnected")
}

// wsReader drains client frames so pongs and close frames are processed.
func (s *Server) wsReader(conn *websocket.Conn, done chan<- struct{}) {
	defer close(done)
	conn.SetReadLimit(4096)
	conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (s *Server) wsWriter(conn *websocket.Conn, sub *events.Subscription, done <-chan struct{}) {
	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case evt, ok := <-sub.C:
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if !ok {
				conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"))
				return
			}
			if err := conn.WriteJSON(evt); err != nil {
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
