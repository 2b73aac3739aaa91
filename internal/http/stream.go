package httpapi

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
)

const (
	writeWait  = 5 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// The control API binds to the local host; any origin may watch.
	CheckOrigin: func(*http.Request) bool { return true },
}

// wsSession serializes writes to one watcher connection.
type wsSession struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (s *wsSession) send(v any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return s.conn.WriteJSON(v)
}

func (s *wsSession) ping() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
}

func (s *wsSession) closeWith(code int, text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, text), time.Now().Add(writeWait))
}

// handleStream pushes a snapshot on connect and after every change until the
// ride ends, the ride stops being tracked or the watcher goes away.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["ride_id"]
	rd, err := s.Tracker.Lookup(id)
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("websocket upgrade failed", "ride_id", id, "error", err)
		return
	}
	defer conn.Close()
	sess := &wsSession{conn: conn}

	gone := make(chan struct{})
	go func() {
		defer close(gone)
		conn.SetReadLimit(512)
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(pongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(pingPeriod)
	defer ping.Stop()
	for {
		changed := rd.State.Changed()
		snap := rd.State.Read()
		if err := sess.send(newRideView(snap, rd.Trip)); err != nil {
			return
		}
		if snap.Status.Terminal() {
			sess.closeWith(websocket.CloseNormalClosure, string(snap.Status))
			return
		}
	wait:
		for {
			select {
			case <-changed:
				break wait
			case <-rd.Stopped():
				final := rd.State.Read()
				if final.Status != snap.Status {
					_ = sess.send(newRideView(final, nil))
				}
				sess.closeWith(websocket.CloseNormalClosure, "stopped")
				return
			case <-gone:
				return
			case <-r.Context().Done():
				return
			case <-ping.C:
				if err := sess.ping(); err != nil {
					return
				}
			}
		}
	}
}
