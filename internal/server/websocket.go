package server

import (
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	websocketWriteTimeout   = 10 * time.Second
	websocketMaxMessageSize = 8 << 20
)

type websocketUpgrader interface {
	Upgrade(w http.ResponseWriter, r *http.Request, responseHeader http.Header) (*websocket.Conn, error)
}

func newUpgrader(allowedOrigins []string) *websocket.Upgrader {
	upgrader := &websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
	}
	if allowsAnyOrigin(allowedOrigins) {
		upgrader.CheckOrigin = func(*http.Request) bool { return true }
		return upgrader
	}
	allowed := make(map[string]struct{}, len(allowedOrigins))
	for _, origin := range allowedOrigins {
		allowed[strings.TrimRight(strings.ToLower(origin), "/")] = struct{}{}
	}
	upgrader.CheckOrigin = func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		parsed, err := url.Parse(origin)
		if err != nil {
			return false
		}
		_, ok := allowed[strings.ToLower(parsed.Scheme+"://"+parsed.Host)]
		return ok
	}
	return upgrader
}

// websocketSocket adapts a gorilla connection to room.Socket. Reads and writes
// each come from a single goroutine, as gorilla requires.
type websocketSocket struct {
	conn      *websocket.Conn
	closeOnce sync.Once
	closeErr  error
}

func newWebsocketSocket(conn *websocket.Conn) *websocketSocket {
	conn.SetReadLimit(websocketMaxMessageSize)
	return &websocketSocket{conn: conn}
}

func (s *websocketSocket) ReadMessage() ([]byte, error) {
	_, payload, err := s.conn.ReadMessage()
	return payload, err
}

func (s *websocketSocket) WriteMessage(payload []byte) error {
	if err := s.conn.SetWriteDeadline(time.Now().Add(websocketWriteTimeout)); err != nil {
		return err
	}
	return s.conn.WriteMessage(websocket.TextMessage, payload)
}

// Close sends a close frame, best effort, and closes the connection.
func (s *websocketSocket) Close() error {
	s.closeOnce.Do(func() {
		deadline := time.Now().Add(time.Second)
		_ = s.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
		s.closeErr = s.conn.Close()
	})
	return s.closeErr
}
