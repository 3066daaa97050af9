package realtime

import (
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const writeTimeout = 10 * time.Second

// NewUpgrader creates a WebSocket upgrader with origin checking. An empty
// allow list (or a single "*") accepts any origin; requests without an
// Origin header are non-browser clients and always pass.
func NewUpgrader(allowedOrigins []string) websocket.Upgrader {
	allowAll := len(allowedOrigins) == 0 || (len(allowedOrigins) == 1 && allowedOrigins[0] == "*")
	originSet := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		originSet[o] = true
	}

	return websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			if allowAll {
				return true
			}
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true
			}
			return originSet[origin]
		},
	}
}

// event is the wire shape of a server-to-client realtime message.
type event struct {
	Event   string `json:"event"`
	Payload any    `json:"payload,omitempty"`
}

// WebSocket implements Socket over a gorilla/websocket connection.
type WebSocket struct {
	id   string
	hub  *Hub
	conn *websocket.Conn

	mu     sync.Mutex // protects conn writes
	closed bool
}

// NewWebSocket wraps an upgraded connection and registers it with hub.
func NewWebSocket(conn *websocket.Conn, hub *Hub) *WebSocket {
	return &WebSocket{
		id:   uuid.NewString(),
		hub:  hub,
		conn: conn,
	}
}

func (w *WebSocket) ID() string { return w.id }

func (w *WebSocket) Join(room string) error {
	w.mu.Lock()
	closed := w.closed
	w.mu.Unlock()
	if closed {
		return fmt.Errorf("join %s: socket closed", room)
	}
	w.hub.add(room, w)
	return nil
}

func (w *WebSocket) Leave(room string) error {
	w.hub.remove(room, w)
	return nil
}

func (w *WebSocket) Send(ev string, payload any) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return fmt.Errorf("send %s: socket closed", ev)
	}

	w.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := w.conn.WriteJSON(event{Event: ev, Payload: payload}); err != nil {
		return fmt.Errorf("send %s: %w", ev, err)
	}
	return nil
}

func (w *WebSocket) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	conn := w.conn
	w.mu.Unlock()

	w.hub.removeAll(w)

	conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second),
	)
	return conn.Close()
}

var _ Socket = (*WebSocket)(nil)
