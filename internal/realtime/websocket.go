package realtime

import (
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"geoliner/api/internal/util"
)

// wsConn adapts a gorilla connection to the hub's Conn. Writes are serialized
// and deadline-bounded; a peer that stops reading times out instead of
// pinning the write loop.
type wsConn struct {
	conn         *websocket.Conn
	writeTimeout time.Duration

	mu sync.Mutex
}

func (c *wsConn) ReadJSON(v any) error {
	return c.conn.ReadJSON(v)
}

func (c *wsConn) WriteJSON(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
		return err
	}
	return c.conn.WriteJSON(v)
}

func (c *wsConn) Close() error {
	return c.conn.Close()
}

// WSHandler upgrades HTTP requests into hub sessions.
type WSHandler struct {
	hub          *Hub
	upgrader     websocket.Upgrader
	writeTimeout time.Duration
}

func NewWSHandler(hub *Hub, origin string, writeTimeout time.Duration) *WSHandler {
	if writeTimeout <= 0 {
		writeTimeout = 10 * time.Second
	}
	return &WSHandler{
		hub: hub,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				return origin == "*" || r.Header.Get("Origin") == origin
			},
		},
		writeTimeout: writeTimeout,
	}
}

// ServeProject joins the request's client to projectID's room and blocks for
// the life of the connection. Identity arrives from the auth gateway in
// X-User-ID; anonymous connections get a generated id.
func (h *WSHandler) ServeProject(w http.ResponseWriter, r *http.Request, projectID string) {
	userID := r.Header.Get("X-User-ID")
	if userID == "" {
		userID = r.URL.Query().Get("user")
	}
	if userID == "" {
		userID = util.NewID("usr")
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the error response.
		log.Printf("websocket upgrade %s: %v", projectID, err)
		return
	}

	if err := h.hub.Serve(r.Context(), projectID, userID, &wsConn{conn: conn, writeTimeout: h.writeTimeout}); err != nil {
		log.Printf("websocket session %s/%s: %v", projectID, userID, err)
	}
}
