// Package broadcast fans knowledge-graph mutation events out to
// WebSocket subscribers, so agents in other editor windows see changes
// without polling kg_sync.
//
// Routing rules:
//   - user-level events go to every connected client
//   - project-level events go only to clients watching that project
//   - the originating session never receives its own events
//
// Example:
//
//	hub := broadcast.NewHub()
//	store, _ := muninn.New(muninn.Config{
//	    UserPath:  "user.json",
//	    Broadcast: hub.Publish,
//	})
//	mux.HandleFunc("/ws", hub.ServeWS)
package broadcast

import (
	"encoding/json"
	"log"
	"net/http"
	"path/filepath"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/orneryd/muninn/pkg/graph"
	"github.com/orneryd/muninn/pkg/muninn"
)

const (
	// sendBuffer bounds the per-client outbound queue. A client that
	// cannot drain this many events is dropped.
	sendBuffer = 64

	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		// Local tool server, same trust domain as the MCP endpoint.
		return true
	},
}

// Hub tracks connected WebSocket clients and routes events to them.
type Hub struct {
	mu      sync.RWMutex
	clients map[*client]struct{}
}

type client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte

	// sessionID excludes the client's own writes from its feed.
	sessionID string
	// graphKey is the project graph this client watches, empty for
	// user-level only.
	graphKey string
}

// NewHub creates an empty hub. Wire Publish into muninn.Config.Broadcast.
func NewHub() *Hub {
	return &Hub{clients: make(map[*client]struct{})}
}

// Count returns the number of connected clients.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Publish routes one mutation event to the matching clients. It never
// blocks the caller: clients with a full queue are dropped.
func (h *Hub) Publish(ev muninn.Event) {
	payload, err := json.Marshal(ev)
	if err != nil {
		log.Printf("broadcast: encode event: %v", err)
		return
	}

	h.mu.RLock()
	var slow []*client
	for c := range h.clients {
		if c.sessionID != "" && c.sessionID == ev.SessionID {
			continue
		}
		if graph.Level(ev.Level) == graph.LevelProject && c.graphKey != ev.GraphKey {
			continue
		}
		select {
		case c.send <- payload:
		default:
			slow = append(slow, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range slow {
		log.Printf("broadcast: dropping slow client session=%s", c.sessionID)
		h.remove(c)
	}
}

// ServeWS upgrades an HTTP request to a WebSocket subscription.
//
// Query parameters:
//   - session_id: this client's session, excluded from its own feed
//   - project_path: project directory to watch for project-level events
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("broadcast: upgrade failed: %v", err)
		return
	}

	c := &client{
		hub:       h,
		conn:      conn,
		send:      make(chan []byte, sendBuffer),
		sessionID: r.URL.Query().Get("session_id"),
	}
	if dir := r.URL.Query().Get("project_path"); dir != "" {
		if abs, err := filepath.Abs(dir); err == nil {
			c.graphKey = muninn.ProjectKey(abs)
		}
	}

	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
	log.Printf("broadcast: client connected session=%s", c.sessionID)

	go c.writePump()
	go c.readPump()
}

// Close disconnects all clients.
func (h *Hub) Close() {
	h.mu.Lock()
	clients := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.clients = make(map[*client]struct{})
	h.mu.Unlock()

	for _, c := range clients {
		close(c.send)
	}
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	_, ok := h.clients[c]
	if ok {
		delete(h.clients, c)
	}
	h.mu.Unlock()
	if ok {
		close(c.send)
	}
}

// readPump drains inbound frames. Subscribers do not send application
// messages; reading is only for close and pong handling.
func (c *client) readPump() {
	defer func() {
		c.hub.remove(c)
		c.conn.Close()
	}()
	c.conn.SetReadLimit(1024)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

// writePump serializes all writes to the connection.
func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case payload, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
