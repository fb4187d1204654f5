// Package browser implements preview consumers: the tabs that show what the
// launcher serves.
package browser

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/livetemplate/liveserve/internal/handles"
)

const writeWait = 10 * time.Second

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // Preview tabs are served from this origin or a dev tunnel
	},
}

// Message is exchanged with the live-update client.
type Message struct {
	Action string `json:"action"`
	URL    string `json:"url,omitempty"`
	Path   string `json:"path,omitempty"`
}

// Hub pushes updates to every connected preview tab over WebSocket.
type Hub struct {
	mu          sync.Mutex
	connections map[*websocket.Conn]bool
	last        handles.Handle
	onViewing   func(path string)
	debug       bool
}

// NewHub creates an empty hub.
func NewHub(debug bool) *Hub {
	return &Hub{
		connections: make(map[*websocket.Conn]bool),
		debug:       debug,
	}
}

// OnViewing registers fn to be told which project path a tab reports showing.
func (h *Hub) OnViewing(fn func(path string)) {
	h.mu.Lock()
	h.onViewing = fn
	h.mu.Unlock()
}

// ServeHTTP upgrades the request and keeps the tab registered until it disconnects.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[WS] Upgrade failed: %v", err)
		return
	}

	h.register(conn)
	defer h.unregister(conn)

	for {
		var msg Message
		if err := conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("[WS] Read error: %v", err)
			}
			return
		}

		if h.debug {
			log.Printf("[WS] Received %s %s", msg.Action, msg.Path)
		}
		if msg.Action == "viewing" && msg.Path != "" {
			h.mu.Lock()
			fn := h.onViewing
			h.mu.Unlock()
			if fn != nil {
				fn(msg.Path)
			}
		}
	}
}

func (h *Hub) register(conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.connections[conn] = true
	log.Printf("[WS] Connection registered: %d active connections", len(h.connections))
}

func (h *Hub) unregister(conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.connections[conn] {
		delete(h.connections, conn)
		conn.Close()
		log.Printf("[WS] Connection unregistered: %d active connections", len(h.connections))
	}
}

// Update tells every connected tab to show url. Tabs that cannot be written
// to are dropped; their errors are returned joined.
func (h *Hub) Update(ctx context.Context, url handles.Handle) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	data, err := json.Marshal(Message{Action: "update", URL: url.String()})
	if err != nil {
		return fmt.Errorf("marshaling update: %w", err)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	h.last = url

	if len(h.connections) == 0 {
		log.Printf("[WS] No preview tab connected; latest is %s", url)
		return nil
	}

	if h.debug {
		log.Printf("[WS] Broadcasting update %s to %d connections", url, len(h.connections))
	}

	var errs []error
	for conn := range h.connections {
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
			errs = append(errs, err)
			delete(h.connections, conn)
			conn.Close()
		}
	}
	return errors.Join(errs...)
}

// Last returns the most recent handle sent.
func (h *Hub) Last() handles.Handle {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.last
}

// Len returns the number of connected tabs.
func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.connections)
}

// Close disconnects every tab.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for conn := range h.connections {
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
			time.Now().Add(time.Second))
		conn.Close()
		delete(h.connections, conn)
	}
}
