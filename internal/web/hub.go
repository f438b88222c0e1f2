package web

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Event is pushed to every connected reader UI when state changes
// behind its back (autonomous scans, consolidations, scheduled backups).
type Event struct {
	Type    string `json:"type"`
	Payload any    `json:"payload,omitempty"`
	At      string `json:"at"`
}

// Event types emitted by the server.
const (
	EventAnnotationCreated  = "annotation.created"
	EventScanCompleted      = "scan.completed"
	EventMemoryConsolidated = "memory.consolidated"
	EventBackupPushed       = "backup.pushed"
)

// Hub fans events out to WebSocket subscribers. A slow subscriber is
// dropped rather than allowed to stall the rest.
type Hub struct {
	upgrader websocket.Upgrader
	logger   *slog.Logger

	mu      sync.Mutex
	clients map[*websocket.Conn]chan Event
}

// NewHub creates an event hub.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Same-host UI only; CheckOrigin default would reject the
			// reader frontend during development.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		logger:  logger.With("component", "events"),
		clients: make(map[*websocket.Conn]chan Event),
	}
}

// ServeHTTP upgrades the connection and streams events until the
// client disconnects.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debug("websocket upgrade failed", "error", err)
		return
	}

	ch := make(chan Event, 16)
	h.mu.Lock()
	h.clients[conn] = ch
	n := len(h.clients)
	h.mu.Unlock()
	h.logger.Debug("subscriber connected", "subscribers", n)

	// Reader: we ignore inbound frames but need the pump so pings and
	// close frames are processed.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				h.drop(conn)
				return
			}
		}
	}()

	for ev := range ch {
		conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
		if err := conn.WriteJSON(ev); err != nil {
			h.drop(conn)
			return
		}
	}
}

// Broadcast sends an event to all subscribers.
func (h *Hub) Broadcast(eventType string, payload any) {
	ev := Event{
		Type:    eventType,
		Payload: payload,
		At:      time.Now().UTC().Format(time.RFC3339),
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for conn, ch := range h.clients {
		select {
		case ch <- ev:
		default:
			// Subscriber is not draining; cut it loose.
			h.dropLocked(conn)
		}
	}
}

// Subscribers reports the current connection count.
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Close disconnects every subscriber.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for conn := range h.clients {
		h.dropLocked(conn)
	}
}

func (h *Hub) drop(conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.dropLocked(conn)
}

func (h *Hub) dropLocked(conn *websocket.Conn) {
	if ch, ok := h.clients[conn]; ok {
		delete(h.clients, conn)
		close(ch)
		conn.Close()
	}
}
