package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = 45 * time.Second
)

// newUpgrader creates a WebSocket upgrader. When allowAllOrigins is false,
// only same-origin requests are accepted (Origin header must match Host).
func newUpgrader(allowAllOrigins bool) websocket.Upgrader {
	return websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			if allowAllOrigins {
				return true
			}
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true // non-browser clients don't send Origin
			}
			// Accept if Origin host matches the request Host header.
			host := r.Host
			return strings.Contains(origin, host)
		},
	}
}

// wsClient is one feed subscriber. Writes are serialized through mu because
// both Broadcast and the ping loop write to the connection.
type wsClient struct {
	mu     sync.Mutex
	conn   *websocket.Conn
	events map[string]bool // empty means every event type
}

// wants reports whether the client subscribed to the event type.
func (c *wsClient) wants(eventType string) bool {
	if len(c.events) == 0 {
		return true
	}
	return c.events[eventType]
}

func (c *wsClient) write(messageType int, payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return c.conn.WriteMessage(messageType, payload)
}

// WebSocketHub manages the live telemetry feed. Position updates,
// violations, docking events and ground stops are pushed to every connected
// client as they happen; clients can narrow the stream with an `events`
// query parameter (comma-separated event types) on connect.
type WebSocketHub struct {
	mu       sync.RWMutex
	clients  map[*wsClient]bool
	upgrader websocket.Upgrader
	logger   *slog.Logger
	done     chan struct{}
}

// NewWebSocketHub creates a new WebSocket hub.
func NewWebSocketHub(logger *slog.Logger, allowAllOrigins bool) *WebSocketHub {
	return &WebSocketHub{
		clients:  make(map[*wsClient]bool),
		upgrader: newUpgrader(allowAllOrigins),
		logger:   logger,
		done:     make(chan struct{}),
	}
}

// Run pings connected clients until Close; clients that miss the pong
// deadline are dropped by their read pump.
func (h *WebSocketHub) Run() {
	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-h.done:
			return
		case <-ticker.C:
			h.mu.RLock()
			for c := range h.clients {
				if err := c.write(websocket.PingMessage, nil); err != nil {
					h.logger.Debug("failed to ping websocket client", "error", err)
				}
			}
			h.mu.RUnlock()
		}
	}
}

// Close shuts down the hub and all connections.
func (h *WebSocketHub) Close() {
	close(h.done)
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		_ = c.conn.Close()
		delete(h.clients, c)
	}
}

// parseEventFilter reads the comma-separated `events` query parameter. An
// absent or empty parameter subscribes the client to everything.
func parseEventFilter(raw string) map[string]bool {
	events := make(map[string]bool)
	for _, e := range strings.Split(raw, ",") {
		if e = strings.TrimSpace(e); e != "" {
			events[e] = true
		}
	}
	return events
}

// HandleWebSocket upgrades an HTTP connection to WebSocket.
func (h *WebSocketHub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed", "error", err)
		return
	}

	client := &wsClient{
		conn:   conn,
		events: parseEventFilter(r.URL.Query().Get("events")),
	}

	h.mu.Lock()
	h.clients[client] = true
	h.mu.Unlock()

	h.logger.Debug("websocket client connected",
		"remote", conn.RemoteAddr(), "events", len(client.events))

	// Read pump — keeps connection alive, refreshes the pong deadline,
	// handles client disconnect
	go func() {
		defer func() {
			h.mu.Lock()
			delete(h.clients, client)
			h.mu.Unlock()
			_ = conn.Close()
			h.logger.Debug("websocket client disconnected", "remote", conn.RemoteAddr())
		}()

		_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(wsPongWait))
		})

		for {
			_, _, err := conn.ReadMessage()
			if err != nil {
				break
			}
		}
	}()
}

// Broadcast sends a typed event to every connected client subscribed to the
// event type.
func (h *WebSocketHub) Broadcast(eventType string, data interface{}) {
	msg, err := json.Marshal(map[string]interface{}{
		"type": eventType,
		"data": data,
	})
	if err != nil {
		h.logger.Error("failed to marshal websocket message", "error", err)
		return
	}

	// Collect dead connections under RLock, then clean up under WLock.
	h.mu.RLock()
	var dead []*wsClient
	for c := range h.clients {
		if !c.wants(eventType) {
			continue
		}
		if err := c.write(websocket.TextMessage, msg); err != nil {
			h.logger.Debug("failed to write to websocket client", "error", err)
			dead = append(dead, c)
		}
	}
	h.mu.RUnlock()

	if len(dead) > 0 {
		h.mu.Lock()
		for _, c := range dead {
			delete(h.clients, c)
			_ = c.conn.Close()
		}
		h.mu.Unlock()
	}
}

// ClientCount returns the number of connected clients.
func (h *WebSocketHub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
