package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/obsidianstack/alertflow/pkg/types"
	"github.com/obsidianstack/alertflow/server/internal/store"
)

const (
	// writeTimeout is the deadline for a single write to a client.
	writeTimeout = 10 * time.Second

	// pongWait is how long to wait for a pong response before treating the
	// connection as dead.
	pongWait = 60 * time.Second

	// pingPeriod must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// sendBufSize is the per-client outgoing message buffer depth.
	sendBufSize = 64
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Message is the JSON envelope sent to clients.
type Message struct {
	Event string `json:"event"`
	Data  any    `json:"data"`
}

// Summary is the payload of a summary message.
type Summary struct {
	GeneratedAt time.Time                    `json:"generatedAt"`
	Counts      map[types.DeliveryStatus]int `json:"counts"`
}

// Hub manages WebSocket clients and fans delivery results out to them.
type Hub struct {
	store    *store.Store
	interval time.Duration

	mu      sync.RWMutex
	clients map[*client]struct{}
}

// client represents one connected WebSocket client. A nil severities set
// receives every delivery.
type client struct {
	conn       *websocket.Conn
	send       chan []byte
	severities map[types.Severity]bool
}

func (c *client) wants(sev types.Severity) bool {
	return c.severities == nil || c.severities[sev]
}

// parseSeverities reads the comma-separated severity query parameter.
func parseSeverities(raw string) (map[types.Severity]bool, error) {
	if raw == "" {
		return nil, nil
	}
	out := make(map[types.Severity]bool)
	for _, part := range strings.Split(raw, ",") {
		sev := types.Severity(strings.TrimSpace(part))
		if !sev.Valid() {
			return nil, fmt.Errorf("unknown severity %q", sev)
		}
		out[sev] = true
	}
	return out, nil
}

// New creates a Hub that summarises st every interval.
func New(st *store.Store, interval time.Duration) *Hub {
	return &Hub{
		store:    st,
		interval: interval,
		clients:  make(map[*client]struct{}),
	}
}

// Publish pushes res to every client subscribed to its severity. It never
// blocks.
func (h *Hub) Publish(res types.DeliveryResult) {
	data, err := json.Marshal(Message{Event: "delivery", Data: res})
	if err != nil {
		slog.Error("ws: marshal delivery", "event_id", res.EventID, "err", err)
		return
	}
	h.broadcast(data, func(c *client) bool { return c.wants(res.Severity) })
}

// Run sends a summary to all clients every interval. Run blocks until ctx is
// cancelled, then closes all active connections.
func (h *Hub) Run(ctx context.Context) {
	t := time.NewTicker(h.interval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return
		case <-t.C:
			if data, err := h.summary(); err == nil {
				h.broadcast(data, nil)
			}
		}
	}
}

// ServeHTTP upgrades the connection and serves the client until it closes.
// The optional severity query parameter (e.g. ?severity=critical,security)
// limits which deliveries the client receives; summaries go to everyone.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	sevs, err := parseSeverities(r.URL.Query().Get("severity"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// upgrader has already written the error response.
		return
	}

	c := &client{
		conn:       conn,
		send:       make(chan []byte, sendBufSize),
		severities: sevs,
	}
	if data, err := h.summary(); err == nil {
		c.send <- data
	}
	h.register(c)
	defer h.unregister(c)

	go c.writePump()
	c.readPump() // blocks until connection closes
}

// Count returns the number of currently connected clients.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) register(c *client) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
	h.mu.Unlock()
}

// broadcast sends to every client accepted by filter (all when nil). It
// sends under the read lock so that unregister cannot close a channel
// mid-send. Slow clients are dropped afterwards.
func (h *Hub) broadcast(data []byte, filter func(*client) bool) {
	var slow []*client
	h.mu.RLock()
	for c := range h.clients {
		if filter != nil && !filter(c) {
			continue
		}
		select {
		case c.send <- data:
		default:
			slow = append(slow, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range slow {
		slog.Warn("ws: client too slow, disconnecting", "remote", c.conn.RemoteAddr().String())
		h.unregister(c)
	}
}

func (h *Hub) summary() ([]byte, error) {
	return json.Marshal(Message{
		Event: "summary",
		Data:  Summary{GeneratedAt: time.Now().UTC(), Counts: h.store.Counts()},
	})
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		close(c.send)
		delete(h.clients, c)
	}
}

// writePump forwards queued messages to the connection and sends pings. Runs
// in its own goroutine per client.
func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{}) //nolint:errcheck
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump handles control frames and detects disconnects. Blocks until the
// connection closes.
func (c *client) readPump() {
	defer c.conn.Close()
	c.conn.SetReadLimit(512)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			break
		}
	}
}
