package bridge

import (
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"

	"github.com/marc/sdcp_bridge/printer"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// notification is the server-to-client push frame.
type notification struct {
	Method string `json:"method"`
	Params any    `json:"params"`
}

// wsClient is one connected UI client.
type wsClient struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *wsClient) send(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteJSON(v)
}

// Hub manages websocket clients and pushes every status update from
// the bus to all of them.
type Hub struct {
	bus    *printer.Bus
	mu     sync.RWMutex
	client map[*wsClient]bool
	cancel func()
	done   chan struct{}
}

// NewHub creates a hub over the given bus.
func NewHub(bus *printer.Bus) *Hub {
	return &Hub{
		bus:    bus,
		client: make(map[*wsClient]bool),
	}
}

// Run subscribes to the bus and starts broadcasting.
func (h *Hub) Run() {
	ch, cancel := h.bus.Subscribe()
	h.cancel = cancel
	h.done = make(chan struct{})

	go func() {
		defer close(h.done)
		for u := range ch {
			h.Broadcast("notify_status_update", map[string]any{
				"device_id": u.DeviceID,
				"status":    u.Status,
			})
		}
	}()
}

// Close unsubscribes from the bus and drops all clients.
func (h *Hub) Close() {
	if h.cancel != nil {
		h.cancel()
		<-h.done
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.client {
		c.conn.Close()
		delete(h.client, c)
	}
}

// Broadcast sends a notification to every connected client.
func (h *Hub) Broadcast(method string, params any) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	n := notification{Method: method, Params: params}
	for c := range h.client {
		if err := c.send(n); err != nil {
			log.Printf("WebSocket send error: %v", err)
		}
	}
}

// HandleWebSocket upgrades the connection and keeps it registered
// until the client goes away.
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("WebSocket upgrade error: %v", err)
		return
	}

	client := &wsClient{conn: conn}
	h.mu.Lock()
	h.client[client] = true
	h.mu.Unlock()

	defer func() {
		h.mu.Lock()
		delete(h.client, client)
		h.mu.Unlock()
		conn.Close()
	}()

	log.Printf("WebSocket client connected from %s", r.RemoteAddr)

	// Clients only listen; the read loop just detects disconnect.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("WebSocket read error: %v", err)
			}
			return
		}
	}
}
