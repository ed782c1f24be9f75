package trade

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/atmx/bond-engine/internal/metrics"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = 30 * time.Second
	wsSendBuffer = 64
)

// WSMessage is a JSON message sent to WebSocket clients.
type WSMessage struct {
	Type      string `json:"type"`
	PoolID    string `json:"pool_id"`
	Kind      string `json:"kind,omitempty"`
	Trader    string `json:"trader,omitempty"`
	Asset     string `json:"asset,omitempty"`
	Maturity  uint64 `json:"maturity,omitempty"`
	Base      string `json:"base,omitempty"`
	Bonds     string `json:"bonds,omitempty"`
	SpotPrice string `json:"spot_price,omitempty"`
	FixedAPR  string `json:"fixed_apr,omitempty"`
}

// wsClient is one connection. pool filters broadcasts; empty means every
// pool. Only writePump writes to conn.
type wsClient struct {
	conn *websocket.Conn
	pool string
	send chan []byte
}

type wsEnvelope struct {
	pool string
	data []byte
}

// WSHub fans pool updates out to WebSocket clients. Clients subscribe to
// one pool with ?pool={poolID} or to all pools without it.
type WSHub struct {
	mu         sync.RWMutex
	clients    map[*wsClient]struct{}
	broadcast  chan wsEnvelope
	register   chan *wsClient
	unregister chan *wsClient
	done       chan struct{}
}

// NewWSHub creates a new WebSocket hub.
func NewWSHub() *WSHub {
	return &WSHub{
		clients:    make(map[*wsClient]struct{}),
		broadcast:  make(chan wsEnvelope, 256),
		register:   make(chan *wsClient),
		unregister: make(chan *wsClient),
		done:       make(chan struct{}),
	}
}

// Run routes registrations and broadcasts until ctx is done, then closes
// every connection.
func (h *WSHub) Run(ctx context.Context) error {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for c := range h.clients {
				h.drop(c)
			}
			h.mu.Unlock()
			return ctx.Err()

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = struct{}{}
			h.observe()
			h.mu.Unlock()
			slog.Info("ws client connected", "pool_id", c.pool, "total", h.Clients())

		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c]; ok {
				h.drop(c)
			}
			h.mu.Unlock()

		case env := <-h.broadcast:
			h.mu.Lock()
			for c := range h.clients {
				if c.pool != "" && c.pool != env.pool {
					continue
				}
				select {
				case c.send <- env.data:
				default:
					// Slow consumer.
					h.drop(c)
				}
			}
			h.mu.Unlock()
		}
	}
}

// drop removes c. Callers hold h.mu.
func (h *WSHub) drop(c *wsClient) {
	delete(h.clients, c)
	close(c.send)
	h.observe()
}

func (h *WSHub) observe() {
	metrics.WebSocketClients.Set(float64(len(h.clients)))
}

// Clients returns the number of connected clients.
func (h *WSHub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Broadcast queues msg for the clients of msg.PoolID. It never blocks;
// messages are dropped while the queue is full.
func (h *WSHub) Broadcast(msg WSMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	select {
	case h.broadcast <- wsEnvelope{pool: msg.PoolID, data: data}:
	default:
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(_ *http.Request) bool {
		return true // CORS is enforced by the router.
	},
}

// HandleWS handles WebSocket upgrade requests at GET /api/v1/ws[?pool=].
func (h *WSHub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("ws upgrade failed", "err", err)
		return
	}
	c := &wsClient{conn: conn, pool: r.URL.Query().Get("pool"), send: make(chan []byte, wsSendBuffer)}

	select {
	case h.register <- c:
	case <-h.done:
		conn.Close()
		return
	}

	go h.writePump(c)
	go h.readPump(c)
}

// readPump discards client messages and detects disconnects.
func (h *WSHub) readPump(c *wsClient) {
	defer func() {
		select {
		case h.unregister <- c:
		case <-h.done:
		}
	}()
	c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

// writePump delivers queued messages and pings until send is closed.
func (h *WSHub) writePump(c *wsClient) {
	ticker := time.NewTicker(wsPingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case data, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, nil)
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				return
			}
		}
	}
}
