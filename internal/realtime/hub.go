// Package realtime provides WebSocket broadcasting of escrow
// lifecycle events to connected clients.
package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/crosslock/crosslock/internal/metrics"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096

	// MaxClients caps concurrent connections to protect the server.
	MaxClients = 10000
)

// Event is a message pushed to subscribed WebSocket clients.
type Event struct {
	Kind      string    `json:"kind"`
	EscrowID  uint64    `json:"escrowId"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data,omitempty"`
}

// Subscription describes which events a client wants to receive.
// A zero Subscription receives everything.
type Subscription struct {
	Kinds     []string `json:"kinds,omitempty"`
	EscrowIDs []uint64 `json:"escrowIds,omitempty"`
}

func (s Subscription) matches(ev Event) bool {
	if len(s.Kinds) > 0 {
		found := false
		for _, k := range s.Kinds {
			if k == ev.Kind {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if len(s.EscrowIDs) > 0 {
		found := false
		for _, id := range s.EscrowIDs {
			if id == ev.EscrowID {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// client is a single WebSocket connection managed by the hub.
type client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte

	mu  sync.RWMutex
	sub Subscription
}

func (c *client) subscription() Subscription {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sub
}

func (c *client) setSubscription(sub Subscription) {
	c.mu.Lock()
	c.sub = sub
	c.mu.Unlock()
}

// Hub maintains the set of active clients and broadcasts events to
// them. Run must be called before clients connect.
type Hub struct {
	clients    map[*client]bool
	register   chan *client
	unregister chan *client
	broadcast  chan Event
	done       chan struct{}
	logger     *slog.Logger

	upgrader websocket.Upgrader
}

// NewHub creates a hub ready for Run.
func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		clients:    make(map[*client]bool),
		register:   make(chan *client),
		unregister: make(chan *client),
		broadcast:  make(chan Event, 256),
		done:       make(chan struct{}),
		logger:     logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				// Public event feed, no credentials carried.
				return true
			},
		},
	}
}

// Run processes register, unregister and broadcast requests until ctx
// is cancelled. All client-map access happens on this goroutine.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			for c := range h.clients {
				close(c.send)
				delete(h.clients, c)
			}
			metrics.ActiveWebSocketClients.Set(0)
			return

		case c := <-h.register:
			if len(h.clients) >= MaxClients {
				h.logger.Warn("websocket client limit reached, rejecting connection")
				close(c.send)
				continue
			}
			h.clients[c] = true
			metrics.ActiveWebSocketClients.Set(float64(len(h.clients)))

		case c := <-h.unregister:
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
				metrics.ActiveWebSocketClients.Set(float64(len(h.clients)))
			}

		case ev := <-h.broadcast:
			msg, err := json.Marshal(ev)
			if err != nil {
				h.logger.Error("marshal broadcast event", "error", err)
				continue
			}
			for c := range h.clients {
				if !c.subscription().matches(ev) {
					continue
				}
				select {
				case c.send <- msg:
				default:
					// Slow client, drop it rather than block the hub.
					delete(h.clients, c)
					close(c.send)
					metrics.ActiveWebSocketClients.Set(float64(len(h.clients)))
				}
			}
		}
	}
}

// Broadcast queues an event for delivery to subscribed clients.
// Non-blocking; events are dropped if the hub is saturated or stopped.
func (h *Hub) Broadcast(ev Event) {
	select {
	case h.broadcast <- ev:
	case <-h.done:
	default:
		h.logger.Warn("broadcast queue full, dropping event", "kind", ev.Kind)
	}
}

// HandleWebSocket upgrades the connection and registers the client.
// GET /ws
func (h *Hub) HandleWebSocket(c *gin.Context) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed", "error", err)
		return
	}

	cl := &client{
		hub:  h,
		conn: conn,
		send: make(chan []byte, 64),
	}

	select {
	case h.register <- cl:
	case <-h.done:
		_ = conn.Close()
		return
	}

	go cl.writePump()
	go cl.readPump()
}

// readPump reads subscription updates from the client until the
// connection closes.
func (c *client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, msg, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		var sub Subscription
		if err := json.Unmarshal(msg, &sub); err != nil {
			continue
		}
		c.setSubscription(sub)
	}
}

// writePump pushes broadcast messages and pings to the client.
func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
