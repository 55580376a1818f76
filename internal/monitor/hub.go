package monitor

import (
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/omnicloud/piecestore/internal/process"
)

// Client is one connected observer. It has no identity beyond a random ID;
// unlike the teacher's websocket.Client there is no server registration or
// authorization to track.
type Client struct {
	ID   uuid.UUID
	conn *websocket.Conn
	send chan []byte
	hub  *Hub
}

// Hub fans Writer Process events out to every connected observer. It plays
// the same role as the teacher's websocket.Hub, scoped down: one broadcast
// channel, no unicast, no database-backed presence tracking, since an
// observer here is a read-only tap, not a peer the daemon talks back to.
type Hub struct {
	clientsMu sync.RWMutex
	clients   map[uuid.UUID]*Client

	register   chan *Client
	unregister chan *Client
	broadcast  chan []byte
}

// NewHub creates an empty, unstarted Hub.
func NewHub() *Hub {
	return &Hub{
		clients:    make(map[uuid.UUID]*Client),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan []byte, 256),
	}
}

// Run services the hub's channels until stop is closed.
func (h *Hub) Run(stop <-chan struct{}) {
	for {
		select {
		case c := <-h.register:
			h.clientsMu.Lock()
			h.clients[c.ID] = c
			h.clientsMu.Unlock()
			log.Printf("[monitor] observer connected: %s (total %d)", c.ID, h.count())

		case c := <-h.unregister:
			h.clientsMu.Lock()
			if _, ok := h.clients[c.ID]; ok {
				delete(h.clients, c.ID)
				close(c.send)
			}
			h.clientsMu.Unlock()
			log.Printf("[monitor] observer disconnected: %s (total %d)", c.ID, h.count())

		case msg := <-h.broadcast:
			h.clientsMu.RLock()
			for _, c := range h.clients {
				select {
				case c.send <- msg:
				default:
					log.Printf("[monitor] observer %s send buffer full, dropping", c.ID)
				}
			}
			h.clientsMu.RUnlock()

		case <-stop:
			return
		}
	}
}

func (h *Hub) count() int {
	h.clientsMu.RLock()
	defer h.clientsMu.RUnlock()
	return len(h.clients)
}

// Observe implements process.EventSink, translating each Event to JSON and
// broadcasting it to every connected observer. Never blocks: the broadcast
// channel is buffered and Run's fan-out loop drops rather than stalls on a
// slow client.
func (h *Hub) Observe(e process.Event) {
	data, err := json.Marshal(e)
	if err != nil {
		log.Printf("[monitor] failed to marshal event: %v", err)
		return
	}
	select {
	case h.broadcast <- data:
	default:
		log.Printf("[monitor] broadcast buffer full, dropping event %s", e.Kind)
	}
}

const (
	writeWait  = 10 * time.Second
	pingPeriod = 30 * time.Second
	pongWait   = 60 * time.Second
)

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
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

// readPump exists only to notice the connection closing; observers have
// nothing to say back.
func (c *Client) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}
