package ws

import (
	"context"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/linnemanlabs/go-core/log"
)

const (
	sendBuffer   = 256
	writeTimeout = 5 * time.Second
)

// Client represents a connected WebSocket client.
type Client struct {
	conn        *websocket.Conn
	recipientID string
	send        chan Message
	logger      log.Logger
}

func newClient(conn *websocket.Conn, recipientID string, logger log.Logger) *Client {
	return &Client{
		conn:        conn,
		recipientID: recipientID,
		send:        make(chan Message, sendBuffer),
		logger:      logger,
	}
}

// Hub tracks connected clients by recipient. A recipient may hold several
// connections; each gets every message for that recipient.
type Hub struct {
	mu      sync.RWMutex
	clients map[*Client]struct{}
	logger  log.Logger
}

// NewHub creates a new WebSocket hub.
func NewHub(logger log.Logger) *Hub {
	if logger == nil {
		logger = log.Nop()
	}
	return &Hub{
		clients: make(map[*Client]struct{}),
		logger:  logger,
	}
}

// Register adds a client to the hub.
func (h *Hub) Register(c *Client) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
	h.logger.Info(context.Background(), "websocket client connected", "recipient_id", c.recipientID)
}

// Unregister removes a client from the hub and closes its send channel.
func (h *Hub) Unregister(c *Client) {
	h.mu.Lock()
	_, ok := h.clients[c]
	if ok {
		delete(h.clients, c)
		close(c.send)
	}
	h.mu.Unlock()
	if ok {
		h.logger.Info(context.Background(), "websocket client disconnected", "recipient_id", c.recipientID)
	}
}

// SendTo queues msg for every client of recipientID. It never blocks; a
// client whose buffer is full misses the message.
func (h *Hub) SendTo(recipientID string, msg Message) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for c := range h.clients {
		if c.recipientID != recipientID {
			continue
		}
		h.deliver(c, msg)
	}
}

// Broadcast queues msg for all connected clients.
func (h *Hub) Broadcast(msg Message) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for c := range h.clients {
		h.deliver(c, msg)
	}
}

// deliverTo queues msg for c if it is still registered.
func (h *Hub) deliverTo(c *Client, msg Message) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if _, ok := h.clients[c]; ok {
		h.deliver(c, msg)
	}
}

func (h *Hub) deliver(c *Client, msg Message) {
	select {
	case c.send <- msg:
	default:
		h.logger.Warn(context.Background(), "client send buffer full, dropping message",
			"recipient_id", c.recipientID, "type", msg.Type)
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// CloseAll closes every client connection with StatusGoingAway. Handlers
// notice on their next read and unregister themselves.
func (h *Hub) CloseAll() {
	h.mu.RLock()
	conns := make([]*websocket.Conn, 0, len(h.clients))
	for c := range h.clients {
		if c.conn != nil {
			conns = append(conns, c.conn)
		}
	}
	h.mu.RUnlock()

	var wg sync.WaitGroup
	for _, conn := range conns {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = conn.Close(websocket.StatusGoingAway, "server shutting down")
		}()
	}
	wg.Wait()
}

// writePump sends messages from the client's send channel to the WebSocket.
func (c *Client) writePump(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-c.send:
			if !ok {
				return
			}
			writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := wsjson.Write(writeCtx, c.conn, msg)
			cancel()
			if err != nil {
				c.logger.Warn(ctx, "websocket write failed", "error", err)
				return
			}
		}
	}
}
