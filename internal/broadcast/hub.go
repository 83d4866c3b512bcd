package broadcast

import (
	"sync/atomic"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Hub maintains the active clients of one outlet and broadcasts frames to all.
type Hub struct {
	clients     map[*Client]bool
	register    chan *Client
	unregister  chan *Client
	quit        chan struct{}
	done        chan struct{}
	clientCount atomic.Int64
	dropped     atomic.Uint64
	logger      *zap.Logger
}

func newHub(logger *zap.Logger) *Hub {
	return &Hub{
		register:   make(chan *Client),
		unregister: make(chan *Client),
		quit:       make(chan struct{}),
		done:       make(chan struct{}),
		clients:    make(map[*Client]bool),
		logger:     logger,
	}
}

func (h *Hub) run(input <-chan []byte) {
	defer close(h.done)
	for {
		select {
		case client := <-h.register:
			h.clients[client] = true
			h.clientCount.Store(int64(len(h.clients)))
			h.logger.Info("client connected", zap.Int("clients", len(h.clients)))
		case client := <-h.unregister:
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
				h.clientCount.Store(int64(len(h.clients)))
				h.logger.Info("client disconnected", zap.Int("clients", len(h.clients)))
			}
		case msg := <-input:
			// Fan-out to all connected clients.
			for client := range h.clients {
				select {
				case client.send <- msg:
				default:
					// Slow client: drop this frame, don't kill it.
					// Dead clients are cleaned up via readPump.
					h.dropped.Add(1)
				}
			}
		case <-h.quit:
			for client := range h.clients {
				close(client.send)
			}
			h.clients = nil
			h.clientCount.Store(0)
			return
		}
	}
}

// Client is one websocket subscriber.
type Client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
}

func (c *Client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			break
		}
	}
}

func (c *Client) writePump() {
	defer c.conn.Close()
	for {
		message, ok := <-c.send
		if !ok {
			_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}

		w, err := c.conn.NextWriter(websocket.BinaryMessage)
		if err != nil {
			return
		}
		w.Write(message)

		if err := w.Close(); err != nil {
			return
		}
	}
}
