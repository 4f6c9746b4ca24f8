// Package logstream fans out JSON messages to websocket subscribers.
package logstream

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/youwol/ywinfra/pkg/report"
	"go.uber.org/zap"
)

const broadcastBuffer = 256

// Hub maintains the connected clients of one channel and broadcasts to them
type Hub struct {
	name string

	clients    map[*Client]bool
	broadcast  chan []byte
	register   chan *Client
	unregister chan *Client
	done       chan struct{}
	mu         sync.RWMutex

	// last is replayed to clients when they connect
	last   []byte
	replay bool

	upgrader websocket.Upgrader
	logger   *zap.Logger
}

// NewHub creates a hub. Run must be called for messages to be delivered.
func NewHub(name string, logger *zap.Logger) *Hub {
	return &Hub{
		name:       name,
		clients:    make(map[*Client]bool),
		broadcast:  make(chan []byte, broadcastBuffer),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		logger: logger.With(zap.String("channel", name)),
	}
}

// ReplayLast makes new clients receive the most recent message on connect
func (h *Hub) ReplayLast() *Hub {
	h.replay = true
	return h
}

// Run delivers messages until ctx is done, then disconnects every client
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			close(h.done)
			h.closeAll()
			return

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = true
			last := h.last
			h.mu.Unlock()
			if h.replay && last != nil {
				select {
				case c.send <- last:
				default:
				}
			}
			h.logger.Debug("websocket client connected", zap.String("client", c.id))

		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
			}
			h.mu.Unlock()
			h.logger.Debug("websocket client disconnected", zap.String("client", c.id))

		case msg := <-h.broadcast:
			h.mu.Lock()
			h.last = msg
			for c := range h.clients {
				select {
				case c.send <- msg:
				default:
					close(c.send)
					delete(h.clients, c)
				}
			}
			h.mu.Unlock()
		}
	}
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		close(c.send)
		delete(h.clients, c)
	}
}

// Broadcast sends v as JSON to every client. Messages are dropped when the
// hub is saturated.
func (h *Hub) Broadcast(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		h.logger.Error("failed to encode websocket message", zap.Error(err))
		return
	}
	select {
	case h.broadcast <- data:
	default:
		h.logger.Warn("websocket channel saturated, message dropped")
	}
}

// Publish implements report.Publisher
func (h *Hub) Publish(msg report.Message) {
	h.Broadcast(msg)
}

// ClientCount returns the number of connected clients
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// ServeHTTP upgrades the request and attaches the connection to the hub
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	c := newClient(h, conn, uuid.NewString())
	select {
	case h.register <- c:
	case <-h.done:
		_ = conn.Close()
		return
	}

	go c.writePump()
	go c.readPump()
}
