package gateway

import (
	"context"
	"encoding/json"
	"sync"

	"go.uber.org/zap"

	"github.com/maestro/maestro/internal/common/logger"
	ws "github.com/maestro/maestro/pkg/websocket"
)

// Hub tracks connected remote clients and fans engine events out to every
// authenticated one.
type Hub struct {
	server *Server

	clients    map[*Client]bool
	register   chan *Client
	unregister chan *Client
	broadcast  chan []byte

	mu     sync.RWMutex
	logger *logger.Logger
}

func newHub(server *Server, log *logger.Logger) *Hub {
	return &Hub{
		server:     server,
		clients:    make(map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client, 64),
		broadcast:  make(chan []byte, 256),
		logger:     log.WithFields(zap.String("component", "ws_hub")),
	}
}

// Run processes registration and broadcast until the context ends.
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("websocket hub started")
	defer h.logger.Info("websocket hub stopped")

	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
			h.logger.Debug("client registered", zap.String("client_id", client.ID))

		case client := <-h.unregister:
			h.remove(client)

		case data := <-h.broadcast:
			h.mu.RLock()
			targets := make([]*Client, 0, len(h.clients))
			for client := range h.clients {
				if client.authed.Load() {
					targets = append(targets, client)
				}
			}
			h.mu.RUnlock()
			for _, client := range targets {
				client.enqueue(data)
			}
		}
	}
}

// Register adds a client to the hub.
func (h *Hub) Register(c *Client) {
	h.register <- c
}

// Unregister removes a client. Safe to call more than once.
func (h *Hub) Unregister(c *Client) {
	select {
	case h.unregister <- c:
	default:
		// Hub loop stopped; nothing to clean up.
	}
}

// Broadcast marshals a frame and queues it for every authenticated client.
func (h *Hub) Broadcast(frame any) {
	data, err := marshalFrame(frame)
	if err != nil {
		h.logger.Error("failed to marshal broadcast frame", zap.Error(err))
		return
	}
	select {
	case h.broadcast <- data:
	default:
		h.logger.Warn("broadcast queue full, dropping frame")
	}
}

func (h *Hub) remove(c *Client) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
	h.mu.Unlock()
	h.logger.Debug("client unregistered", zap.String("client_id", c.ID))
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for client := range h.clients {
		close(client.send)
		delete(h.clients, client)
	}
}

// authenticate verifies an auth frame against the installation token.
func (h *Hub) authenticate(frame *ws.Frame) bool {
	var req struct {
		Token string `json:"token"`
	}
	if err := frame.Parse(&req); err != nil {
		return false
	}
	return tokenMatches(h.server.token, req.Token)
}

// sendSnapshot delivers the full state snapshot to one client.
func (h *Hub) sendSnapshot(c *Client) {
	data, err := marshalFrame(h.server.buildSnapshot())
	if err != nil {
		h.logger.Error("failed to marshal snapshot", zap.Error(err))
		return
	}
	c.enqueue(data)
}

func marshalFrame(frame any) ([]byte, error) {
	return json.Marshal(frame)
}
