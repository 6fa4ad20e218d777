package gateway

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/maestro/maestro/internal/common/logger"
	ws "github.com/maestro/maestro/pkg/websocket"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait)
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer
	maxMessageSize = 512 * 1024 // 512KB

	// maxSendBuffer is the per-client outbound ceiling. A client that
	// cannot drain 4MB is dropped; it rebuilds from the snapshot on
	// reconnect instead of the server memoizing events.
	maxSendBuffer = 4 * 1024 * 1024
)

// Client is a single remote WebSocket connection.
type Client struct {
	ID         string
	conn       *websocket.Conn
	hub        *Hub
	dispatcher *ws.Dispatcher
	send       chan []byte
	pending    atomic.Int64
	authed     atomic.Bool
	closeOnce  sync.Once
	logger     *logger.Logger
}

func newClient(id string, conn *websocket.Conn, hub *Hub, dispatcher *ws.Dispatcher, authed bool, log *logger.Logger) *Client {
	c := &Client{
		ID:         id,
		conn:       conn,
		hub:        hub,
		dispatcher: dispatcher,
		send:       make(chan []byte, 1024),
		logger:     log.WithFields(zap.String("client_id", id)),
	}
	c.authed.Store(authed)
	return c
}

// enqueue queues a marshaled frame for delivery. A client whose pending
// bytes exceed the ceiling is dropped rather than buffered further.
func (c *Client) enqueue(data []byte) {
	if c.pending.Load()+int64(len(data)) > maxSendBuffer {
		c.logger.Warn("dropping slow client, send buffer exceeded",
			zap.Int64("pending_bytes", c.pending.Load()))
		c.hub.Unregister(c)
		c.close()
		return
	}
	select {
	case c.send <- data:
		c.pending.Add(int64(len(data)))
	default:
		c.logger.Warn("dropping slow client, send queue full")
		c.hub.Unregister(c)
		c.close()
	}
}

func (c *Client) close() {
	c.closeOnce.Do(func() { c.conn.Close() })
}

// closePolicyViolation closes the socket with a policy-violation code, as
// happens on token mismatch.
func (c *Client) closePolicyViolation(reason string) {
	msg := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, reason)
	_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
	c.close()
}

// readPump pumps frames from the socket into the dispatcher. An
// unauthenticated connection must present the token in its first frame.
func (c *Client) readPump(ctx context.Context) {
	defer func() {
		c.hub.Unregister(c)
		c.close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.logger.Error("websocket read error", zap.Error(err))
			}
			return
		}

		frame, err := ws.Decode(data)
		if err != nil {
			c.sendError("BAD_FRAME", err.Error())
			continue
		}

		if !c.authed.Load() {
			if frame.Type != ws.TypeAuth || !c.hub.authenticate(frame) {
				c.logger.Warn("remote client failed authentication")
				c.closePolicyViolation("invalid token")
				return
			}
			c.completeAuth()
			continue
		}

		if err := c.dispatcher.Dispatch(ctx, frame); err != nil {
			c.logger.Warn("frame handler error",
				zap.String("frame_type", frame.Type),
				zap.Error(err))
			c.sendError(errorCode(err), err.Error())
		}
	}
}

// completeAuth marks the client live and delivers the state snapshot.
func (c *Client) completeAuth() {
	c.authed.Store(true)
	c.hub.sendSnapshot(c)
}

func (c *Client) sendError(code, message string) {
	data, err := marshalFrame(ws.NewErrorFrame(code, message))
	if err != nil {
		return
	}
	c.enqueue(data)
}

// writePump pumps queued frames to the socket and keeps the connection
// alive with pings.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			c.pending.Add(-int64(len(data)))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
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
