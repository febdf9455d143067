package gateway

import (
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/courierhq/courier/internal/config"
)

const (
	maxMessageSize = 4096
	sendBuffer     = 256
)

// Client wraps one live connection. Writes go through the send channel so
// the write pump is the only goroutine touching the socket for writes.
type Client struct {
	conn *websocket.Conn
	send chan []byte

	once   sync.Once
	closed chan struct{}
}

func NewClient(conn *websocket.Conn) *Client {
	return &Client{
		conn:   conn,
		send:   make(chan []byte, sendBuffer),
		closed: make(chan struct{}),
	}
}

// Enqueue hands a frame to the write pump. A full buffer means the peer is
// not draining; the frame is dropped rather than blocking the caller.
func (c *Client) Enqueue(msg []byte) bool {
	select {
	case <-c.closed:
		return false
	default:
	}
	select {
	case c.send <- msg:
		return true
	default:
		return false
	}
}

// Close is idempotent and safe from any goroutine.
func (c *Client) Close() {
	c.once.Do(func() {
		close(c.closed)
		if c.conn != nil {
			_ = c.conn.Close()
		}
	})
}

func (c *Client) IsClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

// readPump consumes frames and pongs until the peer goes away, then deregisters
// this exact connection. Inbound frames are drained and ignored; clients talk
// to the HTTP API, the socket is delivery-only.
func (c *Client) readPump(userID string, reg *Registry, cfg config.Gateway, logger *slog.Logger) {
	defer func() {
		reg.Remove(userID, c)
		c.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(cfg.GetPongWait()))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(cfg.GetPongWait()))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				logger.Warn("read failed", "user_id", userID, "err", err)
			}
			return
		}
	}
}

// writePump owns all socket writes: queued frames plus the keepalive pings
// that arm the peer's pong responses.
func (c *Client) writePump(userID string, cfg config.Gateway, logger *slog.Logger) {
	ticker := time.NewTicker(cfg.GetPingPeriod())
	defer func() {
		ticker.Stop()
		c.Close()
	}()

	for {
		select {
		case msg := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(cfg.GetWriteWait()))
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				logger.Warn("write failed", "user_id", userID, "err", err)
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(cfg.GetWriteWait()))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.closed:
			_ = c.conn.SetWriteDeadline(time.Now().Add(cfg.GetWriteWait()))
			_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		}
	}
}
