package ws

import (
	"context"
	"log/slog"
	"time"

	"github.com/gorilla/websocket"
)

const (
	// Time allowed to write a message
	writeWait = 10 * time.Second

	// Time allowed to read next pong message
	pongWait = 60 * time.Second

	// Send pings with this period (must be less than pongWait)
	pingPeriod = (pongWait * 9) / 10

	// Max message size
	maxMessageSize = 512 * 1024 // 512 KB
)

// Client binds one websocket transport to a registry-owned connection. A
// silent transport (missed pongs) is handled exactly like an explicit
// disconnect: the read pump exits and evicts the connection once.
type Client struct {
	ws       *websocket.Conn
	conn     *Conn
	registry *Registry
	router   *Router
}

func NewClient(ws *websocket.Conn, conn *Conn, registry *Registry, router *Router) *Client {
	return &Client{ws: ws, conn: conn, registry: registry, router: router}
}

// ReadPump reads inbound frames and feeds them to the router one at a time,
// preserving per-connection arrival order.
func (c *Client) ReadPump(ctx context.Context) {
	defer func() {
		c.registry.Evict(c.conn.ID)
		c.ws.Close()
	}()

	c.ws.SetReadLimit(maxMessageSize)
	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				slog.Warn("[CLIENT] Unexpected close",
					"user", c.conn.UserID, "conn", c.conn.ID, "error", err)
			}
			return
		}

		c.router.Handle(ctx, c.conn, raw)
	}
}

// WritePump drains the connection's outbound queue onto the transport and
// keeps the peer alive with pings.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()

	for {
		select {
		case payload, ok := <-c.conn.Outbound():
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// Registry evicted the connection and closed the queue.
				c.ws.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.ws.WriteMessage(websocket.TextMessage, payload); err != nil {
				slog.Error("[CLIENT] Failed to write message",
					"user", c.conn.UserID, "conn", c.conn.ID, "error", err)
				return
			}

		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				slog.Error("[CLIENT] Failed to send ping",
					"user", c.conn.UserID, "conn", c.conn.ID, "error", err)
				return
			}
		}
	}
}
