package stream

import (
	"time"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
)

const (
	writeWait      = 2 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 512
)

// Client is one live streaming socket. Its only state is membership in the
// hub's set; quotes flow through the buffered send channel and a full buffer
// means the hub has already given up on this connection.
type Client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
}

// ServeWS returns the fiber handler for the streaming endpoint. No handshake
// payload is expected; the server pushes quotes until the client goes away.
func ServeWS(hub *Hub) fiber.Handler {
	return websocket.New(func(conn *websocket.Conn) {
		client := &Client{
			hub:  hub,
			conn: conn,
			send: make(chan []byte, 64),
		}

		select {
		case hub.register <- client:
		case <-hub.done:
			// Fan-out already shut down; there is nothing to stream.
			conn.Close()
			return
		}
		go client.writePump()

		// The handler owns the connection's lifetime; reading here doubles as
		// disconnect detection.
		client.readPump()
	})
}

func (c *Client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		// Inbound payloads are ignored; this loop only notices the close.
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case payload, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// Hub dropped us.
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
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
