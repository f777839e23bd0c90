package status

import (
	"log/slog"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nugget/smokefan/internal/events"
)

const (
	writeWait      = 10 * time.Second    // Time allowed to write a message to the peer.
	pongWait       = 60 * time.Second    // Time allowed to read the next pong message from the peer.
	pingPeriod     = (pongWait * 9) / 10 // Send pings to peer with this period. Must be less than pongWait.
	maxMessageSize = 512                 // Maximum message size allowed from peer.
	streamBuffer   = 32
)

// streamClient relays bus events to one WebSocket peer.
type streamClient struct {
	conn   *websocket.Conn
	events <-chan events.Event
	done   <-chan struct{}
	logger *slog.Logger
}

// readPump discards anything the peer sends and watches for the close.
// It closes gone when the connection ends.
func (c *streamClient) readPump(gone chan<- struct{}) {
	defer close(gone)
	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Debug("websocket read error", "remote", c.conn.RemoteAddr(), "error", err)
			}
			return
		}
	}
}

// writePump sends each event as a JSON text frame and pings the peer
// until the peer goes away or the server shuts down.
func (c *streamClient) writePump(gone <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-gone:
			return
		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"))
			return
		case e, ok := <-c.events:
			if !ok {
				return
			}
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(e); err != nil {
				c.logger.Debug("websocket write error", "remote", c.conn.RemoteAddr(), "error", err)
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.logger.Debug("websocket ping error", "remote", c.conn.RemoteAddr(), "error", err)
				return
			}
		}
	}
}
