package httpapi

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// wsChannel serializes writes to one connection. It implements session.Channel.
type wsChannel struct {
	conn      *websocket.Conn
	timeout   time.Duration
	mu        sync.Mutex
	closeOnce sync.Once
}

func newWSChannel(conn *websocket.Conn, timeout time.Duration) *wsChannel {
	return &wsChannel{conn: conn, timeout: timeout}
}

func (c *wsChannel) SendJSON(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(c.timeout))
	return c.conn.WriteJSON(v)
}

func (c *wsChannel) SendBinary(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(c.timeout))
	return c.conn.WriteMessage(websocket.BinaryMessage, data)
}

func (c *wsChannel) ping() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.timeout))
}

// Close sends a normal close frame and closes the socket. Safe to call twice.
func (c *wsChannel) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.mu.Lock()
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(c.timeout))
		c.mu.Unlock()
		err = c.conn.Close()
	})
	return err
}
