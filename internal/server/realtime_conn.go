package server

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// realtimeConn wraps one upgraded WebSocket connection and implements
// presence.Sender. gorilla/websocket connections are not safe for
// concurrent writers, so every write is serialized through writeMu (spec
// §5 "single writer per socket").
type realtimeConn struct {
	conn     *websocket.Conn
	writeMu  sync.Mutex
	userID   string
	connID   string
}

func newRealtimeConn(conn *websocket.Conn) *realtimeConn {
	return &realtimeConn{conn: conn}
}

// Send implements presence.Sender.
func (c *realtimeConn) Send(frame []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.conn.WriteMessage(websocket.TextMessage, frame)
}

func (c *realtimeConn) Close() error {
	return c.conn.Close()
}
