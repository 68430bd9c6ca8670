package ws

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeTimeout = 10 * time.Second
	readTimeout  = 60 * time.Second
)

// Conn wraps a websocket connection with a write mutex so pipeline results,
// upstream broadcasts, and pongs never interleave mid-frame.
type Conn struct {
	ws *websocket.Conn
	mu sync.Mutex
}

func newConn(wsc *websocket.Conn) *Conn {
	return &Conn{ws: wsc}
}

func (c *Conn) WriteJSON(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.ws.WriteJSON(v)
}

func (c *Conn) writeMessage(messageType int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.ws.WriteMessage(messageType, data)
}

func (c *Conn) Close() error {
	return c.ws.Close()
}
