package relay

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"emberroom/go-backend/internal/wire"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
	sendBuffer = 64
)

// wsConn adapts a gorilla connection to the registry's Conn interface with a
// buffered outbound queue and a single writer goroutine.
type wsConn struct {
	ws   *websocket.Conn
	send chan []byte

	closeOnce sync.Once
	closed    chan struct{}
}

func newWSConn(ws *websocket.Conn) *wsConn {
	c := &wsConn{
		ws:     ws,
		send:   make(chan []byte, sendBuffer),
		closed: make(chan struct{}),
	}
	go c.writePump()
	return c
}

func (c *wsConn) SendFrame(f wire.Frame) error {
	data, err := wire.Encode(f)
	if err != nil {
		return err
	}
	select {
	case c.send <- data:
		return nil
	case <-c.closed:
		return websocket.ErrCloseSent
	default:
		// A member that cannot drain its queue is dropped rather than
		// stalling the room.
		c.CloseWithCode(1008, "send queue overflow")
		return websocket.ErrCloseSent
	}
}

func (c *wsConn) CloseWithCode(code int, reason string) {
	c.closeOnce.Do(func() {
		msg := websocket.FormatCloseMessage(code, reason)
		_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
		close(c.closed)
		_ = c.ws.Close()
	})
}

func (c *wsConn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case data := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				c.CloseWithCode(1011, "write failed")
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.CloseWithCode(1011, "ping failed")
				return
			}
		case <-c.closed:
			return
		}
	}
}
