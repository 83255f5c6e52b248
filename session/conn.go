package session

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait     = 10 * time.Second
	sendQueueSize = 64
)

// Conn is one websocket member of a room. Outbound traffic goes
// through a buffered queue drained by a dedicated writer goroutine so
// a slow reader never blocks a broadcast.
type Conn struct {
	ws *websocket.Conn

	participantID string
	nick          string
	observer      bool

	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

func newConn(ws *websocket.Conn, participantID, nick string, observer bool) *Conn {
	return &Conn{
		ws:            ws,
		participantID: participantID,
		nick:          nick,
		observer:      observer,
		send:          make(chan []byte, sendQueueSize),
		done:          make(chan struct{}),
	}
}

// enqueue queues an outbound frame. A full queue means the peer is not
// keeping up; the connection is reported dead rather than blocking the
// broadcaster.
func (c *Conn) enqueue(msg []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- msg:
		return true
	case <-c.done:
		return false
	default:
		return false
	}
}

// writeLoop drains the send queue until the connection is closed or a
// write fails.
func (c *Conn) writeLoop() {
	defer func() {
		c.close()
		c.ws.Close()
	}()
	for {
		select {
		case <-c.done:
			return
		case msg := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		}
	}
}

// close stops the writer and further enqueues. Idempotent.
func (c *Conn) close() {
	c.closeOnce.Do(func() {
		close(c.done)
	})
}
