package supervisor

import (
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second // Time allowed to write a frame to the server.
	closeWait      = time.Second      // How long Stop lets the writer flush the leave frame.
	maxMessageSize = 64 * 1024        // Largest frame accepted from the server (history snapshots can be big).
)

// sendBuffer is the outbound queue size of each connection.
var sendBuffer = 256

var errSendBufferFull = errors.New("send buffer full")

// connection is one websocket plus its two pumps. The reader reports every
// frame and, exactly once, the error that ended it. The writer owns all
// writes to the socket.
type connection struct {
	ws      *websocket.Conn
	send    chan []byte
	done    chan struct{} // closed when the writer exits
	once    sync.Once
	readTTL time.Duration
}

func newConnection(ws *websocket.Conn, readTTL time.Duration) *connection {
	return &connection{
		ws:      ws,
		send:    make(chan []byte, sendBuffer),
		done:    make(chan struct{}),
		readTTL: readTTL,
	}
}

func (c *connection) start(onFrame func([]byte), onClose func(error)) {
	go c.writePump()
	go c.readPump(onFrame, onClose)
}

// readPump pumps frames from the server to onFrame until the socket fails.
func (c *connection) readPump(onFrame func([]byte), onClose func(error)) {
	c.ws.SetReadLimit(maxMessageSize)
	for {
		if c.readTTL > 0 {
			c.ws.SetReadDeadline(time.Now().Add(c.readTTL))
		}
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			onClose(err)
			return
		}
		onFrame(data)
	}
}

// writePump drains the send queue. When the queue is closed it says goodbye
// with a close message and shuts the socket.
func (c *connection) writePump() {
	defer func() {
		c.ws.Close()
		close(c.done)
	}()

	for message := range c.send {
		c.ws.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.ws.WriteMessage(websocket.TextMessage, message); err != nil {
			return
		}
	}
	c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	c.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
}

// enqueue never blocks. A full queue means the writer is stuck.
func (c *connection) enqueue(data []byte) error {
	select {
	case c.send <- data:
		return nil
	default:
		return errSendBufferFull
	}
}

// close lets the writer flush what is queued, then waits up to wait for it
// before cutting the socket. A zero wait cuts immediately.
func (c *connection) close(wait time.Duration) {
	c.once.Do(func() { close(c.send) })
	if wait > 0 {
		select {
		case <-c.done:
			return
		case <-time.After(wait):
		}
	}
	c.ws.Close()
}
