package broker

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"ephemeral-chat/internal/wire"
)

const (
	writeWait      = 10 * time.Second    // Time allowed to write a message to the peer.
	pongWait       = 60 * time.Second    // Time allowed to read the next message from the peer.
	pingPeriod     = (pongWait * 9) / 10 // Send pings to peer with this period. Must be less than pongWait.
	maxMessageSize = 4096                // Maximum frame size allowed from peer.
	sendBuffer     = 256
)

// client is a middleman between one websocket connection and the room it
// joined.
type client struct {
	b        *Broker
	conn     *websocket.Conn
	identity string // authenticated username, if the upgrade carried a token
	log      *slog.Logger

	mu     sync.Mutex
	send   chan []byte
	closed bool

	// Owned by readPump.
	room     *room
	username string
}

func newClient(b *Broker, conn *websocket.Conn, identity string) *client {
	return &client{
		b:        b,
		conn:     conn,
		identity: identity,
		log:      b.log.With("remote", conn.RemoteAddr().String()),
		send:     make(chan []byte, sendBuffer),
	}
}

// enqueue never blocks. A full buffer closes the client.
func (c *client) enqueue(data []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- data:
		return true
	default:
		c.closed = true
		close(c.send)
		return false
	}
}

// close lets the writer flush and say goodbye.
func (c *client) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

func (c *client) sendEvent(e wire.Event) bool {
	data, err := wire.EncodeEvent(e)
	if err != nil {
		c.log.Error("encode event", "error", err)
		return false
	}
	return c.enqueue(data)
}

func (c *client) sendError(msg string) {
	c.sendEvent(wire.ServerError{Message: msg})
}

// readPump pumps frames from the websocket connection to the room.
func (c *client) readPump() {
	defer func() {
		c.leaveRoom()
		c.close()
		c.b.untrack(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.log.Warn("read failed", "user", c.username, "error", err)
			}
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(pongWait))

		f, ok := wire.DecodeFrame(data)
		if !ok {
			c.sendError(errBadFrame)
			continue
		}
		switch f.Type {
		case wire.KindJoin:
			c.join(f)
		case wire.KindLeave:
			c.leaveRoom()
		case wire.KindPing:
			c.sendEvent(wire.Pong{})
		default:
			if c.room == nil {
				c.sendError(errNotJoined)
				continue
			}
			if !c.room.submit(c, f) {
				c.room = nil
				c.sendError(errNotJoined)
			}
		}
	}
}

// join moves the connection into the room named by f, leaving any current one.
func (c *client) join(f wire.Frame) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	a, reject := c.b.admit(ctx, f, c.identity)
	if reject != "" {
		c.log.Info("join refused", "room", f.RoomID, "reason", reject)
		c.sendError(reject)
		return
	}
	c.leaveRoom()

	for {
		r, err := c.b.room(a.roomID)
		if err != nil {
			return
		}
		reject, ok := r.join(c, a)
		if !ok {
			continue // the room shut down under us; start a fresh one
		}
		if reject != "" {
			c.sendError(reject)
			return
		}
		c.room, c.username = r, a.username
		return
	}
}

func (c *client) leaveRoom() {
	if c.room == nil {
		return
	}
	c.room.leave(c)
	c.room = nil
}

// writePump pumps messages from the rooms to the websocket connection. Each
// frame goes out as its own websocket message.
func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
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
