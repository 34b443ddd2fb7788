// Package wstest provides a scriptable websocket peer for tests: it accepts
// connections, records the frames clients send and lets the test push
// frames or drop connections at will.
package wstest

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"ephemeral-chat/internal/wire"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Conn is one accepted client connection.
type Conn struct {
	ws     *websocket.Conn
	mu     sync.Mutex
	Frames chan wire.Frame
	Closed chan struct{}
}

// Send writes a raw frame to the client.
func (c *Conn) Send(t testing.TB, data string) {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.ws.WriteMessage(websocket.TextMessage, []byte(data)); err != nil {
		t.Fatalf("wstest: write: %v", err)
	}
}

// Kill drops the connection without a close handshake.
func (c *Conn) Kill() {
	c.ws.UnderlyingConn().Close()
}

// Next waits for the next frame from the client.
func (c *Conn) Next(t testing.TB) wire.Frame {
	t.Helper()
	select {
	case f := <-c.Frames:
		return f
	case <-time.After(5 * time.Second):
		t.Fatalf("wstest: no frame from client")
		return wire.Frame{}
	}
}

// Server is an httptest server speaking websocket on every path.
type Server struct {
	*httptest.Server
	Conns   chan *Conn
	Headers chan http.Header

	mu     sync.Mutex
	reject bool
}

// NewServer starts a server that is closed when the test ends.
func NewServer(t testing.TB) *Server {
	s := &Server{
		Conns:   make(chan *Conn, 16),
		Headers: make(chan http.Header, 16),
	}
	s.Server = httptest.NewServer(http.HandlerFunc(s.serve))
	t.Cleanup(s.Close)
	return s
}

// URL returns the ws:// address of the server.
func (s *Server) URL() string {
	return "ws" + strings.TrimPrefix(s.Server.URL, "http")
}

// Reject makes the server refuse upgrades while on is true.
func (s *Server) Reject(on bool) {
	s.mu.Lock()
	s.reject = on
	s.mu.Unlock()
}

// Accept waits for the next client connection.
func (s *Server) Accept(t testing.TB) *Conn {
	t.Helper()
	select {
	case c := <-s.Conns:
		return c
	case <-time.After(5 * time.Second):
		t.Fatalf("wstest: no client connected")
		return nil
	}
}

func (s *Server) serve(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	reject := s.reject
	s.mu.Unlock()
	if reject {
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
		return
	}

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	select {
	case s.Headers <- r.Header.Clone():
	default:
	}
	c := &Conn{
		ws:     ws,
		Frames: make(chan wire.Frame, 64),
		Closed: make(chan struct{}),
	}
	s.Conns <- c

	go func() {
		defer close(c.Closed)
		for {
			_, data, err := ws.ReadMessage()
			if err != nil {
				return
			}
			if f, ok := wire.DecodeFrame(data); ok {
				c.Frames <- f
			}
		}
	}()
}
