// Package session is the public face of the chat core. A Manager owns one
// participant's membership in one room at a time; the presentation layer
// talks to nothing else.
package session

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"

	"ephemeral-chat/internal/loop"
	"ephemeral-chat/internal/messages"
	"ephemeral-chat/internal/supervisor"
	"ephemeral-chat/internal/wire"
)

var (
	// ErrInvalidSession means a Session lacks a room id or a username.
	ErrInvalidSession = errors.New("session: room id and username are required")
	// ErrNotJoined is returned by sends issued before Join.
	ErrNotJoined = errors.New("session: not joined")
	// ErrClosed is returned once the manager has been closed.
	ErrClosed = errors.New("session: manager closed")
)

// FatalConnectionMessage is reported through OnError when reconnecting gives up.
const FatalConnectionMessage = "Connection lost. Please refresh the page."

// DefaultMessageTTL is the server's retention window for chat messages.
const DefaultMessageTTL = 4 * time.Minute

// Session is one participant's attempt to be present in one room.
type Session struct {
	RoomID   string
	RoomCode string
	Username string
}

func (s Session) validate() error {
	if strings.TrimSpace(s.RoomID) == "" || strings.TrimSpace(s.Username) == "" {
		return ErrInvalidSession
	}
	return nil
}

// Status mirrors the supervisor's connection status.
type Status = supervisor.Status

// Re-exported so callers need only this package.
const (
	StatusConnecting   = supervisor.StatusConnecting
	StatusConnected    = supervisor.StatusConnected
	StatusReconnecting = supervisor.StatusReconnecting
	StatusDisconnected = supervisor.StatusDisconnected
)

// Handlers are the streams the presentation layer renders. Each receives its
// own copy of the data. They are called on a dedicated goroutine, one at a
// time and in order, so they may call back into the Manager (except Close).
type Handlers struct {
	OnStatus   func(Status)
	OnMessages func([]messages.Message)
	OnUsers    func([]string)
	OnTyping   func([]string)
	OnError    func(message string)
}

// Snapshot is a read-only copy of the current session state.
type Snapshot struct {
	Session  Session
	Status   Status
	Messages []messages.Message
	Users    []string
	Typing   []string
}

// Options tune the connection and local timers. Zero values take defaults.
type Options struct {
	URL    string
	Header http.Header
	Dialer *websocket.Dialer

	BackoffBase  time.Duration
	BackoffCap   time.Duration
	MaxAttempts  int
	Grace        time.Duration
	PingInterval time.Duration
	ReadTimeout  time.Duration

	TypingWindow time.Duration

	// MessageTTL drives the local fallback expiry; zero disables it.
	MessageTTL    time.Duration
	SweepInterval time.Duration

	Clock  clockwork.Clock
	Logger *slog.Logger
}

// Manager is the composition root of one room membership. It is safe for
// concurrent use.
type Manager struct {
	opts   Options
	log    *slog.Logger
	notify *loop.Loop

	// lifecycle serializes Join, Leave and Close.
	lifecycle sync.Mutex

	mu       sync.Mutex
	handlers Handlers
	cur      *run
	view     Snapshot
	closed   bool
}

// New returns an idle manager; call Join to connect.
func New(opts Options, h Handlers) *Manager {
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = 10 * time.Second
	}
	return &Manager{
		opts:     opts,
		log:      opts.Logger.With("component", "session"),
		notify:   loop.New(),
		handlers: h,
		view:     Snapshot{Status: StatusDisconnected},
	}
}

// SetHandlers swaps the callbacks. Deliveries already queued use the new set.
func (m *Manager) SetHandlers(h Handlers) {
	m.mu.Lock()
	m.handlers = h
	m.mu.Unlock()
}

// Join connects to a room, leaving the current one first if needed. Each
// call starts a fresh connection supervisor.
func (m *Manager) Join(s Session) error {
	if err := s.validate(); err != nil {
		return err
	}
	m.lifecycle.Lock()
	defer m.lifecycle.Unlock()
	m.leave()

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	r := newRun(m, s)
	m.cur = r
	m.view = Snapshot{Session: s, Status: StatusConnecting}
	m.mu.Unlock()

	m.log.Info("joining", "room", s.RoomID, "user", s.Username)
	m.deliver(func(h Handlers) {
		if h.OnStatus != nil {
			h.OnStatus(StatusConnecting)
		}
	})
	r.loop.Post(r.start)
	return nil
}

// SendMessage broadcasts text. It is a no-op while not connected.
func (m *Manager) SendMessage(text string) error {
	text = strings.TrimSpace(text)
	return m.post(func(r *run) {
		if text != "" {
			r.send(wire.Chat(text))
		}
	})
}

// SendTyping signals that the local user is composing. It is not throttled.
func (m *Manager) SendTyping() error {
	return m.post(func(r *run) { r.send(wire.Typing()) })
}

// SendReaction toggles emoji on a message.
func (m *Manager) SendReaction(messageID, emoji string) error {
	return m.post(func(r *run) {
		if messageID != "" && emoji != "" {
			r.send(wire.React(messageID, emoji))
		}
	})
}

func (m *Manager) post(fn func(r *run)) error {
	m.mu.Lock()
	r, closed := m.cur, m.closed
	m.mu.Unlock()
	if closed {
		return ErrClosed
	}
	if r == nil {
		return ErrNotJoined
	}
	r.loop.Post(func() { fn(r) })
	return nil
}

// Leave tears the current session down: a leave notice is sent if the
// connection is open, every timer is cancelled and the socket is closed
// before Leave returns. Nothing from that session mutates state afterwards.
// Calling Leave without a session is a no-op.
func (m *Manager) Leave() error {
	m.lifecycle.Lock()
	defer m.lifecycle.Unlock()
	m.leave()
	return nil
}

func (m *Manager) leave() {
	m.mu.Lock()
	r := m.cur
	m.cur = nil
	if r != nil {
		m.view.Status = StatusDisconnected
		m.view.Typing = nil
	}
	m.mu.Unlock()
	if r == nil {
		return
	}

	r.loop.Do(r.teardown)
	r.loop.Stop()
	<-r.loop.Done()

	m.log.Info("left", "room", r.session.RoomID, "user", r.session.Username)
	m.deliver(func(h Handlers) {
		if h.OnStatus != nil {
			h.OnStatus(StatusDisconnected)
		}
	})
}

// Close leaves the current room and releases the manager. Deliveries already
// queued reach the handlers before Close returns. Later calls return
// ErrClosed. Close must not be called from a handler.
func (m *Manager) Close() error {
	m.lifecycle.Lock()
	m.leave()
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	m.lifecycle.Unlock()

	// Handlers may still call Leave or Join while we drain; those need the
	// lifecycle lock.
	m.notify.Do(func() {})
	m.notify.Stop()
	return nil
}

// Snapshot returns a copy of the latest published state.
func (m *Manager) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	v := m.view
	v.Messages = cloneMessages(v.Messages)
	v.Users = append([]string(nil), v.Users...)
	v.Typing = append([]string(nil), v.Typing...)
	return v
}

// update applies a published change for run r, unless r has been replaced.
func (m *Manager) update(r *run, apply func(v *Snapshot), send func(h Handlers)) {
	m.mu.Lock()
	if m.cur != r {
		m.mu.Unlock()
		return
	}
	apply(&m.view)
	m.mu.Unlock()
	m.deliver(send)
}

// deliver runs send with the handlers current at delivery time.
func (m *Manager) deliver(send func(h Handlers)) {
	m.notify.Post(func() {
		m.mu.Lock()
		h := m.handlers
		m.mu.Unlock()
		send(h)
	})
}

func cloneMessages(in []messages.Message) []messages.Message {
	if in == nil {
		return nil
	}
	out := make([]messages.Message, len(in))
	for i, msg := range in {
		msg.Reactions = msg.Reactions.Clone()
		out[i] = msg
	}
	return out
}
