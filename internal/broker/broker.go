// Package broker is a single-process room broker speaking the chat wire
// protocol. It backs the development server and the end-to-end tests of the
// client core; it does not scale past one instance.
package broker

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/jonboulle/clockwork"

	"ephemeral-chat/internal/auth"
	"ephemeral-chat/internal/directory"
	"ephemeral-chat/internal/wire"
)

const (
	DefaultMessageTTL    = 4 * time.Minute
	DefaultHistoryLimit  = 100
	DefaultSweepInterval = 10 * time.Second

	maxTextLength = 200
)

// Error texts sent to clients in error frames.
const (
	errJoinRequired  = "Room ID and username required"
	errRoomNotFound  = "Room not found"
	errRoomEnded     = "Room has ended"
	errInvalidCode   = "Invalid room code"
	errRoomFull      = "Room is full"
	errNotJoined     = "Join a room first"
	errEmptyMessage  = "Empty message"
	errNoSuchMessage = "Message not found"
	errBadFrame      = "Invalid message"
	errUnavailable   = "Room unavailable"
)

var errClosed = errors.New("broker: closed")

type Config struct {
	MessageTTL    time.Duration
	HistoryLimit  int
	SweepInterval time.Duration
	// IdleTimeout is how long an empty room keeps its history. Defaults to
	// MessageTTL, after which nothing would be left anyway.
	IdleTimeout time.Duration

	// Directory, when set, decides which rooms exist and who may enter.
	// Without one any room id is accepted.
	Directory directory.Store

	Clock  clockwork.Clock
	Logger *slog.Logger
}

func (c *Config) setDefaults() {
	if c.MessageTTL <= 0 {
		c.MessageTTL = DefaultMessageTTL
	}
	if c.HistoryLimit <= 0 {
		c.HistoryLimit = DefaultHistoryLimit
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = DefaultSweepInterval
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = c.MessageTTL
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

type Broker struct {
	cfg Config
	log *slog.Logger

	mu      sync.Mutex
	rooms   map[string]*room
	clients map[*client]struct{}
	closed  bool
}

func New(cfg Config) *Broker {
	cfg.setDefaults()
	return &Broker{
		cfg:     cfg,
		log:     cfg.Logger.With("component", "broker"),
		rooms:   make(map[string]*room),
		clients: make(map[*client]struct{}),
	}
}

// Close disconnects every client and stops every room.
func (b *Broker) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	rooms := make([]*room, 0, len(b.rooms))
	for _, r := range b.rooms {
		rooms = append(rooms, r)
	}
	clients := make([]*client, 0, len(b.clients))
	for c := range b.clients {
		clients = append(clients, c)
	}
	b.mu.Unlock()

	for _, r := range rooms {
		close(r.quit)
		<-r.done
	}
	for _, c := range clients {
		c.close()
	}
}

// Rooms returns the ids of the rooms currently running.
func (b *Broker) Rooms() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	ids := make([]string, 0, len(b.rooms))
	for id := range b.rooms {
		ids = append(ids, id)
	}
	return ids
}

func (b *Broker) track(c *client) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return false
	}
	b.clients[c] = struct{}{}
	return true
}

func (b *Broker) untrack(c *client) {
	b.mu.Lock()
	delete(b.clients, c)
	b.mu.Unlock()
}

// room returns the running room for id, starting one if needed.
func (b *Broker) room(id string) (*room, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, errClosed
	}
	if r, ok := b.rooms[id]; ok {
		return r, nil
	}
	r := newRoom(b, id)
	b.rooms[id] = r
	go r.run()
	return r, nil
}

// release forgets r once it has shut itself down.
func (b *Broker) release(r *room) {
	b.mu.Lock()
	if b.rooms[r.id] == r {
		delete(b.rooms, r.id)
	}
	b.mu.Unlock()
}

// admission is the outcome of checking a join frame.
type admission struct {
	roomID    string
	username  string
	maxPeople int
}

// admit validates a join frame against the directory. identity, when set,
// is the authenticated username and wins over the one in the frame. A
// non-empty string is the error to send back.
func (b *Broker) admit(ctx context.Context, f wire.Frame, identity string) (admission, string) {
	username := identity
	if username == "" {
		username = sanitize(f.Username)
	}
	roomID := strings.TrimSpace(f.RoomID)
	if roomID == "" || username == "" {
		return admission{}, errJoinRequired
	}
	a := admission{roomID: roomID, username: username}

	dir := b.cfg.Directory
	if dir == nil {
		return a, ""
	}
	info, err := dir.Get(ctx, roomID)
	if errors.Is(err, directory.ErrNotFound) {
		return admission{}, errRoomNotFound
	}
	if err != nil {
		b.log.Warn("directory lookup failed", "room", roomID, "error", err)
		return admission{}, errUnavailable
	}
	if !info.Active(b.cfg.Clock.Now()) {
		return admission{}, errRoomEnded
	}
	if info.Visibility == directory.Private && !auth.CheckCode(info.CodeHash, f.RoomCode) {
		return admission{}, errInvalidCode
	}
	a.maxPeople = info.MaxPeople
	return a, ""
}

// recordPeople pushes the live head count to the directory.
func (b *Broker) recordPeople(roomID string, people int) {
	dir := b.cfg.Directory
	if dir == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := dir.SetPeople(ctx, roomID, people); err != nil && !errors.Is(err, directory.ErrNotFound) {
		b.log.Warn("directory update failed", "room", roomID, "error", err)
	}
}

// sanitize trims s, drops control characters and clamps it to 200 runes.
func sanitize(s string) string {
	s = strings.Map(func(r rune) rune {
		if unicode.IsControl(r) && r != '\n' {
			return -1
		}
		return r
	}, s)
	s = strings.TrimSpace(s)
	if runes := []rune(s); len(runes) > maxTextLength {
		s = strings.TrimSpace(string(runes[:maxTextLength]))
	}
	return s
}
