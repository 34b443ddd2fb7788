package broker

import (
	"log/slog"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"ephemeral-chat/internal/wire"
)

type registration struct {
	client    *client
	username  string
	maxPeople int
	reply     chan string // "" on success, otherwise an error text
}

type inbound struct {
	client *client
	frame  wire.Frame
}

// room owns the members and history of one chat room. Like the Hub it is a
// single goroutine fed by channels; only run touches members and history.
type room struct {
	id  string
	b   *Broker
	log *slog.Logger

	register   chan registration
	unregister chan *client
	inbound    chan inbound
	quit       chan struct{} // closed by Broker.Close
	done       chan struct{} // closed when run returns

	members map[*client]string
	roster  []string // distinct member names, first arrival first
	history []wire.Message
}

func newRoom(b *Broker, id string) *room {
	return &room{
		id:         id,
		b:          b,
		log:        b.log.With("room", id),
		register:   make(chan registration),
		unregister: make(chan *client),
		inbound:    make(chan inbound, 64),
		quit:       make(chan struct{}),
		done:       make(chan struct{}),
		members:    make(map[*client]string),
	}
}

// join hands c to the room. It reports the error text, or false when the
// room has already shut down and the caller should look it up again.
func (r *room) join(c *client, a admission) (string, bool) {
	reg := registration{client: c, username: a.username, maxPeople: a.maxPeople, reply: make(chan string, 1)}
	select {
	case r.register <- reg:
	case <-r.done:
		return "", false
	}
	select {
	case msg := <-reg.reply:
		return msg, true
	case <-r.done:
		return "", false
	}
}

func (r *room) leave(c *client) {
	select {
	case r.unregister <- c:
	case <-r.done:
	}
}

func (r *room) submit(c *client, f wire.Frame) bool {
	select {
	case r.inbound <- inbound{client: c, frame: f}:
		return true
	case <-r.done:
		return false
	}
}

func (r *room) run() {
	defer close(r.done)
	clock := r.b.cfg.Clock
	sweep := clock.NewTicker(r.b.cfg.SweepInterval)
	defer sweep.Stop()

	var idle clockwork.Timer
	var idleC <-chan time.Time
	stopIdle := func() {
		if idle != nil {
			idle.Stop()
			idle, idleC = nil, nil
		}
	}
	defer stopIdle()

	for {
		select {
		case reg := <-r.register:
			stopIdle()
			reg.reply <- r.add(reg)
			if len(r.members) == 0 {
				idle = clock.NewTimer(r.b.cfg.IdleTimeout)
				idleC = idle.Chan()
			}

		case c := <-r.unregister:
			r.remove(c)
			if len(r.members) == 0 && idle == nil {
				idle = clock.NewTimer(r.b.cfg.IdleTimeout)
				idleC = idle.Chan()
			}

		case in := <-r.inbound:
			r.handle(in.client, in.frame)

		case <-sweep.Chan():
			r.sweep()

		case <-idleC:
			r.log.Debug("closing idle room")
			r.b.release(r)
			return

		case <-r.quit:
			for c := range r.members {
				c.close()
			}
			r.b.release(r)
			return
		}
	}
}

func (r *room) add(reg registration) string {
	first := !slices.Contains(r.roster, reg.username)
	if first && reg.maxPeople > 0 && len(r.roster) >= reg.maxPeople {
		return errRoomFull
	}
	r.members[reg.client] = reg.username

	if first {
		r.roster = append(r.roster, reg.username)
		notice := r.notice(reg.username + " joined the room")
		r.broadcast(wire.Posted{Message: notice}, reg.client)
	}
	users := r.users()
	reg.client.sendEvent(wire.Joined{Messages: r.historyCopy(), Users: users})
	r.broadcast(wire.UserUpdate{Users: users}, reg.client)
	r.b.recordPeople(r.id, len(users))
	r.log.Info("member joined", "user", reg.username, "people", len(users))
	return ""
}

func (r *room) remove(c *client) {
	username, ok := r.members[c]
	if !ok {
		return
	}
	delete(r.members, c)
	if r.hasUser(username) {
		return
	}
	r.roster = slices.DeleteFunc(r.roster, func(name string) bool { return name == username })
	notice := r.notice(username + " left the room")
	r.broadcast(wire.Posted{Message: notice}, nil)
	users := r.users()
	r.broadcast(wire.UserUpdate{Users: users}, nil)
	r.b.recordPeople(r.id, len(users))
	r.log.Info("member left", "user", username, "people", len(users))
}

func (r *room) handle(c *client, f wire.Frame) {
	username, ok := r.members[c]
	if !ok {
		c.sendError(errNotJoined)
		return
	}

	switch f.Type {
	case wire.KindMessage:
		text := sanitize(f.Text)
		if text == "" {
			c.sendError(errEmptyMessage)
			return
		}
		m := wire.Message{
			Type:      wire.KindMessage,
			ID:        uuid.NewString(),
			Username:  username,
			Text:      text,
			Timestamp: r.b.cfg.Clock.Now().UnixMilli(),
		}
		r.appendHistory(m)
		r.broadcast(wire.Posted{Message: m}, nil)

	case wire.KindTyping:
		r.broadcast(wire.TypingStarted{Username: username}, c)

	case wire.KindReact:
		if f.Emoji == "" {
			return
		}
		reactions, ok := r.toggle(f.MessageID, f.Emoji, username)
		if !ok {
			c.sendError(errNoSuchMessage)
			return
		}
		r.broadcast(wire.ReactionUpdate{MessageID: f.MessageID, Reactions: reactions}, nil)

	default:
		c.sendError(errBadFrame)
	}
}

// toggle flips username's emoji reaction on a message and returns the new map.
func (r *room) toggle(messageID, emoji, username string) (wire.Reactions, bool) {
	for i := range r.history {
		m := &r.history[i]
		if m.ID != messageID || m.Type != wire.KindMessage {
			continue
		}
		if m.Reactions == nil {
			m.Reactions = make(wire.Reactions)
		}
		users := m.Reactions[emoji]
		found := false
		for j, u := range users {
			if u == username {
				users = append(users[:j], users[j+1:]...)
				found = true
				break
			}
		}
		if !found {
			users = append(users, username)
		}
		if len(users) == 0 {
			delete(m.Reactions, emoji)
		} else {
			m.Reactions[emoji] = users
		}
		return m.Reactions.Clone(), true
	}
	return nil, false
}

// sweep drops history older than the message TTL and tells members which ids
// went away. System notices carry no id and are dropped silently.
func (r *room) sweep() {
	cutoff := r.b.cfg.Clock.Now().Add(-r.b.cfg.MessageTTL).UnixMilli()
	kept := r.history[:0]
	var expired []string
	for _, m := range r.history {
		if m.Timestamp < cutoff {
			if m.ID != "" {
				expired = append(expired, m.ID)
			}
			continue
		}
		kept = append(kept, m)
	}
	clear(r.history[len(kept):])
	r.history = kept
	if len(expired) > 0 {
		r.log.Debug("messages expired", "count", len(expired))
		r.broadcast(wire.MessagesExpired{IDs: expired}, nil)
	}
}

func (r *room) notice(text string) wire.Message {
	m := wire.Message{
		Type:      wire.KindSystem,
		Text:      text,
		Timestamp: r.b.cfg.Clock.Now().UnixMilli(),
	}
	r.appendHistory(m)
	return m
}

func (r *room) appendHistory(m wire.Message) {
	r.history = append(r.history, m)
	if over := len(r.history) - r.b.cfg.HistoryLimit; over > 0 {
		n := copy(r.history, r.history[over:])
		clear(r.history[n:])
		r.history = r.history[:n]
	}
}

func (r *room) historyCopy() []wire.Message {
	out := make([]wire.Message, len(r.history))
	for i, m := range r.history {
		m.Reactions = m.Reactions.Clone()
		out[i] = m
	}
	return out
}

// broadcast sends e to every member except skip. A member that cannot keep
// up has its connection closed, as the Hub does; its reader then unregisters
// it.
func (r *room) broadcast(e wire.Event, skip *client) {
	data, err := wire.EncodeEvent(e)
	if err != nil {
		r.log.Error("encode event", "error", err)
		return
	}
	for c := range r.members {
		if c == skip {
			continue
		}
		if !c.enqueue(data) {
			r.log.Warn("dropping slow member", "user", r.members[c])
		}
	}
}

func (r *room) users() []string {
	return slices.Clone(r.roster)
}

func (r *room) hasUser(username string) bool {
	for _, name := range r.members {
		if name == username {
			return true
		}
	}
	return false
}
