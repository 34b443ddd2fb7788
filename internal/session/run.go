package session

import (
	"log/slog"

	"ephemeral-chat/internal/loop"
	"ephemeral-chat/internal/messages"
	"ephemeral-chat/internal/presence"
	"ephemeral-chat/internal/supervisor"
	"ephemeral-chat/internal/timers"
	"ephemeral-chat/internal/wire"
)

const sweepKey = "session:sweep"

// run is one Session's actor. Frames, timer firings and user intents all
// reach it through its loop, so the fields below are only touched there.
type run struct {
	m       *Manager
	session Session
	log     *slog.Logger

	loop     *loop.Loop
	timers   *timers.Registry
	sup      *supervisor.Supervisor
	store    *messages.Store
	presence *presence.Tracker
}

func newRun(m *Manager, s Session) *run {
	r := &run{
		m:       m,
		session: s,
		log:     m.log.With("room", s.RoomID, "user", s.Username),
		loop:    loop.New(),
		store:   messages.NewStore(),
	}
	r.timers = timers.New(m.opts.Clock, r.loop.Post)
	r.presence = presence.NewTracker(s.Username, r.timers, m.opts.TypingWindow, r.publishTyping)

	o := m.opts
	r.sup = supervisor.New(supervisor.Config{
		URL:          o.URL,
		Header:       o.Header,
		Join:         wire.Join(s.RoomID, s.RoomCode, s.Username),
		BackoffBase:  o.BackoffBase,
		BackoffCap:   o.BackoffCap,
		MaxAttempts:  o.MaxAttempts,
		Grace:        o.Grace,
		PingInterval: o.PingInterval,
		ReadTimeout:  o.ReadTimeout,
		Dialer:       o.Dialer,
		Logger:       r.log,
	}, supervisor.Callbacks{
		OnStatus: r.statusChanged,
		OnFrame:  r.handleFrame,
		OnFatal:  r.fatal,
	}, r.loop, r.timers)
	return r
}

func (r *run) start() {
	r.sup.Start()
	if ttl := r.m.opts.MessageTTL; ttl > 0 {
		r.timers.Interval(sweepKey, r.m.opts.SweepInterval, func() {
			cutoff := r.timers.Clock().Now().Add(-ttl)
			if n := r.store.ExpireReceivedBefore(cutoff); n > 0 {
				r.log.Debug("expired locally", "count", n)
				r.publishMessages()
			}
		})
	}
}

func (r *run) teardown() {
	r.sup.Stop()
	r.presence.Reset()
	r.timers.Close()
}

// send is a silent no-op unless the connection is up.
func (r *run) send(f wire.Frame) {
	if !r.sup.Connected() {
		r.log.Debug("not connected, dropping outbound frame", "type", f.Type)
		return
	}
	r.sup.Send(f)
}

// handleFrame applies one inbound frame. Frames arrive here in transport order.
func (r *run) handleFrame(data []byte) {
	ev, ok := wire.Decode(data)
	if !ok {
		r.log.Debug("dropping malformed frame", "bytes", len(data))
		return
	}
	now := r.timers.Clock().Now()

	switch ev := ev.(type) {
	case wire.Joined:
		r.store.ApplyHistory(ev.Messages, now)
		r.presence.ApplyPresence(ev.Users)
		r.publishMessages()
		r.publishUsers()
	case wire.Posted:
		if r.store.Append(ev.Message, now) {
			r.publishMessages()
		}
	case wire.UserUpdate:
		r.presence.ApplyPresence(ev.Users)
		r.publishUsers()
	case wire.TypingStarted:
		if r.presence.ApplyTyping(ev.Username) {
			r.publishTyping()
		}
	case wire.ReactionUpdate:
		if r.store.ApplyReactionUpdate(ev.MessageID, ev.Reactions) {
			r.publishMessages()
		}
	case wire.MessagesExpired:
		if r.store.Expire(ev.IDs) > 0 {
			r.publishMessages()
		}
	case wire.ServerError:
		r.log.Info("server error", "message", ev.Message)
		r.publishError(ev.Message)
	case wire.Pong:
	}
}

func (r *run) statusChanged(st supervisor.Status) {
	r.m.update(r, func(v *Snapshot) { v.Status = st }, func(h Handlers) {
		if h.OnStatus != nil {
			h.OnStatus(st)
		}
	})
}

func (r *run) fatal(err error) {
	r.log.Error("session lost", "error", err)
	r.presence.Reset()
	r.timers.ClearAll()
	r.publishTyping()
	r.publishError(FatalConnectionMessage)
}

func (r *run) publishMessages() {
	msgs := r.store.Messages()
	r.m.update(r, func(v *Snapshot) { v.Messages = msgs }, func(h Handlers) {
		if h.OnMessages != nil {
			h.OnMessages(cloneMessages(msgs))
		}
	})
}

func (r *run) publishUsers() {
	users := r.presence.Users()
	r.m.update(r, func(v *Snapshot) { v.Users = users }, func(h Handlers) {
		if h.OnUsers != nil {
			h.OnUsers(append([]string(nil), users...))
		}
	})
}

func (r *run) publishTyping() {
	typing := r.presence.Typing()
	r.m.update(r, func(v *Snapshot) { v.Typing = typing }, func(h Handlers) {
		if h.OnTyping != nil {
			h.OnTyping(append([]string(nil), typing...))
		}
	})
}

func (r *run) publishError(msg string) {
	r.m.update(r, func(*Snapshot) {}, func(h Handlers) {
		if h.OnError != nil {
			h.OnError(msg)
		}
	})
}
