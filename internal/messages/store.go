// Package messages holds a session's message log.
package messages

import (
	"time"

	"ephemeral-chat/internal/wire"
)

// Message is a log entry. ReceivedAt is the local arrival time, kept apart from
// the server Timestamp so a display can age messages out even when an expiry
// frame is missed.
type Message struct {
	wire.Message
	ReceivedAt time.Time
}

// ExpiresIn returns how long the server will keep m given its retention ttl,
// floored at zero.
func (m Message) ExpiresIn(now time.Time, ttl time.Duration) time.Duration {
	left := ttl - now.Sub(m.Time())
	if left < 0 {
		return 0
	}
	return left
}

// Store is an append-only, id-deduplicated log kept in arrival order.
// Entries never move; they are only appended or removed.
//
// Store is not safe for concurrent use.
type Store struct {
	log []Message
	ids map[string]struct{}
}

// NewStore returns an empty log.
func NewStore() *Store {
	return &Store{ids: make(map[string]struct{})}
}

// ApplyHistory replaces the whole log, dropping duplicate ids after the first.
func (s *Store) ApplyHistory(history []wire.Message, now time.Time) {
	s.log = make([]Message, 0, len(history))
	s.ids = make(map[string]struct{}, len(history))
	for _, m := range history {
		s.Append(m, now)
	}
}

// Append adds m at the end. A message whose id is already present is ignored;
// it reports whether the log changed.
func (s *Store) Append(m wire.Message, now time.Time) bool {
	if m.ID != "" {
		if _, dup := s.ids[m.ID]; dup {
			return false
		}
		s.ids[m.ID] = struct{}{}
	}
	m.Reactions = m.Reactions.Clone()
	s.log = append(s.log, Message{Message: m, ReceivedAt: now})
	return true
}

// ApplyReactionUpdate swaps the reaction map of the message with id in place.
// Unknown ids are ignored.
func (s *Store) ApplyReactionUpdate(id string, reactions wire.Reactions) bool {
	if _, ok := s.ids[id]; !ok {
		return false
	}
	for i := range s.log {
		if s.log[i].ID == id {
			s.log[i].Reactions = reactions.Clone()
			return true
		}
	}
	return false
}

// Expire removes every message whose id is in ids, keeping the order of the
// rest. It returns the number removed.
func (s *Store) Expire(ids []string) int {
	if len(ids) == 0 {
		return 0
	}
	gone := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if _, ok := s.ids[id]; ok {
			gone[id] = struct{}{}
		}
	}
	if len(gone) == 0 {
		return 0
	}
	return s.filter(func(m Message) bool {
		_, drop := gone[m.ID]
		return drop
	})
}

// ExpireReceivedBefore removes id-bearing messages that arrived before cutoff.
// It backs the local retention sweep; system entries have no id and stay.
func (s *Store) ExpireReceivedBefore(cutoff time.Time) int {
	return s.filter(func(m Message) bool {
		return m.ID != "" && m.ReceivedAt.Before(cutoff)
	})
}

func (s *Store) filter(drop func(Message) bool) int {
	kept := s.log[:0]
	removed := 0
	for _, m := range s.log {
		if drop(m) {
			delete(s.ids, m.ID)
			removed++
			continue
		}
		kept = append(kept, m)
	}
	for i := len(kept); i < len(s.log); i++ {
		s.log[i] = Message{}
	}
	s.log = kept
	return removed
}

// size returns the number of messages in the log.
func (s *Store) size() int {
	return len(s.log)
}

// has reports whether a message with id is present.
func (s *Store) has(id string) bool {
	_, ok := s.ids[id]
	return ok
}

// Messages returns a copy of the log that the caller may keep.
func (s *Store) Messages() []Message {
	out := make([]Message, len(s.log))
	for i, m := range s.log {
		m.Reactions = m.Reactions.Clone()
		out[i] = m
	}
	return out
}
