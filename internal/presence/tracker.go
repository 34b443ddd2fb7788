// Package presence tracks who is in a room and who is typing.
package presence

import (
	"time"

	"ephemeral-chat/internal/timers"
)

// DefaultTypingWindow is how long a typing signal stays visible unless refreshed.
const DefaultTypingWindow = 3 * time.Second

const typingKeyPrefix = "typing:"

// Tracker holds the membership snapshot and the typing set. It performs no
// identity checks: the server is the source of truth for who exists.
//
// Tracker is not safe for concurrent use; it runs on the goroutine that owns
// its timer registry.
type Tracker struct {
	self     string
	window   time.Duration
	timers   *timers.Registry
	onExpire func()

	users  []string
	typing []string
}

// NewTracker returns a tracker for the local user self. onExpire is called
// after a typing entry times out and has been removed.
func NewTracker(self string, registry *timers.Registry, window time.Duration, onExpire func()) *Tracker {
	if window <= 0 {
		window = DefaultTypingWindow
	}
	return &Tracker{
		self:     self,
		window:   window,
		timers:   registry,
		onExpire: onExpire,
	}
}

// ApplyPresence replaces the membership snapshot. Repeated names keep their
// first position.
func (t *Tracker) ApplyPresence(users []string) {
	seen := make(map[string]struct{}, len(users))
	next := make([]string, 0, len(users))
	for _, u := range users {
		if _, dup := seen[u]; dup {
			continue
		}
		seen[u] = struct{}{}
		next = append(next, u)
	}
	t.users = next
}

// ApplyTyping inserts username into the typing set or refreshes its expiry.
// The local user is never added. It reports whether the visible set changed.
func (t *Tracker) ApplyTyping(username string) bool {
	if username == "" || username == t.self {
		return false
	}
	added := false
	if !t.isTyping(username) {
		t.typing = append(t.typing, username)
		added = true
	}
	t.timers.Timeout(typingKeyPrefix+username, t.window, func() {
		if t.remove(username) && t.onExpire != nil {
			t.onExpire()
		}
	})
	return added
}

// Reset empties the typing set and cancels its timers. Membership is kept.
func (t *Tracker) Reset() {
	t.timers.ClearPrefix(typingKeyPrefix)
	t.typing = nil
}

// Users returns a copy of the membership snapshot.
func (t *Tracker) Users() []string {
	return append([]string(nil), t.users...)
}

// Typing returns a copy of the typing set in insertion order.
func (t *Tracker) Typing() []string {
	return append([]string(nil), t.typing...)
}

func (t *Tracker) isTyping(username string) bool {
	for _, u := range t.typing {
		if u == username {
			return true
		}
	}
	return false
}

func (t *Tracker) remove(username string) bool {
	for i, u := range t.typing {
		if u == username {
			t.typing = append(t.typing[:i], t.typing[i+1:]...)
			return true
		}
	}
	return false
}
