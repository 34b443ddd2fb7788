// Package timers keeps track of every timeout and interval a session owns, so
// a teardown can cancel all of them in one call.
package timers

import (
	"strings"
	"time"

	"github.com/jonboulle/clockwork"
)

// Poster hands a firing back to the goroutine that owns the registry.
// It reports false when that goroutine no longer accepts work.
type Poster func(fn func()) bool

type entry struct {
	id    uint64
	every time.Duration // zero for one-shot timeouts
	fn    func()
	timer clockwork.Timer
}

// Registry is a set of named timers. It is not safe for concurrent use: all
// methods, and the callbacks it runs, belong to the goroutine behind post.
type Registry struct {
	clock   clockwork.Clock
	post    Poster
	entries map[string]*entry
	nextID  uint64
	closed  bool
}

// New returns a registry that schedules on clock and runs callbacks via post.
func New(clock clockwork.Clock, post Poster) *Registry {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Registry{
		clock:   clock,
		post:    post,
		entries: make(map[string]*entry),
	}
}

// Clock returns the clock the registry schedules on.
func (r *Registry) Clock() clockwork.Clock {
	return r.clock
}

// Timeout runs fn once after d. Arming a key that is already pending replaces
// the previous timer, which will then never fire.
func (r *Registry) Timeout(key string, d time.Duration, fn func()) {
	r.arm(key, d, 0, fn)
}

// Interval runs fn every d until the key is cleared.
func (r *Registry) Interval(key string, d time.Duration, fn func()) {
	if d <= 0 {
		return
	}
	r.arm(key, d, d, fn)
}

func (r *Registry) arm(key string, d, every time.Duration, fn func()) {
	if r.closed {
		return
	}
	r.Clear(key)
	r.nextID++
	e := &entry{id: r.nextID, every: every, fn: fn}
	r.entries[key] = e
	e.timer = r.schedule(key, e.id, d)
}

func (r *Registry) schedule(key string, id uint64, d time.Duration) clockwork.Timer {
	return r.clock.AfterFunc(d, func() {
		r.post(func() { r.fire(key, id) })
	})
}

// fire runs on the owning goroutine. A firing whose entry was cleared or
// re-armed in the meantime is stale and does nothing.
func (r *Registry) fire(key string, id uint64) {
	e, ok := r.entries[key]
	if !ok || e.id != id || r.closed {
		return
	}
	if e.every > 0 {
		e.timer = r.schedule(key, id, e.every)
	} else {
		delete(r.entries, key)
	}
	e.fn()
}

// Clear cancels the timer under key. It reports whether one was pending.
func (r *Registry) Clear(key string) bool {
	e, ok := r.entries[key]
	if !ok {
		return false
	}
	e.timer.Stop()
	delete(r.entries, key)
	return true
}

// ClearPrefix cancels every timer whose key starts with prefix.
func (r *Registry) ClearPrefix(prefix string) int {
	n := 0
	for key := range r.entries {
		if strings.HasPrefix(key, prefix) {
			r.Clear(key)
			n++
		}
	}
	return n
}

// ClearAll cancels every pending timer. The registry stays usable.
func (r *Registry) ClearAll() {
	for key := range r.entries {
		r.Clear(key)
	}
}

// Close cancels every pending timer and ignores later arming.
func (r *Registry) Close() {
	r.ClearAll()
	r.closed = true
}

// Pending reports whether key has an armed timer.
func (r *Registry) Pending(key string) bool {
	_, ok := r.entries[key]
	return ok
}

// Len returns the number of armed timers.
func (r *Registry) Len() int {
	return len(r.entries)
}
