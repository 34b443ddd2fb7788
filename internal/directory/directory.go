// Package directory stores the metadata of chat rooms: who may join, how many
// people fit and when the room ends. Message traffic never touches it.
package directory

import (
	"context"
	"errors"
	"sort"
	"time"
)

var (
	ErrNotFound = errors.New("directory: room not found")
	ErrExists   = errors.New("directory: room already exists")
)

type Visibility string

const (
	Public  Visibility = "PUBLIC"
	Private Visibility = "PRIVATE"
)

// Room is the discovery record of one room. CodeHash is set for private rooms
// only and never leaves the server.
type Room struct {
	ID            string     `json:"id"`
	Name          string     `json:"name"`
	Visibility    Visibility `json:"visibility"`
	Code          string     `json:"code,omitempty"` // only in the create response
	CodeHash      string     `json:"-"`
	MaxPeople     int        `json:"maxPeople"` // zero means unlimited
	CurrentPeople int        `json:"currentPeople"`
	CreatedBy     string     `json:"createdBy"`
	CreatedAt     time.Time  `json:"createdAt"`
	EndsAt        time.Time  `json:"endsAt"`
}

// Active reports whether the room is still open at now.
func (r Room) Active(now time.Time) bool {
	return r.EndsAt.IsZero() || now.Before(r.EndsAt)
}

// Full reports whether another person would exceed MaxPeople.
func (r Room) Full(people int) bool {
	return r.MaxPeople > 0 && people >= r.MaxPeople
}

// Store is implemented by the memory, Redis and Postgres backends.
type Store interface {
	Create(ctx context.Context, room Room) error
	Get(ctx context.Context, id string) (Room, error)
	// List returns the public rooms that are active at now, newest first.
	List(ctx context.Context, now time.Time) ([]Room, error)
	SetPeople(ctx context.Context, id string, people int) error
	Delete(ctx context.Context, id string) error
}

// Page is the paginated listing served to clients.
type Page struct {
	Results      []Room `json:"results"`
	Page         int    `json:"page"`
	Limit        int    `json:"limit"`
	TotalPages   int    `json:"totalPages"`
	TotalResults int    `json:"totalResults"`
}

// Paginate cuts one page out of rooms. page is 1-based.
func Paginate(rooms []Room, page, limit int) Page {
	if limit <= 0 {
		limit = 10
	}
	if page <= 0 {
		page = 1
	}
	p := Page{
		Results:      []Room{},
		Page:         page,
		Limit:        limit,
		TotalResults: len(rooms),
		TotalPages:   (len(rooms) + limit - 1) / limit,
	}
	start := (page - 1) * limit
	if start >= len(rooms) {
		return p
	}
	end := min(start+limit, len(rooms))
	p.Results = append(p.Results, rooms[start:end]...)
	return p
}

func sortNewestFirst(rooms []Room) {
	sort.SliceStable(rooms, func(i, j int) bool {
		return rooms[i].CreatedAt.After(rooms[j].CreatedAt)
	})
}

// publicActive filters rooms in place.
func publicActive(rooms []Room, now time.Time) []Room {
	out := rooms[:0]
	for _, r := range rooms {
		if r.Visibility == Public && r.Active(now) {
			out = append(out, r)
		}
	}
	return out
}
