package directory

import (
	"context"
	"sync"
	"time"
)

// Memory keeps rooms in a map. It is the default for the development broker.
type Memory struct {
	mu    sync.RWMutex
	rooms map[string]Room
}

func NewMemory() *Memory {
	return &Memory{rooms: make(map[string]Room)}
}

func (m *Memory) Create(_ context.Context, room Room) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rooms[room.ID]; ok {
		return ErrExists
	}
	room.Code = ""
	m.rooms[room.ID] = room
	return nil
}

func (m *Memory) Get(_ context.Context, id string) (Room, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	room, ok := m.rooms[id]
	if !ok {
		return Room{}, ErrNotFound
	}
	return room, nil
}

func (m *Memory) List(_ context.Context, now time.Time) ([]Room, error) {
	m.mu.RLock()
	rooms := make([]Room, 0, len(m.rooms))
	for _, r := range m.rooms {
		rooms = append(rooms, r)
	}
	m.mu.RUnlock()

	rooms = publicActive(rooms, now)
	sortNewestFirst(rooms)
	return rooms, nil
}

func (m *Memory) SetPeople(_ context.Context, id string, people int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	room, ok := m.rooms[id]
	if !ok {
		return ErrNotFound
	}
	room.CurrentPeople = people
	m.rooms[id] = room
	return nil
}

func (m *Memory) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rooms[id]; !ok {
		return ErrNotFound
	}
	delete(m.rooms, id)
	return nil
}
