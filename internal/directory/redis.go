package directory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	roomKeyPrefix = "room:"
	indexKey      = "rooms"
)

// DefaultRoomTTL bounds the life of a Redis room that has no end time.
const DefaultRoomTTL = time.Hour

// record is the stored form; unlike Room it keeps the code hash.
type record struct {
	Room
	CodeHash string `json:"codeHash,omitempty"`
}

// Redis stores each room as a JSON value under room:<id> that expires when the
// room ends. The set "rooms" indexes the ids for listing; entries whose key has
// expired are pruned lazily.
type Redis struct {
	rdb *redis.Client
	ttl time.Duration
	now func() time.Time
}

func NewRedis(rdb *redis.Client, ttl time.Duration) *Redis {
	if ttl <= 0 {
		ttl = DefaultRoomTTL
	}
	return &Redis{rdb: rdb, ttl: ttl, now: time.Now}
}

func roomKey(id string) string { return roomKeyPrefix + id }

func (s *Redis) expiry(room Room) time.Duration {
	if room.EndsAt.IsZero() {
		return s.ttl
	}
	if d := room.EndsAt.Sub(s.now()); d > time.Second {
		return d
	}
	return time.Second
}

func encode(room Room) ([]byte, error) {
	room.Code = ""
	return json.Marshal(record{Room: room, CodeHash: room.CodeHash})
}

func decode(data []byte) (Room, error) {
	var rec record
	if err := json.Unmarshal(data, &rec); err != nil {
		return Room{}, err
	}
	room := rec.Room
	room.CodeHash = rec.CodeHash
	return room, nil
}

func (s *Redis) Create(ctx context.Context, room Room) error {
	data, err := encode(room)
	if err != nil {
		return fmt.Errorf("directory: encode room: %w", err)
	}
	ok, err := s.rdb.SetNX(ctx, roomKey(room.ID), data, s.expiry(room)).Result()
	if err != nil {
		return fmt.Errorf("directory: create room: %w", err)
	}
	if !ok {
		return ErrExists
	}
	if err := s.rdb.SAdd(ctx, indexKey, room.ID).Err(); err != nil {
		return fmt.Errorf("directory: index room: %w", err)
	}
	return nil
}

func (s *Redis) Get(ctx context.Context, id string) (Room, error) {
	data, err := s.rdb.Get(ctx, roomKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Room{}, ErrNotFound
	}
	if err != nil {
		return Room{}, fmt.Errorf("directory: get room: %w", err)
	}
	room, err := decode(data)
	if err != nil {
		return Room{}, fmt.Errorf("directory: decode room: %w", err)
	}
	return room, nil
}

func (s *Redis) List(ctx context.Context, now time.Time) ([]Room, error) {
	ids, err := s.rdb.SMembers(ctx, indexKey).Result()
	if err != nil {
		return nil, fmt.Errorf("directory: list rooms: %w", err)
	}
	if len(ids) == 0 {
		return []Room{}, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = roomKey(id)
	}
	values, err := s.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("directory: list rooms: %w", err)
	}

	rooms := make([]Room, 0, len(values))
	var stale []any
	for i, v := range values {
		raw, ok := v.(string)
		if !ok {
			stale = append(stale, ids[i])
			continue
		}
		room, err := decode([]byte(raw))
		if err != nil {
			continue
		}
		rooms = append(rooms, room)
	}
	if len(stale) > 0 {
		s.rdb.SRem(ctx, indexKey, stale...)
	}

	rooms = publicActive(rooms, now)
	sortNewestFirst(rooms)
	return rooms, nil
}

func (s *Redis) SetPeople(ctx context.Context, id string, people int) error {
	key := roomKey(id)
	err := s.rdb.Watch(ctx, func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		room, err := decode(data)
		if err != nil {
			return err
		}
		room.CurrentPeople = people
		data, err = encode(room)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, redis.KeepTTL)
			return nil
		})
		return err
	}, key)
	if errors.Is(err, ErrNotFound) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("directory: set people: %w", err)
	}
	return nil
}

func (s *Redis) Delete(ctx context.Context, id string) error {
	n, err := s.rdb.Del(ctx, roomKey(id)).Result()
	if err != nil {
		return fmt.Errorf("directory: delete room: %w", err)
	}
	s.rdb.SRem(ctx, indexKey, id)
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
