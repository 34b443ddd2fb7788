package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"ephemeral-chat/internal/config"
	"ephemeral-chat/internal/identity"
	"ephemeral-chat/internal/messages"
	"ephemeral-chat/internal/rooms"
	"ephemeral-chat/internal/session"
)

func main() {
	users := flag.Int("users", 100, "concurrent sessions")
	perRoom := flag.Int("per-room", 10, "sessions sharing one room")
	msgs := flag.Int("msgs", 20, "messages per session")
	settle := flag.Duration("settle", 5*time.Second, "how long to wait for deliveries")
	flag.Parse()
	if *perRoom < 1 {
		*perRoom = 1
	}

	if err := config.LoadDotEnv(); err != nil {
		log.Printf("⚠️ %v", err)
	}
	cfg, err := config.LoadClient()
	if err != nil {
		log.Fatalf("❌ Invalid configuration: %v", err)
	}
	api := rooms.New(cfg.RoomsURL, nil)
	if token, err := api.IssueToken(context.Background(), "loadtest"); err == nil {
		api = api.WithToken(token)
	}

	log.Printf("🔥 STARTING STRESS TEST: %d sessions, %d per room, %d messages each...", *users, *perRoom, *msgs)
	var (
		wg        sync.WaitGroup
		connected atomic.Int64
		received  atomic.Int64
		managers  = make([]*session.Manager, 0, *users)
	)

	var roomID string
	for i := 0; i < *users; i++ {
		if i%*perRoom == 0 {
			room, err := api.Create(context.Background(), rooms.CreateRequest{Name: fmt.Sprintf("loadtest-%d", i / *perRoom)})
			if err != nil {
				log.Fatalf("❌ Create room: %v", err)
			}
			roomID = room.ID
		}
		m, err := spawn(api, cfg, roomID, &received)
		if err != nil {
			log.Printf("❌ session %d: %v", i, err)
			continue
		}
		managers = append(managers, m)

		wg.Add(1)
		go func(m *session.Manager) {
			defer wg.Done()
			if !waitConnected(m, 10*time.Second) {
				log.Printf("❌ %s never connected", m.Snapshot().Session.Username)
				return
			}
			connected.Add(1)
			for j := 0; j < *msgs; j++ {
				m.SendMessage(fmt.Sprintf("LoadTest Msg %d", j))
				time.Sleep(10 * time.Millisecond)
			}
		}(m)
	}

	start := time.Now()
	wg.Wait()
	time.Sleep(*settle)

	for _, m := range managers {
		m.Close()
	}
	want := int64(*msgs) * int64(*perRoom) * connected.Load()
	log.Printf("✅ LOAD TEST COMPLETE in %s: %d/%d connected, %d of ~%d deliveries",
		time.Since(start).Round(time.Millisecond), connected.Load(), *users, received.Load(), want)
}

// spawn joins a fresh uuid-named user to roomID, counting the chat messages
// it sees.
func spawn(api *rooms.Client, cfg config.Client, roomID string, received *atomic.Int64) (*session.Manager, error) {
	username := "u_" + uuid.NewString()[:8]
	id, err := identity.Anonymous(username)
	if token, terr := api.IssueToken(context.Background(), username); terr == nil {
		id, err = identity.FromToken(token)
	}
	if err != nil {
		return nil, err
	}

	opts := cfg.SessionOptions(config.NewLogger(cfg.LogLevel))
	opts.Header = id.Header()
	seen := 0
	m := session.New(opts, session.Handlers{
		OnMessages: func(entries []messages.Message) {
			n := 0
			for _, msg := range entries {
				if msg.ID != "" {
					n++
				}
			}
			if n > seen {
				received.Add(int64(n - seen))
			}
			seen = n
		},
	})
	if err := m.Join(session.Session{RoomID: roomID, Username: id.Username}); err != nil {
		m.Close()
		return nil, err
	}
	return m, nil
}

func waitConnected(m *session.Manager, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if m.Snapshot().Status == session.StatusConnected {
			return true
		}
		time.Sleep(50 * time.Millisecond)
	}
	return false
}
