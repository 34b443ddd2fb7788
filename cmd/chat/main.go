package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"ephemeral-chat/internal/config"
	"ephemeral-chat/internal/identity"
	"ephemeral-chat/internal/messages"
	"ephemeral-chat/internal/rooms"
	"ephemeral-chat/internal/session"
)

const help = `commands:
  /react <id> <emoji>  toggle a reaction (id prefix is enough)
  /who                 list people in the room
  /quit                leave and exit
anything else is sent as a message`

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := config.LoadDotEnv(); err != nil {
		log.Printf("⚠️ %v", err)
	}
	cfg, err := config.LoadClient()
	if err != nil {
		log.Fatalf("❌ Invalid configuration: %v", err)
	}
	roomID := flag.String("room", "", "room id to join; empty lists public rooms")
	code := flag.String("code", "", "join code of a private room")
	user := flag.String("user", os.Getenv("USER"), "display name")
	flag.Parse()

	api := rooms.New(cfg.RoomsURL, nil)
	if *roomID == "" {
		listRooms(ctx, api)
		return
	}

	id, err := resolveIdentity(ctx, api, cfg.Token, *user, time.Now())
	if err != nil {
		log.Fatalf("❌ Identity: %v", err)
	}
	if room, err := api.Get(ctx, *roomID); err == nil {
		fmt.Printf("joining %q, open until %s\n", room.Name, room.EndsAt.Local().Format(time.Kitchen))
	} else if errors.Is(err, rooms.ErrNotFound) {
		log.Fatalf("❌ Room %s not found", *roomID)
	}

	out := &printer{seen: make(map[string]bool), ttl: cfg.MessageTTL}
	opts := cfg.SessionOptions(config.NewLogger(cfg.LogLevel))
	opts.Header = id.Header()
	m := session.New(opts, out.handlers())
	defer m.Close()

	if err := m.Join(session.Session{RoomID: *roomID, RoomCode: *code, Username: id.Username}); err != nil {
		log.Fatalf("❌ Join: %v", err)
	}

	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(os.Stdin)
		for sc.Scan() {
			lines <- sc.Text()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case line, ok := <-lines:
			if !ok || !command(m, line) {
				return
			}
		}
	}
}

// command runs one input line. It reports false when the user wants out.
func command(m *session.Manager, line string) bool {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return true
	}
	switch fields[0] {
	case "/quit", "/leave":
		m.Leave()
		return false
	case "/help":
		fmt.Println(help)
	case "/who":
		fmt.Println("here:", strings.Join(m.Snapshot().Users, ", "))
	case "/react":
		if len(fields) != 3 {
			fmt.Println("usage: /react <id> <emoji>")
			return true
		}
		msg, ok := findMessage(m.Snapshot().Messages, fields[1])
		if !ok {
			fmt.Println("no such message")
			return true
		}
		m.SendReaction(msg.ID, fields[2])
	default:
		if strings.HasPrefix(fields[0], "/") {
			fmt.Println(help)
			return true
		}
		m.SendMessage(line)
	}
	return true
}

func findMessage(entries []messages.Message, prefix string) (messages.Message, bool) {
	for i := len(entries) - 1; i >= 0; i-- {
		if entries[i].ID != "" && strings.HasPrefix(entries[i].ID, prefix) {
			return entries[i], true
		}
	}
	return messages.Message{}, false
}

// resolveIdentity prefers a configured token that has not expired at now,
// then a guest token from the broker, then a plain name.
func resolveIdentity(ctx context.Context, api *rooms.Client, token, username string, now time.Time) (identity.Identity, error) {
	if token != "" {
		id, err := identity.FromToken(token)
		if err != nil || !id.Expired(now) {
			return id, err
		}
		log.Printf("⚠️ token for %s expired at %s, asking for a guest token", id.Username, id.ExpiresAt.Format(time.RFC3339))
		if username == "" {
			username = id.Username
		}
	}
	token, err := api.IssueToken(ctx, username)
	if err == nil {
		return identity.FromToken(token)
	}
	if !errors.Is(err, rooms.ErrNotFound) {
		log.Printf("⚠️ no token: %v", err)
	}
	return identity.Anonymous(username)
}

func listRooms(ctx context.Context, api *rooms.Client) {
	page, err := api.List(ctx, 1, 20)
	if err != nil {
		log.Fatalf("❌ Listing rooms: %v", err)
	}
	if len(page.Results) == 0 {
		fmt.Println("no public rooms right now")
		return
	}
	for _, r := range page.Results {
		people := fmt.Sprint(r.CurrentPeople)
		if r.MaxPeople > 0 {
			people += fmt.Sprintf("/%d", r.MaxPeople)
		}
		fmt.Printf("%s  %-24s %6s people, ends %s\n", r.ID, r.Name, people, r.EndsAt.Local().Format(time.Kitchen))
	}
}

// printer renders session streams as lines on stdout.
type printer struct {
	mu    sync.Mutex
	seen  map[string]bool
	users []string
	ttl   time.Duration
}

func (p *printer) handlers() session.Handlers {
	return session.Handlers{
		OnStatus: func(s session.Status) {
			fmt.Printf("* %s\n", s)
		},
		OnMessages: p.messages,
		OnUsers: func(users []string) {
			p.mu.Lock()
			defer p.mu.Unlock()
			if strings.Join(users, ",") != strings.Join(p.users, ",") {
				fmt.Printf("* here: %s\n", strings.Join(users, ", "))
				p.users = users
			}
		},
		OnTyping: func(typing []string) {
			if len(typing) > 0 {
				fmt.Printf("* %s typing...\n", strings.Join(typing, ", "))
			}
		},
		OnError: func(msg string) {
			fmt.Printf("! %s\n", msg)
		},
	}
}

// messages prints entries it has not printed before.
func (p *printer) messages(entries []messages.Message) {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := time.Now()
	for _, m := range entries {
		key := m.ID
		if key == "" {
			key = fmt.Sprintf("%d/%s", m.Timestamp, m.Text)
		}
		if p.seen[key] {
			continue
		}
		p.seen[key] = true
		stamp := m.Time().Local().Format("15:04")
		if m.ID == "" {
			fmt.Printf("%s -- %s\n", stamp, m.Text)
			continue
		}
		left := m.ExpiresIn(now, p.ttl).Round(time.Second)
		fmt.Printf("%s [%s] %s: %s (%s left)\n", stamp, m.ID[:min(8, len(m.ID))], m.Username, m.Text, left)
	}
}
