package broker

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ephemeral-chat/internal/auth"
	"ephemeral-chat/internal/directory"
	"ephemeral-chat/internal/wire"
)

const secret = "test-secret"

type fixture struct {
	clock  *clockwork.FakeClock
	dir    *directory.Memory
	tokens *auth.Service
	b      *Broker
	srv    *httptest.Server
}

// newFixture starts a broker behind an httptest server. withDirectory makes
// joins go through the room directory.
func newFixture(t *testing.T, withDirectory bool, mutate func(*Config)) *fixture {
	t.Helper()
	f := &fixture{
		clock:  clockwork.NewFakeClock(),
		dir:    directory.NewMemory(),
		tokens: auth.NewService(secret, time.Hour),
	}
	cfg := Config{
		Clock:  f.clock,
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	if withDirectory {
		cfg.Directory = f.dir
	}
	if mutate != nil {
		mutate(&cfg)
	}
	f.b = New(cfg)
	f.srv = httptest.NewServer(NewHandler(f.b, f.dir, f.tokens).Routes())
	t.Cleanup(f.srv.Close)
	t.Cleanup(f.b.Close)
	return f
}

func (f *fixture) wsURL(token string) string {
	u := "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/ws"
	if token != "" {
		u += "?token=" + url.QueryEscape(token)
	}
	return u
}

type peer struct {
	t  *testing.T
	ws *websocket.Conn
}

func (f *fixture) dial(t *testing.T, token string) *peer {
	t.Helper()
	ws, resp, err := websocket.DefaultDialer.Dial(f.wsURL(token), nil)
	require.NoError(t, err)
	resp.Body.Close()
	t.Cleanup(func() { ws.Close() })
	return &peer{t: t, ws: ws}
}

func (p *peer) send(fr wire.Frame) {
	p.t.Helper()
	data, err := wire.Encode(fr)
	require.NoError(p.t, err)
	require.NoError(p.t, p.ws.WriteMessage(websocket.TextMessage, data))
}

func (p *peer) next() wire.Event {
	p.t.Helper()
	require.NoError(p.t, p.ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := p.ws.ReadMessage()
	require.NoError(p.t, err)
	e, ok := wire.Decode(data)
	require.True(p.t, ok, "undecodable frame %s", data)
	return e
}

// sync round-trips a ping, proving nothing else was queued before the pong.
func (p *peer) sync() {
	p.t.Helper()
	p.send(wire.Ping())
	assert.Equal(p.t, wire.Pong{}, p.next())
}

func (p *peer) join(roomID, code, username string) wire.Joined {
	p.t.Helper()
	p.send(wire.Join(roomID, code, username))
	e := p.next()
	joined, ok := e.(wire.Joined)
	require.True(p.t, ok, "expected joined, got %#v", e)
	return joined
}

func (p *peer) expectError(msg string) {
	p.t.Helper()
	assert.Equal(p.t, wire.ServerError{Message: msg}, p.next())
}

func texts(ms []wire.Message) []string {
	out := make([]string, 0, len(ms))
	for _, m := range ms {
		out = append(out, m.Text)
	}
	return out
}

func TestBroker_JoinSnapshotAndNotices(t *testing.T) {
	f := newFixture(t, false, nil)

	alice := f.dial(t, "")
	joined := alice.join("lobby", "", "alice")
	assert.Equal(t, []string{"alice joined the room"}, texts(joined.Messages))
	assert.Equal(t, wire.KindSystem, joined.Messages[0].Type)
	assert.Empty(t, joined.Messages[0].ID)
	assert.Equal(t, []string{"alice"}, joined.Users)

	bob := f.dial(t, "")
	joined = bob.join("lobby", "", "bob")
	assert.Equal(t, []string{"alice joined the room", "bob joined the room"}, texts(joined.Messages))
	assert.Equal(t, []string{"alice", "bob"}, joined.Users)

	notice, ok := alice.next().(wire.Posted)
	require.True(t, ok)
	assert.Equal(t, "bob joined the room", notice.Message.Text)
	assert.Equal(t, wire.UserUpdate{Users: []string{"alice", "bob"}}, alice.next())
	bob.sync()
}

func TestBroker_MessagesFanOut(t *testing.T) {
	f := newFixture(t, false, nil)
	alice := f.dial(t, "")
	alice.join("lobby", "", "alice")
	bob := f.dial(t, "")
	bob.join("lobby", "", "bob")
	alice.next() // bob's notice
	alice.next() // user-update

	alice.send(wire.Chat("  hello\x07 "))
	for _, p := range []*peer{alice, bob} {
		posted, ok := p.next().(wire.Posted)
		require.True(t, ok)
		m := posted.Message
		assert.Equal(t, wire.KindMessage, m.Type)
		assert.NotEmpty(t, m.ID)
		assert.Equal(t, "alice", m.Username)
		assert.Equal(t, "hello", m.Text)
		assert.Equal(t, f.clock.Now().UnixMilli(), m.Timestamp)
	}

	alice.send(wire.Chat("   "))
	alice.expectError(errEmptyMessage)
	bob.sync()
}

func TestBroker_TypingGoesToOthers(t *testing.T) {
	f := newFixture(t, false, nil)
	alice := f.dial(t, "")
	alice.join("lobby", "", "alice")
	bob := f.dial(t, "")
	bob.join("lobby", "", "bob")
	alice.next()
	alice.next()

	bob.send(wire.Typing())
	assert.Equal(t, wire.TypingStarted{Username: "bob"}, alice.next())
	bob.sync()
}

func TestBroker_ReactionsToggle(t *testing.T) {
	f := newFixture(t, false, nil)
	alice := f.dial(t, "")
	alice.join("lobby", "", "alice")
	alice.send(wire.Chat("react to me"))
	posted := alice.next().(wire.Posted)
	id := posted.Message.ID

	alice.send(wire.React(id, "👍"))
	assert.Equal(t, wire.ReactionUpdate{MessageID: id, Reactions: wire.Reactions{"👍": {"alice"}}}, alice.next())

	alice.send(wire.React(id, "👍"))
	update, ok := alice.next().(wire.ReactionUpdate)
	require.True(t, ok)
	assert.Equal(t, id, update.MessageID)
	assert.Empty(t, update.Reactions)

	alice.send(wire.React("missing", "👍"))
	alice.expectError(errNoSuchMessage)

	// An empty emoji is ignored.
	alice.send(wire.React(id, ""))
	alice.sync()
}

func TestBroker_LeaveAnnounces(t *testing.T) {
	f := newFixture(t, false, nil)
	alice := f.dial(t, "")
	alice.join("lobby", "", "alice")
	bob := f.dial(t, "")
	bob.join("lobby", "", "bob")
	alice.next()
	alice.next()

	bob.send(wire.Leave())
	notice, ok := alice.next().(wire.Posted)
	require.True(t, ok)
	assert.Equal(t, "bob left the room", notice.Message.Text)
	assert.Equal(t, wire.UserUpdate{Users: []string{"alice"}}, alice.next())

	bob.send(wire.Chat("still here?"))
	bob.expectError(errNotJoined)
}

func TestBroker_SecondConnectionSameUser(t *testing.T) {
	f := newFixture(t, false, nil)
	alice := f.dial(t, "")
	alice.join("lobby", "", "alice")
	tab := f.dial(t, "")
	joined := tab.join("lobby", "", "alice")
	assert.Equal(t, []string{"alice"}, joined.Users)
	assert.Len(t, joined.Messages, 1, "no second join notice")

	assert.Equal(t, wire.UserUpdate{Users: []string{"alice"}}, alice.next())

	// Closing one tab keeps alice in the room.
	tab.ws.Close()
	alice.send(wire.Chat("hi"))
	posted, ok := alice.next().(wire.Posted)
	require.True(t, ok)
	assert.Equal(t, "hi", posted.Message.Text)
}

func TestBroker_HistoryLimit(t *testing.T) {
	f := newFixture(t, false, func(c *Config) { c.HistoryLimit = 3 })
	alice := f.dial(t, "")
	alice.join("lobby", "", "alice")
	for _, text := range []string{"one", "two", "three"} {
		alice.send(wire.Chat(text))
		alice.next()
	}

	bob := f.dial(t, "")
	joined := bob.join("lobby", "", "bob")
	assert.Equal(t, []string{"two", "three", "bob joined the room"}, texts(joined.Messages))
}

func TestBroker_SweepExpiresMessages(t *testing.T) {
	f := newFixture(t, false, nil)
	alice := f.dial(t, "")
	alice.join("lobby", "", "alice")
	alice.send(wire.Chat("soon gone"))
	posted := alice.next().(wire.Posted)

	f.clock.Advance(DefaultMessageTTL + DefaultSweepInterval)
	assert.Equal(t, wire.MessagesExpired{IDs: []string{posted.Message.ID}}, alice.next())

	bob := f.dial(t, "")
	joined := bob.join("lobby", "", "bob")
	assert.Equal(t, []string{"bob joined the room"}, texts(joined.Messages))
}

func TestBroker_IdleRoomReleased(t *testing.T) {
	f := newFixture(t, false, nil)
	alice := f.dial(t, "")
	alice.join("lobby", "", "alice")
	require.Equal(t, []string{"lobby"}, f.b.Rooms())

	alice.send(wire.Leave())
	alice.sync()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, f.clock.BlockUntilContext(ctx, 2)) // sweep ticker and idle timer
	f.clock.Advance(DefaultMessageTTL)
	require.Eventually(t, func() bool { return len(f.b.Rooms()) == 0 }, 2*time.Second, 5*time.Millisecond)

	// Joining again starts a fresh room.
	joined := alice.join("lobby", "", "alice")
	assert.Len(t, joined.Messages, 1)
}

func TestBroker_ProtocolErrors(t *testing.T) {
	f := newFixture(t, false, nil)
	p := f.dial(t, "")

	p.send(wire.Chat("hello?"))
	p.expectError(errNotJoined)

	p.send(wire.Join("lobby", "", "  "))
	p.expectError(errJoinRequired)

	p.send(wire.Join("", "", "alice"))
	p.expectError(errJoinRequired)

	require.NoError(t, p.ws.WriteMessage(websocket.TextMessage, []byte("nope")))
	p.expectError(errBadFrame)

	p.join("lobby", "", "alice")
	p.send(wire.Frame{Type: wire.KindJoined})
	p.expectError(errBadFrame)
}

func TestBroker_DirectoryAdmission(t *testing.T) {
	f := newFixture(t, true, nil)
	ctx := context.Background()
	now := f.clock.Now()
	hash, err := auth.HashCode("123456")
	require.NoError(t, err)
	for _, r := range []directory.Room{
		{ID: "open", Name: "Open", Visibility: directory.Public, MaxPeople: 1, EndsAt: now.Add(time.Hour)},
		{ID: "secret", Name: "Secret", Visibility: directory.Private, CodeHash: hash, EndsAt: now.Add(time.Hour)},
		{ID: "over", Name: "Over", Visibility: directory.Public, EndsAt: now.Add(-time.Minute)},
	} {
		require.NoError(t, f.dir.Create(ctx, r))
	}

	p := f.dial(t, "")
	p.send(wire.Join("nowhere", "", "alice"))
	p.expectError(errRoomNotFound)
	p.send(wire.Join("over", "", "alice"))
	p.expectError(errRoomEnded)
	p.send(wire.Join("secret", "000000", "alice"))
	p.expectError(errInvalidCode)
	p.send(wire.Join("secret", "", "alice"))
	p.expectError(errInvalidCode)
	p.join("secret", "123456", "alice")

	p.join("open", "", "alice")
	require.Eventually(t, func() bool {
		r, err := f.dir.Get(ctx, "open")
		return err == nil && r.CurrentPeople == 1
	}, 2*time.Second, 5*time.Millisecond)

	bob := f.dial(t, "")
	bob.send(wire.Join("open", "", "bob"))
	bob.expectError(errRoomFull)

	// Another tab of someone already inside does not count.
	tab := f.dial(t, "")
	tab.join("open", "", "alice")
}

func TestBroker_TokenIdentityWins(t *testing.T) {
	f := newFixture(t, false, nil)
	token, err := f.tokens.Issue("carol")
	require.NoError(t, err)

	p := f.dial(t, token)
	joined := p.join("lobby", "", "mallory")
	assert.Equal(t, []string{"carol"}, joined.Users)

	_, resp, err := websocket.DefaultDialer.Dial(f.wsURL("forged"), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestBroker_CloseDisconnects(t *testing.T) {
	f := newFixture(t, false, nil)
	p := f.dial(t, "")
	p.join("lobby", "", "alice")

	f.b.Close()
	require.NoError(t, p.ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := p.ws.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "got %v", err)
	assert.Empty(t, f.b.Rooms())
}

func TestSanitize(t *testing.T) {
	long := strings.Repeat("é", 250)
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"plain", "hello", "hello"},
		{"trims", "  hi  ", "hi"},
		{"control characters", "a\x00b\x1bc", "abc"},
		{"keeps newlines", "line one\nline two", "line one\nline two"},
		{"markup untouched", "<b>bold</b>", "<b>bold</b>"},
		{"clamps runes", long, strings.Repeat("é", maxTextLength)},
		{"blank", " \t\r ", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, sanitize(tt.in))
		})
	}
}
