package wire

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecode_ServerFrames(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want Event
	}{
		{
			name: "joined",
			in:   `{"type":"joined","messages":[{"type":"message","id":"m1","username":"bob","text":"hi","timestamp":1000}],"users":["bob","alice"]}`,
			want: Joined{
				Messages: []Message{{Type: KindMessage, ID: "m1", Username: "bob", Text: "hi", Timestamp: 1000}},
				Users:    []string{"bob", "alice"},
			},
		},
		{
			name: "message with reactions",
			in:   `{"type":"message","id":"m2","username":"bob","text":"yo","timestamp":5,"reactions":{"👍":["alice"]}}`,
			want: Posted{Message: Message{Type: KindMessage, ID: "m2", Username: "bob", Text: "yo", Timestamp: 5, Reactions: Reactions{"👍": {"alice"}}}},
		},
		{
			name: "system notice without id",
			in:   `{"type":"system","text":"bob joined the room","timestamp":7}`,
			want: Posted{Message: Message{Type: KindSystem, Text: "bob joined the room", Timestamp: 7}},
		},
		{
			name: "user update",
			in:   `{"type":"user-update","users":["alice"]}`,
			want: UserUpdate{Users: []string{"alice"}},
		},
		{
			name: "typing",
			in:   `{"type":"typing","username":"bob"}`,
			want: TypingStarted{Username: "bob"},
		},
		{
			name: "reaction update",
			in:   `{"type":"reaction-update","messageId":"m1","reactions":{"🔥":["a","b"]}}`,
			want: ReactionUpdate{MessageID: "m1", Reactions: Reactions{"🔥": {"a", "b"}}},
		},
		{
			name: "messages expired",
			in:   `{"type":"messages-expired","ids":["m1","m2"]}`,
			want: MessagesExpired{IDs: []string{"m1", "m2"}},
		},
		{
			name: "error",
			in:   `{"type":"error","message":"room is full"}`,
			want: ServerError{Message: "room is full"},
		},
		{
			name: "pong",
			in:   `{"type":"pong"}`,
			want: Pong{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := Decode([]byte(tt.in))
			require.True(t, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDecode_DropsMalformed(t *testing.T) {
	for _, in := range []string{
		``,
		`not json`,
		`{"type":`,
		`{"type":"teleport"}`,
		`{"text":"no type"}`,
		`{"type":"typing"}`,
		`{"type":"reaction-update","reactions":{}}`,
		`{"type":"messages-expired"}`,
		`{"type":"joined","users":"alice"}`,
	} {
		_, ok := Decode([]byte(in))
		assert.False(t, ok, in)
	}
}

func TestEncodeEvent_DecodesBack(t *testing.T) {
	events := []Event{
		Joined{Messages: []Message{{Type: KindSystem, Text: "x", Timestamp: 1}}, Users: []string{"a"}},
		Posted{Message: Message{Type: KindMessage, ID: "m", Username: "a", Text: "t", Timestamp: 2}},
		ReactionUpdate{MessageID: "m", Reactions: Reactions{"👍": {"a"}}},
		MessagesExpired{IDs: []string{"m"}},
		ServerError{Message: "nope"},
	}
	for _, e := range events {
		data, err := EncodeEvent(e)
		require.NoError(t, err)
		got, ok := Decode(data)
		require.True(t, ok, string(data))
		assert.Equal(t, e, got)
	}
}

func TestOutboundFrames(t *testing.T) {
	tests := []struct {
		frame Frame
		want  string
	}{
		{Join("r1", "123456", "alice"), `{"type":"join","roomId":"r1","roomCode":"123456","username":"alice"}`},
		{Join("r1", "", "alice"), `{"type":"join","roomId":"r1","username":"alice"}`},
		{Chat("hello"), `{"type":"message","text":"hello"}`},
		{Typing(), `{"type":"typing"}`},
		{React("m1", "👍"), `{"type":"react","messageId":"m1","emoji":"👍"}`},
		{Leave(), `{"type":"leave"}`},
		{Ping(), `{"type":"ping"}`},
	}
	for _, tt := range tests {
		data, err := Encode(tt.frame)
		require.NoError(t, err)
		assert.JSONEq(t, tt.want, string(data))
	}
}

func TestDecodeFrame(t *testing.T) {
	f, ok := DecodeFrame([]byte(`{"type":"react","messageId":"m1","emoji":"👍"}`))
	require.True(t, ok)
	assert.Equal(t, React("m1", "👍"), f)

	_, ok = DecodeFrame([]byte(`{"text":"x"}`))
	assert.False(t, ok)
}

func TestReactionsClone(t *testing.T) {
	orig := Reactions{"👍": {"a"}}
	c := orig.Clone()
	c["👍"][0] = "b"
	c["🔥"] = []string{"c"}
	assert.Equal(t, Reactions{"👍": {"a"}}, orig)
	assert.Nil(t, Reactions(nil).Clone())

	raw, err := json.Marshal(Message{Type: KindMessage, Text: "", Timestamp: 0})
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"message","text":"","timestamp":0}`, string(raw))
}
