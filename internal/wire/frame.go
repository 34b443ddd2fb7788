// Package wire is the JSON frame vocabulary spoken between a chat session and
// the room broker.
package wire

import "time"

// Kind is the value of a frame's "type" field.
type Kind string

// Client -> server.
const (
	KindJoin  Kind = "join"
	KindReact Kind = "react"
	KindLeave Kind = "leave"
	KindPing  Kind = "ping"
)

// Both directions.
const (
	KindMessage Kind = "message"
	KindTyping  Kind = "typing"
)

// Server -> client.
const (
	KindJoined          Kind = "joined"
	KindSystem          Kind = "system"
	KindUserUpdate      Kind = "user-update"
	KindReactionUpdate  Kind = "reaction-update"
	KindMessagesExpired Kind = "messages-expired"
	KindError           Kind = "error"
	KindPong            Kind = "pong"
)

// Reactions maps an emoji to the users who reacted with it.
type Reactions map[string][]string

// Clone returns a deep copy.
func (r Reactions) Clone() Reactions {
	if r == nil {
		return nil
	}
	out := make(Reactions, len(r))
	for emoji, users := range r {
		out[emoji] = append([]string(nil), users...)
	}
	return out
}

// Message is a chat or system entry as it travels on the wire. Timestamp is
// unix milliseconds.
type Message struct {
	Type      Kind      `json:"type"`
	ID        string    `json:"id,omitempty"`
	Username  string    `json:"username,omitempty"`
	Text      string    `json:"text"`
	Timestamp int64     `json:"timestamp"`
	Reactions Reactions `json:"reactions,omitempty"`
}

// Time converts the millisecond timestamp.
func (m Message) Time() time.Time {
	return time.UnixMilli(m.Timestamp)
}

// Frame is the flat shape of every frame in either direction. Only the fields
// relevant to Type are set.
type Frame struct {
	Type Kind `json:"type"`

	// join
	RoomID   string `json:"roomId,omitempty"`
	RoomCode string `json:"roomCode,omitempty"`

	// message, system, typing
	ID        string    `json:"id,omitempty"`
	Username  string    `json:"username,omitempty"`
	Text      string    `json:"text,omitempty"`
	Timestamp int64     `json:"timestamp,omitempty"`
	Reactions Reactions `json:"reactions,omitempty"`

	// react, reaction-update
	MessageID string `json:"messageId,omitempty"`
	Emoji     string `json:"emoji,omitempty"`

	// joined, user-update, messages-expired
	Messages []Message `json:"messages,omitempty"`
	Users    []string  `json:"users,omitempty"`
	IDs      []string  `json:"ids,omitempty"`

	// error
	Error string `json:"message,omitempty"`
}

// Join registers the participant in a room. roomCode may be empty.
func Join(roomID, roomCode, username string) Frame {
	return Frame{Type: KindJoin, RoomID: roomID, RoomCode: roomCode, Username: username}
}

// Chat broadcasts text to the room.
func Chat(text string) Frame {
	return Frame{Type: KindMessage, Text: text}
}

// Typing signals that the sender is composing.
func Typing() Frame {
	return Frame{Type: KindTyping}
}

// React toggles emoji on a message.
func React(messageID, emoji string) Frame {
	return Frame{Type: KindReact, MessageID: messageID, Emoji: emoji}
}

// Leave announces a graceful departure.
func Leave() Frame {
	return Frame{Type: KindLeave}
}

// Ping is the keep-alive.
func Ping() Frame {
	return Frame{Type: KindPing}
}
