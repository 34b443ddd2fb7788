package wire

import (
	"encoding/json"
	"errors"
)

// Event is a decoded server frame. The set of implementations is closed;
// consumers switch over the concrete type.
type Event interface {
	kind() Kind
}

// Joined is the initial snapshot after a successful join.
type Joined struct {
	Messages []Message
	Users    []string
}

// Posted is a new chat message or system notice.
type Posted struct {
	Message Message
}

// UserUpdate replaces the presence snapshot.
type UserUpdate struct {
	Users []string
}

// TypingStarted reports that Username is composing.
type TypingStarted struct {
	Username string
}

// ReactionUpdate replaces the reaction map of one message.
type ReactionUpdate struct {
	MessageID string
	Reactions Reactions
}

// MessagesExpired lists messages the server no longer retains.
type MessagesExpired struct {
	IDs []string
}

// ServerError is a non-fatal application error.
type ServerError struct {
	Message string
}

// Pong answers a ping.
type Pong struct{}

func (Joined) kind() Kind          { return KindJoined }
func (e Posted) kind() Kind        { return e.Message.Type }
func (UserUpdate) kind() Kind      { return KindUserUpdate }
func (TypingStarted) kind() Kind   { return KindTyping }
func (ReactionUpdate) kind() Kind  { return KindReactionUpdate }
func (MessagesExpired) kind() Kind { return KindMessagesExpired }
func (ServerError) kind() Kind     { return KindError }
func (Pong) kind() Kind            { return KindPong }

var errUnknownEvent = errors.New("wire: unknown event")

// Decode parses a server frame. It reports false for anything malformed or of
// an unknown kind; such frames are meant to be dropped.
func Decode(data []byte) (Event, bool) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, false
	}
	return f.Event()
}

// Event converts a server frame into its typed form.
func (f Frame) Event() (Event, bool) {
	switch f.Type {
	case KindJoined:
		return Joined{Messages: f.Messages, Users: f.Users}, true
	case KindMessage, KindSystem:
		return Posted{Message: f.message()}, true
	case KindUserUpdate:
		return UserUpdate{Users: f.Users}, true
	case KindTyping:
		if f.Username == "" {
			return nil, false
		}
		return TypingStarted{Username: f.Username}, true
	case KindReactionUpdate:
		if f.MessageID == "" {
			return nil, false
		}
		return ReactionUpdate{MessageID: f.MessageID, Reactions: f.Reactions}, true
	case KindMessagesExpired:
		if f.IDs == nil {
			return nil, false
		}
		return MessagesExpired{IDs: f.IDs}, true
	case KindError:
		return ServerError{Message: f.Error}, true
	case KindPong:
		return Pong{}, true
	}
	return nil, false
}

func (f Frame) message() Message {
	return Message{
		Type:      f.Type,
		ID:        f.ID,
		Username:  f.Username,
		Text:      f.Text,
		Timestamp: f.Timestamp,
		Reactions: f.Reactions,
	}
}

// EncodeEvent is the server side of Decode.
func EncodeEvent(e Event) ([]byte, error) {
	f := Frame{Type: e.kind()}
	switch e := e.(type) {
	case Joined:
		f.Messages = e.Messages
		f.Users = e.Users
	case Posted:
		m := e.Message
		f.ID, f.Username, f.Text, f.Timestamp, f.Reactions = m.ID, m.Username, m.Text, m.Timestamp, m.Reactions
	case UserUpdate:
		f.Users = e.Users
	case TypingStarted:
		f.Username = e.Username
	case ReactionUpdate:
		f.MessageID = e.MessageID
		f.Reactions = e.Reactions
	case MessagesExpired:
		f.IDs = e.IDs
	case ServerError:
		f.Error = e.Message
	case Pong:
	default:
		return nil, errUnknownEvent
	}
	return json.Marshal(f)
}

// Encode serializes an outbound frame.
func Encode(f Frame) ([]byte, error) {
	return json.Marshal(f)
}

// DecodeFrame parses a client frame for the broker. Frames without a type are
// rejected.
func DecodeFrame(data []byte) (Frame, bool) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil || f.Type == "" {
		return Frame{}, false
	}
	return f, true
}
