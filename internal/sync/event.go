package sync

import (
	"encoding/json"
	"time"

	"github.com/matheus3301/chatsync/internal/store"
)

// EventType names a push event.
type EventType string

const (
	MessageCreated  EventType = "message.created"
	MessageEdited   EventType = "message.edited"
	MessageDeleted  EventType = "message.deleted"
	MessageReaction EventType = "message.reaction"
	ChatRead        EventType = "chat.read"
	ChatUnread      EventType = "chat.unread"
	UserStatus      EventType = "user.status"
	TypingStart     EventType = "typing.start"
	TypingStop      EventType = "typing.stop"
)

// Event is the envelope pushed by the event stream. Timestamp is the server
// time of the change and orders competing writes.
type Event struct {
	Type      EventType       `json:"type"`
	ChatID    string          `json:"chatId,omitempty"`
	IDs       []string        `json:"ids,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// NewEvent builds an envelope with payload encoded as JSON.
func NewEvent(typ EventType, chatID string, at time.Time, payload any) (Event, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Event{}, err
	}
	return Event{Type: typ, ChatID: chatID, Payload: raw, Timestamp: at}, nil
}

// EditPayload is the body of message.edited.
type EditPayload struct {
	MessageID string    `json:"messageId"`
	Content   string    `json:"content"`
	EditedAt  time.Time `json:"editedAt,omitzero"`
}

// MessageRef is the body of message.deleted.
type MessageRef struct {
	MessageID string `json:"messageId"`
}

// ReactionPayload is the body of message.reaction. A nil Reaction removes
// the emoji from the message.
type ReactionPayload struct {
	MessageID string          `json:"messageId"`
	Emoji     string          `json:"emoji"`
	Reaction  *store.Reaction `json:"reaction"`
}

// ReadPayload is the body of chat.read. MessageID is the newest message the
// reader has seen; empty means all of them.
type ReadPayload struct {
	UserID      string `json:"userId"`
	MessageID   string `json:"messageId,omitempty"`
	UnreadCount *int   `json:"unreadCount,omitempty"`
}

// UnreadPayload is the body of chat.unread.
type UnreadPayload struct {
	UnreadCount int `json:"unreadCount"`
}

// StatusPayload is the body of user.status.
type StatusPayload struct {
	UserID   string    `json:"userId"`
	Online   bool      `json:"online"`
	LastSeen time.Time `json:"lastSeen,omitzero"`
}

// TypingPayload is the body of typing.start and typing.stop.
type TypingPayload struct {
	UserID string `json:"userId"`
	Name   string `json:"name,omitempty"`
}
