package fetch

import (
	"context"

	"github.com/matheus3301/chatsync/internal/store"
)

// Client is the request/response side of the backend used for reads.
type Client interface {
	ListChats(ctx context.Context, f store.ChatFilter, page, limit int) (store.ChatPage, error)
	GetChat(ctx context.Context, id string) (store.Chat, error)
	ListMessages(ctx context.Context, chatID string, page, limit int, before string) ([]store.Message, error)
}

// NewMessage is the body of a send request.
type NewMessage struct {
	ClientID string            `json:"clientId"`
	Content  string            `json:"content"`
	Type     store.MessageType `json:"type"`
	ReplyTo  string            `json:"replyTo,omitempty"`
}

// NewChat is the body of a create-chat request.
type NewChat struct {
	ClientID     string         `json:"clientId"`
	Type         store.ChatType `json:"type"`
	Title        string         `json:"title,omitempty"`
	Participants []string       `json:"participants"`
}
