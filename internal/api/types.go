package api

import (
	"encoding/json"
	"time"

	"github.com/matheus3301/chatsync/internal/index"
	"github.com/matheus3301/chatsync/internal/outbox"
	"github.com/matheus3301/chatsync/internal/status"
	"github.com/matheus3301/chatsync/internal/store"
)

type ListChatsRequest struct {
	Type  store.ChatType `json:"type,omitempty"`
	Query string         `json:"q,omitempty"`
	Page  int            `json:"page,omitempty"`
}

type ListChatsResponse struct {
	Page store.ChatPage `json:"page"`
}

type GetChatRequest struct {
	ChatID string `json:"chatId"`
}

type GetChatResponse struct {
	Chat store.Chat `json:"chat"`
}

// ListMessagesRequest serves both ListMessages and LoadOlder.
type ListMessagesRequest struct {
	ChatID string `json:"chatId"`
}

type ListMessagesResponse struct {
	Messages store.MessageList `json:"messages"`
}

// Action requests that set Wait block until the action is confirmed or
// failed, or until the call's deadline.

type SendRequest struct {
	ChatID  string            `json:"chatId"`
	Content string            `json:"content"`
	Type    store.MessageType `json:"type,omitempty"`
	ReplyTo string            `json:"replyTo,omitempty"`
	Wait    bool              `json:"wait,omitempty"`
}

type EditRequest struct {
	ChatID    string `json:"chatId"`
	MessageID string `json:"messageId"`
	Content   string `json:"content"`
	Wait      bool   `json:"wait,omitempty"`
}

type DeleteRequest struct {
	ChatID    string `json:"chatId"`
	MessageID string `json:"messageId"`
	Wait      bool   `json:"wait,omitempty"`
}

type ReactRequest struct {
	ChatID    string `json:"chatId"`
	MessageID string `json:"messageId"`
	Emoji     string `json:"emoji"`
	Add       bool   `json:"add"`
	Wait      bool   `json:"wait,omitempty"`
}

type MarkReadRequest struct {
	ChatID string `json:"chatId"`
	Wait   bool   `json:"wait,omitempty"`
}

type CreateChatRequest struct {
	Type         store.ChatType `json:"type,omitempty"`
	Title        string         `json:"title,omitempty"`
	Participants []string       `json:"participants"`
	Wait         bool           `json:"wait,omitempty"`
}

// ActionRequest addresses a tracked action by correlation id.
type ActionRequest struct {
	CorrelationID string `json:"clientId"`
	Wait          bool   `json:"wait,omitempty"`
}

type ActionResponse struct {
	Action outbox.Notice `json:"action"`
}

type DiscardResponse struct{}

type SetActiveRequest struct {
	ChatID string `json:"chatId"`
}

type SetActiveResponse struct {
	ChatID string            `json:"chatId"`
	Typing map[string]string `json:"typing"`
}

type SetTypingRequest struct {
	ChatID string `json:"chatId"`
	Typing bool   `json:"typing"`
}

type SetTypingResponse struct{}

type SearchRequest struct {
	Query  string `json:"query"`
	ChatID string `json:"chatId,omitempty"`
	Limit  int    `json:"limit,omitempty"`
}

type SearchResponse struct {
	Hits []index.Hit `json:"hits"`
}

type StatusRequest struct{}

type StatusResponse struct {
	Session      string          `json:"session"`
	SelfID       string          `json:"selfId"`
	Link         status.State    `json:"link"`
	ActiveChat   string          `json:"activeChat,omitempty"`
	UptimeMs     int64           `json:"uptimeMs"`
	CachedChats  int             `json:"cachedChats"`
	CachedLists  int             `json:"cachedLists"`
	CachedThread int             `json:"cachedThreads"`
	Actions      []outbox.Notice `json:"actions"`
}

// WatchRequest selects the bus events to stream. Prefixes match event kinds
// by prefix. Keys name cache keys (as in "messages/c1") whose changes are
// streamed; a key watched this way is kept cached while the stream is open.
// An empty request streams cache, outbox, room and link events.
type WatchRequest struct {
	Prefixes []string `json:"prefixes,omitempty"`
	Keys     []string `json:"keys,omitempty"`
}

// WatchEvent is one streamed bus event. Cache notifications carry the
// changed key; other events carry their payload.
type WatchEvent struct {
	Kind      string          `json:"kind"`
	Timestamp time.Time       `json:"timestamp"`
	Key       string          `json:"key,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}
