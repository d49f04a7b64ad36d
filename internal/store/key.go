package store

import (
	"fmt"
	"net/url"
)

// Kind is the family a cache key belongs to.
type Kind uint8

const (
	KindChatList Kind = iota + 1
	KindChat
	KindMessages
	KindTyping
)

// Key addresses one cached value. Keys are comparable and safe to use as map keys.
type Key struct {
	Kind   Kind
	ID     string
	Filter ChatFilter
	Page   int
}

// ChatListKey addresses one page of a chat-list query.
func ChatListKey(f ChatFilter, page int) Key {
	if page < 1 {
		page = 1
	}
	return Key{Kind: KindChatList, Filter: f, Page: page}
}

// ChatKey addresses the detail of one chat.
func ChatKey(id string) Key { return Key{Kind: KindChat, ID: id} }

// MessagesKey addresses the message list of one chat.
func MessagesKey(chatID string) Key { return Key{Kind: KindMessages, ID: chatID} }

// TypingKey addresses the typing set of one chat.
func TypingKey(chatID string) Key { return Key{Kind: KindTyping, ID: chatID} }

func (k Kind) name() string {
	switch k {
	case KindChatList:
		return "chats"
	case KindChat:
		return "chat"
	case KindMessages:
		return "messages"
	case KindTyping:
		return "typing"
	}
	return fmt.Sprintf("unknown%d", uint8(k))
}

// Topic is the prefix shared by the change notifications of every key of
// this kind, e.g. "cache.messages/".
func (k Kind) Topic() string { return TopicPrefix + k.name() + "/" }

// String renders the key as a slash path, e.g. "messages/c1".
func (k Key) String() string {
	if k.Kind != KindChatList {
		return k.Kind.name() + "/" + k.ID
	}
	v := url.Values{}
	if k.Filter.Type != "" {
		v.Set("type", string(k.Filter.Type))
	}
	if k.Filter.Query != "" {
		v.Set("q", k.Filter.Query)
	}
	v.Set("page", fmt.Sprint(k.Page))
	return "chats/" + v.Encode()
}

// Topic is the bus event kind published when the key changes.
func (k Key) Topic() string { return TopicPrefix + k.String() }

// TopicPrefix prefixes every cache change notification on the bus.
const TopicPrefix = "cache."
