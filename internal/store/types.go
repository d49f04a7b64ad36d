package store

import (
	"maps"
	"slices"
	"strings"
	"time"
)

// ChatType distinguishes one-to-one chats from group chats.
type ChatType string

const (
	Direct ChatType = "direct"
	Group  ChatType = "group"
)

// MessageType is the kind of content a message carries.
type MessageType string

const (
	TextMessage   MessageType = "text"
	ImageMessage  MessageType = "image"
	FileMessage   MessageType = "file"
	SystemMessage MessageType = "system"
)

// Status is the confirmation state of a cached entity.
type Status string

const (
	Sent    Status = "sent"
	Pending Status = "pending"
	Failed  Status = "failed"
)

// Participant is a chat member with presence.
type Participant struct {
	UserID   string    `json:"userId"`
	Name     string    `json:"name,omitempty"`
	Online   bool      `json:"online"`
	LastSeen time.Time `json:"lastSeen,omitzero"`
	// StatusAt is the timestamp of the presence event last applied.
	StatusAt time.Time `json:"statusAt,omitzero"`
}

// LastMessage is the preview a chat keeps of its newest message.
type LastMessage struct {
	MessageID string      `json:"messageId,omitempty"`
	Content   string      `json:"content"`
	SenderID  string      `json:"senderId"`
	Timestamp time.Time   `json:"timestamp"`
	Type      MessageType `json:"type"`
}

// Chat is a conversation as it appears in chat lists and in the chat detail.
type Chat struct {
	ID           string        `json:"id"`
	Type         ChatType      `json:"type"`
	Title        string        `json:"title,omitempty"`
	Participants []Participant `json:"participants"`
	LastMessage  *LastMessage  `json:"lastMessage,omitempty"`
	UnreadCount  int           `json:"unreadCount"`
	UpdatedAt    time.Time     `json:"updatedAt"`

	// UnreadAt is the time of the last authoritative unread value. Messages
	// created at or before it are already accounted for in UnreadCount.
	UnreadAt time.Time `json:"unreadAt,omitzero"`

	// Status is Pending or Failed while an optimistic create is unconfirmed.
	Status Status `json:"status,omitempty"`
	// ReadState is Pending or Failed while an optimistic mark-read is unconfirmed.
	ReadState     Status `json:"readState,omitempty"`
	CorrelationID string `json:"clientId,omitempty"`

	Rev uint64 `json:"-"`
}

// SortTime is the timestamp chat lists are ordered by.
func (c *Chat) SortTime() time.Time {
	if c.LastMessage != nil && c.LastMessage.Timestamp.After(c.UpdatedAt) {
		return c.LastMessage.Timestamp
	}
	return c.UpdatedAt
}

// Participant returns the member with the given user id.
func (c *Chat) Participant(userID string) (*Participant, bool) {
	for i := range c.Participants {
		if c.Participants[i].UserID == userID {
			return &c.Participants[i], true
		}
	}
	return nil, false
}

func (c *Chat) unsettled() bool {
	return (c.Status != "" && c.Status != Sent) || c.ReadState != ""
}

func (c *Chat) sortKey() string {
	if c.ID != "" {
		return c.ID
	}
	return "~" + c.CorrelationID
}

// Clone returns a deep copy.
func (c *Chat) Clone() Value {
	cp := *c
	cp.Participants = slices.Clone(c.Participants)
	if c.LastMessage != nil {
		lm := *c.LastMessage
		cp.LastMessage = &lm
	}
	return &cp
}

// ReplyRef points at the message a reply quotes.
type ReplyRef struct {
	MessageID string `json:"messageId"`
	Content   string `json:"content,omitempty"`
	SenderID  string `json:"senderId,omitempty"`
}

// Reaction aggregates the users who reacted with one emoji.
type Reaction struct {
	Emoji string   `json:"emoji"`
	Count int      `json:"count"`
	Users []string `json:"users,omitempty"`
}

// ReadReceipt records that a user has read a message.
type ReadReceipt struct {
	UserID string    `json:"userId"`
	ReadAt time.Time `json:"readAt"`
}

// Message is a chat message. Optimistic messages have an empty ID and are
// identified by CorrelationID until the server confirms them.
type Message struct {
	ID            string        `json:"id,omitempty"`
	CorrelationID string        `json:"clientId,omitempty"`
	ChatID        string        `json:"chatId"`
	SenderID      string        `json:"senderId"`
	Content       string        `json:"content"`
	Type          MessageType   `json:"type"`
	ReplyTo       *ReplyRef     `json:"replyTo,omitempty"`
	Reactions     []Reaction    `json:"reactions,omitempty"`
	Edited        bool          `json:"edited,omitempty"`
	EditedAt      time.Time     `json:"editedAt,omitzero"`
	Deleted       bool          `json:"deleted,omitempty"`
	DeletedAt     time.Time     `json:"deletedAt,omitzero"`
	ReadBy        []ReadReceipt `json:"readBy,omitempty"`
	CreatedAt     time.Time     `json:"createdAt"`
	Status        Status        `json:"status,omitempty"`

	// ReactionClock holds, per emoji, the timestamp of the last reaction event
	// applied. Entries outlive the reaction itself so a stale add cannot
	// resurrect a removed emoji.
	ReactionClock map[string]time.Time `json:"-"`

	Rev uint64 `json:"-"`
}

// Key returns the identity used for ordering and lookup.
func (m *Message) Key() string {
	if m.ID != "" {
		return m.ID
	}
	return "~" + m.CorrelationID
}

// Reaction returns the aggregate for emoji.
func (m *Message) Reaction(emoji string) (*Reaction, bool) {
	for i := range m.Reactions {
		if m.Reactions[i].Emoji == emoji {
			return &m.Reactions[i], true
		}
	}
	return nil, false
}

// SetReaction replaces the aggregate for r.Emoji, appending it when absent.
func (m *Message) SetReaction(r Reaction) {
	if cur, ok := m.Reaction(r.Emoji); ok {
		*cur = r
		return
	}
	m.Reactions = append(m.Reactions, r)
}

// RemoveReaction drops the aggregate for emoji.
func (m *Message) RemoveReaction(emoji string) {
	m.Reactions = slices.DeleteFunc(m.Reactions, func(r Reaction) bool { return r.Emoji == emoji })
}

// ReadByUser reports whether userID has a receipt on the message.
func (m *Message) ReadByUser(userID string) bool {
	return slices.ContainsFunc(m.ReadBy, func(r ReadReceipt) bool { return r.UserID == userID })
}

// CloneMessage returns a deep copy of m.
func CloneMessage(m Message) Message {
	if m.ReplyTo != nil {
		r := *m.ReplyTo
		m.ReplyTo = &r
	}
	if m.Reactions != nil {
		rs := make([]Reaction, len(m.Reactions))
		for i, r := range m.Reactions {
			r.Users = slices.Clone(r.Users)
			rs[i] = r
		}
		m.Reactions = rs
	}
	m.ReadBy = slices.Clone(m.ReadBy)
	m.ReactionClock = maps.Clone(m.ReactionClock)
	return m
}

func messageLess(a, b *Message) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.Key() < b.Key()
}

// ChatFilter selects the chats of a chat-list query.
type ChatFilter struct {
	Type  ChatType `json:"type,omitempty"`
	Query string   `json:"q,omitempty"`
}

// Admits reports whether c belongs to the filtered list.
func (f ChatFilter) Admits(c *Chat) bool {
	if f.Type != "" && c.Type != f.Type {
		return false
	}
	if f.Query == "" {
		return true
	}
	q := strings.ToLower(f.Query)
	if strings.Contains(strings.ToLower(c.Title), q) {
		return true
	}
	for _, p := range c.Participants {
		if strings.Contains(strings.ToLower(p.Name), q) {
			return true
		}
	}
	return false
}

// Pagination describes one page of a chat-list query.
type Pagination struct {
	Page    int  `json:"page"`
	Limit   int  `json:"limit"`
	Total   int  `json:"total"`
	HasMore bool `json:"hasMore"`
}

// ChatPage is the cached result of one chat-list query page.
type ChatPage struct {
	Chats      []Chat     `json:"chats"`
	Pagination Pagination `json:"pagination"`
}

// Index returns the position of the chat with the given id, or -1.
func (p *ChatPage) Index(id string) int {
	return slices.IndexFunc(p.Chats, func(c Chat) bool { return c.ID == id })
}

// IndexByCorrelation returns the position of the optimistic chat, or -1.
func (p *ChatPage) IndexByCorrelation(corr string) int {
	if corr == "" {
		return -1
	}
	return slices.IndexFunc(p.Chats, func(c Chat) bool { return c.CorrelationID == corr })
}

// Sort orders chats by SortTime descending, ties by id.
func (p *ChatPage) Sort() {
	slices.SortStableFunc(p.Chats, func(a, b Chat) int {
		if c := b.SortTime().Compare(a.SortTime()); c != 0 {
			return c
		}
		return strings.Compare(a.sortKey(), b.sortKey())
	})
}

// Clone returns a deep copy.
func (p *ChatPage) Clone() Value {
	cp := &ChatPage{Pagination: p.Pagination, Chats: make([]Chat, len(p.Chats))}
	for i := range p.Chats {
		cp.Chats[i] = *p.Chats[i].Clone().(*Chat)
	}
	return cp
}

// MessageList is the cached union of the loaded message pages of one chat.
type MessageList struct {
	Messages []Message `json:"messages"`
	// HasMore reports whether older pages exist beyond OldestID.
	HasMore  bool   `json:"hasMore"`
	OldestID string `json:"oldestId,omitempty"`
}

// IndexByID returns the position of the message with the given server id, or -1.
func (l *MessageList) IndexByID(id string) int {
	if id == "" {
		return -1
	}
	return slices.IndexFunc(l.Messages, func(m Message) bool { return m.ID == id })
}

// IndexByCorrelation returns the position of the message carrying corr, or -1.
func (l *MessageList) IndexByCorrelation(corr string) int {
	if corr == "" {
		return -1
	}
	return slices.IndexFunc(l.Messages, func(m Message) bool { return m.CorrelationID == corr })
}

// Insert places m at its ordered position.
func (l *MessageList) Insert(m Message) {
	i, _ := slices.BinarySearchFunc(l.Messages, &m, func(e Message, t *Message) int {
		if messageLess(&e, t) {
			return -1
		}
		if messageLess(t, &e) {
			return 1
		}
		return 0
	})
	l.Messages = slices.Insert(l.Messages, i, m)
	l.refreshOldest()
}

// Remove deletes the message at i.
func (l *MessageList) Remove(i int) {
	l.Messages = slices.Delete(l.Messages, i, i+1)
	l.refreshOldest()
}

// Replace swaps the message at i for m and restores ordering.
func (l *MessageList) Replace(i int, m Message) {
	l.Messages = slices.Delete(l.Messages, i, i+1)
	l.Insert(m)
}

func (l *MessageList) refreshOldest() {
	for _, m := range l.Messages {
		if m.ID != "" {
			l.OldestID = m.ID
			return
		}
	}
}

// Clone returns a deep copy.
func (l *MessageList) Clone() Value {
	cp := &MessageList{HasMore: l.HasMore, OldestID: l.OldestID, Messages: make([]Message, len(l.Messages))}
	for i, m := range l.Messages {
		cp.Messages[i] = CloneMessage(m)
	}
	return cp
}

// TypingSet maps user ids to display names for the users typing in a chat.
type TypingSet struct {
	ChatID string            `json:"chatId"`
	Users  map[string]string `json:"users"`
}

// Clone returns a deep copy.
func (t *TypingSet) Clone() Value {
	return &TypingSet{ChatID: t.ChatID, Users: maps.Clone(t.Users)}
}
