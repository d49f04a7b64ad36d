package outbox

import (
	"context"
	"errors"
	"slices"
	"time"

	"github.com/matheus3301/chatsync/internal/fetch"
	"github.com/matheus3301/chatsync/internal/store"
	intsync "github.com/matheus3301/chatsync/internal/sync"
)

// op is the kind-specific half of an action: how it changes the cache
// optimistically, which mutation it issues, and how the canonical result or
// a failure folds back in.
type op interface {
	// apply writes the provisional entity.
	apply(tx *store.Txn) error
	mutate(ctx context.Context, m Mutator) (any, error)
	// confirm replaces the provisional state with the canonical result.
	confirm(tx *store.Txn, result any) error
	// mark sets the entity's status for a retry or failure. It reports
	// whether the server echo already confirmed the entity.
	mark(tx *store.Txn, s store.Status) (echoed bool)
	// revert restores the state from before the action.
	revert(tx *store.Txn)
}

// message returns the working copy of a cached message by server id.
func message(tx *store.Txn, chatID, id string) (*store.MessageList, *store.Message) {
	list, ok := tx.Messages(chatID)
	if !ok {
		return nil, nil
	}
	i := list.IndexByID(id)
	if i < 0 {
		return list, nil
	}
	return list, &list.Messages[i]
}

func putMessage(tx *store.Txn, chatID string, list *store.MessageList, m *store.Message) {
	m.Rev = tx.Rev()
	tx.Put(store.MessagesKey(chatID), list)
}

// markMessage sets the status of a cached message. It is shared by the
// actions that target an existing message; their echoes carry no
// correlation id, so they never count as confirmed.
func markMessage(tx *store.Txn, chatID, id string, s store.Status) bool {
	list, m := message(tx, chatID, id)
	if m != nil && m.Status != s {
		m.Status = s
		putMessage(tx, chatID, list, m)
	}
	return false
}

type sendOp struct {
	chatID string
	in     fetch.NewMessage
	self   string
	at     time.Time
}

func (o *sendOp) apply(tx *store.Txn) error {
	list, ok := tx.Messages(o.chatID)
	if !ok {
		list = &store.MessageList{HasMore: true}
	}
	m := store.Message{
		CorrelationID: o.in.ClientID,
		ChatID:        o.chatID,
		SenderID:      o.self,
		Content:       o.in.Content,
		Type:          o.in.Type,
		CreatedAt:     o.at,
		Status:        store.Pending,
		Rev:           tx.Rev(),
	}
	if o.in.ReplyTo != "" {
		m.ReplyTo = &store.ReplyRef{MessageID: o.in.ReplyTo}
		if i := list.IndexByID(o.in.ReplyTo); i >= 0 {
			m.ReplyTo.Content = list.Messages[i].Content
			m.ReplyTo.SenderID = list.Messages[i].SenderID
		}
	}
	list.Insert(m)
	tx.Put(store.MessagesKey(o.chatID), list)
	return nil
}

func (o *sendOp) mutate(ctx context.Context, m Mutator) (any, error) {
	return m.SendMessage(ctx, o.chatID, o.in)
}

func (o *sendOp) confirm(tx *store.Txn, result any) error {
	m := result.(store.Message)
	if m.ChatID == "" {
		m.ChatID = o.chatID
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = o.at
	}
	if m.Type == "" {
		m.Type = o.in.Type
	}
	m.CorrelationID = o.in.ClientID
	m.Status = store.Sent

	err := intsync.InsertMessage(tx, m)
	switch {
	case errors.Is(err, intsync.ErrDuplicate):
		// The echo arrived first. If it did not carry our correlation id
		// the provisional entry is still there next to it.
		if list, ok := tx.Messages(o.chatID); ok {
			if i := list.IndexByCorrelation(o.in.ClientID); i >= 0 && list.Messages[i].ID == "" {
				list.Remove(i)
				tx.Put(store.MessagesKey(o.chatID), list)
			}
		}
	case err != nil:
		return err
	}
	intsync.BumpLastMessage(tx, m)
	return nil
}

func (o *sendOp) mark(tx *store.Txn, s store.Status) bool {
	list, ok := tx.Messages(o.chatID)
	if !ok {
		return false
	}
	i := list.IndexByCorrelation(o.in.ClientID)
	if i < 0 {
		return false
	}
	m := &list.Messages[i]
	if m.ID != "" {
		return true
	}
	m.Status = s
	putMessage(tx, o.chatID, list, m)
	return false
}

func (o *sendOp) revert(tx *store.Txn) {
	list, ok := tx.Messages(o.chatID)
	if !ok {
		return
	}
	if i := list.IndexByCorrelation(o.in.ClientID); i >= 0 && list.Messages[i].ID == "" {
		list.Remove(i)
		tx.Put(store.MessagesKey(o.chatID), list)
	}
}

type editOp struct {
	chatID, messageID string
	content           string
	at                time.Time
	prev              store.Message
	// latest reports whether this edit is still the newest local edit of
	// the message.
	latest func() bool
}

func (o *editOp) apply(tx *store.Txn) error {
	list, m := message(tx, o.chatID, o.messageID)
	switch {
	case m == nil:
		return ErrNotCached
	case m.Deleted:
		return ErrDeleted
	}
	o.prev = store.CloneMessage(*m)
	m.Content = o.content
	m.Edited = true
	m.EditedAt = o.at
	m.Status = store.Pending
	putMessage(tx, o.chatID, list, m)
	return nil
}

func (o *editOp) mutate(ctx context.Context, m Mutator) (any, error) {
	return m.EditMessage(ctx, o.chatID, o.messageID, o.content)
}

func (o *editOp) confirm(tx *store.Txn, result any) error {
	if !o.latest() {
		return nil
	}
	canon := result.(store.Message)
	list, m := message(tx, o.chatID, o.messageID)
	if m == nil {
		return nil
	}
	if m.EditedAt.Equal(o.at) && !m.Deleted {
		m.Content = canon.Content
		m.Edited = true
		if !canon.EditedAt.IsZero() {
			m.EditedAt = canon.EditedAt
		}
		tx.UpdateChat(o.chatID, func(c *store.Chat) bool {
			if c.LastMessage == nil || c.LastMessage.MessageID != o.messageID || c.LastMessage.Content == canon.Content {
				return false
			}
			c.LastMessage.Content = canon.Content
			return true
		})
	}
	m.Status = store.Sent
	putMessage(tx, o.chatID, list, m)
	return nil
}

func (o *editOp) mark(tx *store.Txn, s store.Status) bool {
	if o.latest() {
		markMessage(tx, o.chatID, o.messageID, s)
	}
	return false
}

func (o *editOp) revert(tx *store.Txn) {
	if !o.latest() {
		return
	}
	list, m := message(tx, o.chatID, o.messageID)
	if m == nil {
		return
	}
	if m.EditedAt.Equal(o.at) {
		m.Content = o.prev.Content
		m.Edited = o.prev.Edited
		m.EditedAt = o.prev.EditedAt
	}
	m.Status = store.Sent
	putMessage(tx, o.chatID, list, m)
}

type deleteOp struct {
	chatID, messageID string
	at                time.Time
}

func (o *deleteOp) apply(tx *store.Txn) error {
	list, m := message(tx, o.chatID, o.messageID)
	if m == nil {
		return ErrNotCached
	}
	if !m.Deleted {
		m.Deleted = true
		m.DeletedAt = o.at
	}
	m.Status = store.Pending
	putMessage(tx, o.chatID, list, m)
	return nil
}

func (o *deleteOp) mutate(ctx context.Context, m Mutator) (any, error) {
	return m.DeleteMessage(ctx, o.chatID, o.messageID)
}

func (o *deleteOp) confirm(tx *store.Txn, _ any) error {
	markMessage(tx, o.chatID, o.messageID, store.Sent)
	return nil
}

func (o *deleteOp) mark(tx *store.Txn, s store.Status) bool {
	return markMessage(tx, o.chatID, o.messageID, s)
}

func (o *deleteOp) revert(tx *store.Txn) {
	list, m := message(tx, o.chatID, o.messageID)
	if m == nil {
		return
	}
	if m.DeletedAt.Equal(o.at) {
		m.Deleted = false
		m.DeletedAt = time.Time{}
	}
	m.Status = store.Sent
	putMessage(tx, o.chatID, list, m)
}

type reactOp struct {
	chatID, messageID string
	emoji             string
	add               bool
	self              string
	prev              *store.Reaction
	now               func() time.Time
}

func (o *reactOp) apply(tx *store.Txn) error {
	list, m := message(tx, o.chatID, o.messageID)
	switch {
	case m == nil:
		return ErrNotCached
	case m.Deleted:
		return ErrDeleted
	}
	r, ok := m.Reaction(o.emoji)
	if ok {
		cp := *r
		cp.Users = slices.Clone(r.Users)
		o.prev = &cp
	}
	next := store.Reaction{Emoji: o.emoji}
	if ok {
		next = *o.prev
		next.Users = slices.Clone(o.prev.Users)
	}
	has := slices.Contains(next.Users, o.self)
	switch {
	case o.add && !has:
		next.Users = append(next.Users, o.self)
		next.Count++
	case !o.add && has:
		next.Users = slices.DeleteFunc(next.Users, func(u string) bool { return u == o.self })
		next.Count--
	}
	if next.Count > 0 {
		m.SetReaction(next)
	} else {
		m.RemoveReaction(o.emoji)
	}
	m.Status = store.Pending
	putMessage(tx, o.chatID, list, m)
	return nil
}

func (o *reactOp) mutate(ctx context.Context, m Mutator) (any, error) {
	return m.SetReaction(ctx, o.chatID, o.messageID, o.emoji, o.add)
}

func (o *reactOp) confirm(tx *store.Txn, result any) error {
	canon := result.(store.Message)
	list, m := message(tx, o.chatID, o.messageID)
	if m == nil {
		return nil
	}
	// The confirmation is a reaction observation like any event: one applied
	// later than it wins, and older events arriving afterwards are stale.
	at := o.now()
	if !m.ReactionClock[o.emoji].After(at) {
		if r, ok := canon.Reaction(o.emoji); ok && r.Count > 0 {
			m.SetReaction(*r)
		} else if canon.ID != "" {
			m.RemoveReaction(o.emoji)
		}
		if m.ReactionClock == nil {
			m.ReactionClock = make(map[string]time.Time)
		}
		m.ReactionClock[o.emoji] = at
	}
	m.Status = store.Sent
	putMessage(tx, o.chatID, list, m)
	return nil
}

func (o *reactOp) mark(tx *store.Txn, s store.Status) bool {
	return markMessage(tx, o.chatID, o.messageID, s)
}

func (o *reactOp) revert(tx *store.Txn) {
	list, m := message(tx, o.chatID, o.messageID)
	if m == nil {
		return
	}
	if o.prev != nil {
		m.SetReaction(*o.prev)
	} else {
		m.RemoveReaction(o.emoji)
	}
	m.Status = store.Sent
	putMessage(tx, o.chatID, list, m)
}

type readOp struct {
	chatID string
	corr   string
	at     time.Time
	prev   int
}

func (o *readOp) apply(tx *store.Txn) error {
	found := false
	tx.UpdateChat(o.chatID, func(c *store.Chat) bool {
		if !found {
			o.prev = c.UnreadCount
			found = true
		}
		c.UnreadCount = 0
		c.ReadState = store.Pending
		c.CorrelationID = o.corr
		return true
	})
	if !found {
		return ErrNotCached
	}
	return nil
}

func (o *readOp) mutate(ctx context.Context, m Mutator) (any, error) {
	return m.MarkRead(ctx, o.chatID)
}

func (o *readOp) confirm(tx *store.Txn, result any) error {
	canon := result.(store.Chat)
	at := canon.UnreadAt
	if at.IsZero() {
		at = o.at
	}
	tx.UpdateChat(o.chatID, func(c *store.Chat) bool {
		if c.CorrelationID != o.corr {
			return false
		}
		if !at.Before(c.UnreadAt) {
			c.UnreadCount = canon.UnreadCount
			c.UnreadAt = at
		}
		c.ReadState = ""
		c.CorrelationID = ""
		return true
	})
	return nil
}

// mark treats a chat whose correlation id was cleared as confirmed: only a
// chat.read event from the local user settles a pending read that way.
func (o *readOp) mark(tx *store.Txn, s store.Status) bool {
	found := false
	tx.UpdateChat(o.chatID, func(c *store.Chat) bool {
		if c.CorrelationID != o.corr {
			return false
		}
		found = true
		c.ReadState = s
		return true
	})
	return !found
}

func (o *readOp) revert(tx *store.Txn) {
	tx.UpdateChat(o.chatID, func(c *store.Chat) bool {
		if c.CorrelationID != o.corr {
			return false
		}
		c.UnreadCount = o.prev
		c.ReadState = ""
		c.CorrelationID = ""
		return true
	})
}

type createOp struct {
	in   fetch.NewChat
	self string
	at   time.Time
}

func (o *createOp) provisional() store.Chat {
	c := store.Chat{
		CorrelationID: o.in.ClientID,
		Type:          o.in.Type,
		Title:         o.in.Title,
		UpdatedAt:     o.at,
		UnreadAt:      o.at,
		Status:        store.Pending,
	}
	c.Participants = append(c.Participants, store.Participant{UserID: o.self})
	for _, id := range o.in.Participants {
		if id != o.self {
			c.Participants = append(c.Participants, store.Participant{UserID: id})
		}
	}
	return c
}

// apply adds the chat to the first page of every cached list that admits
// it. A list that is not cached picks the chat up when it is fetched.
func (o *createOp) apply(tx *store.Txn) error {
	c := o.provisional()
	for _, k := range tx.Keys(store.KindChatList) {
		if k.Page != 1 || !k.Filter.Admits(&c) {
			continue
		}
		v, ok := tx.Get(k)
		if !ok {
			continue
		}
		page := v.(*store.ChatPage)
		cp := c
		cp.Rev = tx.Rev()
		page.Chats = append(page.Chats, cp)
		page.Sort()
		tx.Put(k, page)
	}
	return nil
}

func (o *createOp) mutate(ctx context.Context, m Mutator) (any, error) {
	return m.CreateChat(ctx, o.in)
}

func (o *createOp) confirm(tx *store.Txn, result any) error {
	canon := result.(store.Chat)
	if canon.UnreadAt.IsZero() {
		canon.UnreadAt = canon.SortTime()
	}
	canon.Status = ""
	canon.CorrelationID = ""
	canon.Rev = tx.Rev()
	o.eachPage(tx, func(page *store.ChatPage, i int) {
		if page.Index(canon.ID) >= 0 {
			page.Chats = slices.Delete(page.Chats, i, i+1)
		} else {
			page.Chats[i] = *canon.Clone().(*store.Chat)
		}
	})
	if _, ok := tx.Chat(canon.ID); !ok {
		tx.Put(store.ChatKey(canon.ID), canon.Clone())
	}
	return nil
}

func (o *createOp) mark(tx *store.Txn, s store.Status) bool {
	o.eachPage(tx, func(page *store.ChatPage, i int) {
		page.Chats[i].Status = s
		page.Chats[i].Rev = tx.Rev()
	})
	return false
}

func (o *createOp) revert(tx *store.Txn) {
	o.eachPage(tx, func(page *store.ChatPage, i int) {
		page.Chats = slices.Delete(page.Chats, i, i+1)
	})
}

// eachPage calls fn for every cached list page holding the provisional chat.
func (o *createOp) eachPage(tx *store.Txn, fn func(page *store.ChatPage, i int)) {
	for _, k := range tx.Keys(store.KindChatList) {
		v, ok := tx.Get(k)
		if !ok {
			continue
		}
		page := v.(*store.ChatPage)
		i := page.IndexByCorrelation(o.in.ClientID)
		if i < 0 || page.Chats[i].ID != "" {
			continue
		}
		fn(page, i)
		page.Sort()
		tx.Put(k, page)
	}
}
