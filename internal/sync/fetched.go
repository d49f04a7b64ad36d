package sync

import (
	"github.com/matheus3301/chatsync/internal/store"
)

// Window describes where a fetched message page sits in the conversation.
type Window struct {
	// Older is set for pages loaded before the oldest cached message.
	Older bool
	// HasMore reports whether the server has messages beyond this page.
	HasMore bool
}

// MergeChatPage writes a fetched chat-list page under its query key.
// startRev is the store revision observed when the request was issued; any
// chat copy changed after it is newer than the response and is kept.
func (e *Engine) MergeChatPage(f store.ChatFilter, page int, fetched store.ChatPage, startRev uint64) error {
	key := store.ChatListKey(f, page)
	return e.store.Txn(func(tx *store.Txn) error {
		var prev *store.ChatPage
		if v, ok := tx.Get(key); ok {
			prev = v.(*store.ChatPage)
		}
		out := &store.ChatPage{Pagination: fetched.Pagination, Chats: make([]store.Chat, 0, len(fetched.Chats))}
		for _, fc := range fetched.Chats {
			cur := e.cachedChat(tx, prev, fc.ID)
			merged := mergeChat(cur, fc, startRev, tx.Rev())
			out.Chats = append(out.Chats, merged)
			e.refreshDetail(tx, merged, startRev)
		}
		if prev != nil && page <= 1 {
			// Optimistically created chats stay until their action settles.
			for _, c := range prev.Chats {
				if c.ID == "" && c.CorrelationID != "" {
					out.Chats = append(out.Chats, c)
				}
			}
		}
		out.Sort()
		tx.Put(key, out)
		return nil
	})
}

// MergeChat writes a fetched chat detail.
func (e *Engine) MergeChat(fetched store.Chat, startRev uint64) error {
	return e.store.Txn(func(tx *store.Txn) error {
		cur, _ := tx.Chat(fetched.ID)
		merged := mergeChat(cur, fetched, startRev, tx.Rev())
		tx.Put(store.ChatKey(fetched.ID), &merged)
		return nil
	})
}

// cachedChat finds the copy of a chat to merge a fetched one against: the
// previous page entry first, then the chat detail.
func (e *Engine) cachedChat(tx *store.Txn, prev *store.ChatPage, id string) *store.Chat {
	if prev != nil {
		if i := prev.Index(id); i >= 0 {
			return &prev.Chats[i]
		}
	}
	if c, ok := tx.Chat(id); ok {
		return c
	}
	return nil
}

// refreshDetail keeps a cached chat detail in step with a list result.
func (e *Engine) refreshDetail(tx *store.Txn, merged store.Chat, startRev uint64) {
	cur, ok := tx.Chat(merged.ID)
	if !ok || cur.Rev > startRev {
		return
	}
	next := mergeChat(cur, merged, startRev, tx.Rev())
	tx.Put(store.ChatKey(merged.ID), &next)
}

// MergeMessagePage merges fetched messages into the chat's cached list,
// creating the list on first load.
func (e *Engine) MergeMessagePage(chatID string, msgs []store.Message, w Window, startRev uint64) error {
	return e.store.Txn(func(tx *store.Txn) error {
		list, existed := tx.Messages(chatID)
		if !existed {
			list = &store.MessageList{}
		}
		var newest *store.Message
		for _, f := range msgs {
			if f.ID == "" {
				continue
			}
			f.ChatID = chatID
			if f.Status == "" {
				f.Status = store.Sent
			}
			if f.Type == "" {
				f.Type = store.TextMessage
			}
			switch i, j := list.IndexByID(f.ID), list.IndexByCorrelation(f.CorrelationID); {
			case i >= 0:
				cur := &list.Messages[i]
				if cur.Rev <= startRev {
					merged := mergeMessage(cur, f)
					merged.Rev = tx.Rev()
					list.Replace(i, merged)
				}
			case j >= 0 && list.Messages[j].ID == "":
				f.Rev = tx.Rev()
				list.Replace(j, f)
			default:
				f.Rev = tx.Rev()
				list.Insert(f)
			}
			tx.MarkSeen(f.ID)
			// The stored entry, not f, may hold a newer event-applied edit.
			if i := list.IndexByID(f.ID); i >= 0 {
				if m := list.Messages[i]; newest == nil || m.CreatedAt.After(newest.CreatedAt) {
					newest = &m
				}
			}
		}
		if w.Older || !existed {
			list.HasMore = w.HasMore
		}
		tx.Put(store.MessagesKey(chatID), list)
		if newest != nil && !w.Older {
			BumpLastMessage(tx, *newest)
		}
		return nil
	})
}
