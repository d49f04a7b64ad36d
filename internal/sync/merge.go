package sync

import (
	"maps"

	"github.com/matheus3301/chatsync/internal/store"
)

// InsertMessage adds a server-confirmed message to its chat's cached list.
// A message whose id was already ingested is a duplicate. An optimistic
// entry carrying the same correlation id is replaced in place, so a local
// send and its echo always collapse into one entry. When the list is not
// cached only the id is remembered.
func InsertMessage(tx *store.Txn, m store.Message) error {
	if tx.Seen(m.ID) {
		return ErrDuplicate
	}
	if list, ok := tx.Messages(m.ChatID); ok {
		if list.IndexByID(m.ID) >= 0 {
			return ErrDuplicate
		}
		m.Rev = tx.Rev()
		if m.Status == "" || m.Status == store.Pending {
			m.Status = store.Sent
		}
		if i := list.IndexByCorrelation(m.CorrelationID); i >= 0 {
			list.Replace(i, m)
		} else {
			list.Insert(m)
		}
		tx.Put(store.MessagesKey(m.ChatID), list)
	}
	tx.MarkSeen(m.ID)
	return nil
}

// BumpLastMessage makes m the chat's last message unless the chat already
// shows a newer one. Equal timestamps fall back to id order, matching the
// message list ordering.
func BumpLastMessage(tx *store.Txn, m store.Message) bool {
	return tx.UpdateChat(m.ChatID, func(c *store.Chat) bool {
		if lm := c.LastMessage; lm != nil {
			if m.CreatedAt.Before(lm.Timestamp) {
				return false
			}
			if m.CreatedAt.Equal(lm.Timestamp) && m.ID < lm.MessageID {
				return false
			}
			if lm.MessageID == m.ID && lm.Content == m.Content {
				return false
			}
		}
		c.LastMessage = &store.LastMessage{
			MessageID: m.ID,
			Content:   m.Content,
			SenderID:  m.SenderID,
			Timestamp: m.CreatedAt,
			Type:      m.Type,
		}
		if m.CreatedAt.After(c.UpdatedAt) {
			c.UpdatedAt = m.CreatedAt
		}
		return true
	})
}

// mergeMessage combines a fetched message with the cached copy that existed
// before the fetch started. Deletion is sticky, edits and reactions keep
// whichever side applied the newer change, read receipts accumulate.
func mergeMessage(cur *store.Message, f store.Message) store.Message {
	if cur.Status == store.Pending || cur.Status == store.Failed {
		// An optimistic action owns this entry until it settles.
		return store.CloneMessage(*cur)
	}
	out := store.CloneMessage(f)
	if cur.Deleted && !out.Deleted {
		out.Deleted = true
		out.DeletedAt = cur.DeletedAt
	}
	if cur.EditedAt.After(out.EditedAt) {
		out.Content = cur.Content
		out.Edited = cur.Edited
		out.EditedAt = cur.EditedAt
	}
	for _, r := range cur.ReadBy {
		if !out.ReadByUser(r.UserID) {
			out.ReadBy = append(out.ReadBy, r)
		}
	}
	if len(cur.ReactionClock) > 0 {
		out.ReactionClock = maps.Clone(cur.ReactionClock)
		for emoji := range cur.ReactionClock {
			if r, ok := cur.Reaction(emoji); ok {
				out.SetReaction(*r)
			} else {
				out.RemoveReaction(emoji)
			}
		}
	}
	if out.CorrelationID == "" {
		out.CorrelationID = cur.CorrelationID
	}
	if out.Status == "" {
		out.Status = store.Sent
	}
	return out
}

// mergeChat combines a fetched chat with a cached copy. A copy changed after
// the fetch started (Rev above startRev) is newer than the response and wins
// outright; otherwise each field keeps the side with the newer timestamp.
func mergeChat(cur *store.Chat, f store.Chat, startRev, rev uint64) store.Chat {
	if f.UnreadAt.IsZero() {
		// The server count covers every message up to the chat's newest one.
		f.UnreadAt = f.SortTime()
	}
	f.Rev = rev
	if cur == nil {
		return f
	}
	if cur.Rev > startRev {
		return *cur.Clone().(*store.Chat)
	}
	if cur.LastMessage != nil && (f.LastMessage == nil || cur.LastMessage.Timestamp.After(f.LastMessage.Timestamp)) {
		lm := *cur.LastMessage
		f.LastMessage = &lm
	}
	if cur.UpdatedAt.After(f.UpdatedAt) {
		f.UpdatedAt = cur.UpdatedAt
	}
	if cur.UnreadAt.After(f.UnreadAt) {
		f.UnreadCount = cur.UnreadCount
		f.UnreadAt = cur.UnreadAt
	}
	if cur.ReadState == store.Pending || cur.ReadState == store.Failed {
		f.UnreadCount = cur.UnreadCount
		f.ReadState = cur.ReadState
		f.CorrelationID = cur.CorrelationID
	}
	for i := range f.Participants {
		p := &f.Participants[i]
		if cp, ok := cur.Participant(p.UserID); ok && cp.StatusAt.After(p.StatusAt) {
			p.Online = cp.Online
			p.LastSeen = cp.LastSeen
			p.StatusAt = cp.StatusAt
		}
	}
	return f
}
