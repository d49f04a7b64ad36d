package sync

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/matheus3301/chatsync/internal/room"
	"github.com/matheus3301/chatsync/internal/store"
	"go.uber.org/zap"
)

// Engine applies push events and fetch results to the cache through
// idempotent merge rules. Applying the same event twice, or a set of events
// in any order, yields the same cache state.
type Engine struct {
	store  *store.Store
	rooms  *room.Manager
	selfID string
	logger *zap.Logger
}

// NewEngine creates a sync engine. selfID is the local user's id.
func NewEngine(st *store.Store, rooms *room.Manager, selfID string, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		store:  st,
		rooms:  rooms,
		selfID: selfID,
		logger: logger,
	}
}

// Handle applies evt and logs the outcome. Benign no-ops are logged at
// debug level only. It matches the stream client's handler signature.
func (e *Engine) Handle(evt Event) {
	err := e.Apply(evt)
	switch {
	case err == nil:
	case IsBenign(err):
		e.logger.Debug("event ignored",
			zap.String("type", string(evt.Type)),
			zap.String("chat_id", evt.ChatID),
			zap.Error(err))
	default:
		e.logger.Warn("failed to apply event",
			zap.String("type", string(evt.Type)),
			zap.String("chat_id", evt.ChatID),
			zap.Error(err))
	}
}

// Apply merges one event into the cache. The error distinguishes benign
// outcomes (see IsBenign) from malformed envelopes.
func (e *Engine) Apply(evt Event) error {
	switch evt.Type {
	case MessageCreated:
		m, err := decode[store.Message](evt)
		if err != nil {
			return err
		}
		return e.applyCreated(evt, m)
	case MessageEdited:
		p, err := decode[EditPayload](evt)
		if err != nil {
			return err
		}
		return e.applyEdited(evt, p)
	case MessageDeleted:
		p, err := decode[MessageRef](evt)
		if err != nil {
			return err
		}
		return e.applyDeleted(evt, p)
	case MessageReaction:
		p, err := decode[ReactionPayload](evt)
		if err != nil {
			return err
		}
		return e.applyReaction(evt, p)
	case ChatRead:
		p, err := decode[ReadPayload](evt)
		if err != nil {
			return err
		}
		return e.applyRead(evt, p)
	case ChatUnread:
		p, err := decode[UnreadPayload](evt)
		if err != nil {
			return err
		}
		return e.applyUnread(evt, p)
	case UserStatus:
		p, err := decode[StatusPayload](evt)
		if err != nil {
			return err
		}
		return e.applyStatus(evt, p)
	case TypingStart, TypingStop:
		p, err := decode[TypingPayload](evt)
		if err != nil {
			return err
		}
		if evt.ChatID == "" || p.UserID == "" {
			return &MalformedError{Type: evt.Type, Err: errors.New("missing chat or user id")}
		}
		if evt.Type == TypingStart {
			return e.rooms.TypingStarted(evt.ChatID, p.UserID, p.Name, evt.Timestamp)
		}
		return e.rooms.TypingStopped(evt.ChatID, p.UserID, evt.Timestamp)
	}
	return fmt.Errorf("%w: %q", ErrUnsupported, evt.Type)
}

func decode[T any](evt Event) (T, error) {
	var v T
	if len(evt.Payload) == 0 {
		return v, &MalformedError{Type: evt.Type, Err: errors.New("empty payload")}
	}
	if err := json.Unmarshal(evt.Payload, &v); err != nil {
		return v, &MalformedError{Type: evt.Type, Err: err}
	}
	return v, nil
}

func (e *Engine) applyCreated(evt Event, m store.Message) error {
	if m.ChatID == "" {
		m.ChatID = evt.ChatID
	}
	if m.ID == "" || m.ChatID == "" {
		return &MalformedError{Type: evt.Type, Err: errors.New("message without id or chat")}
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = evt.Timestamp
	}
	if m.Type == "" {
		m.Type = store.TextMessage
	}
	m.Status = store.Sent
	countsAsUnread := !e.rooms.IsActive(m.ChatID) && m.SenderID != e.selfID

	return e.store.Txn(func(tx *store.Txn) error {
		if err := InsertMessage(tx, m); err != nil {
			return err
		}
		BumpLastMessage(tx, m)
		if countsAsUnread {
			tx.UpdateChat(m.ChatID, func(c *store.Chat) bool {
				if !m.CreatedAt.After(c.UnreadAt) {
					return false
				}
				c.UnreadCount++
				return true
			})
		}
		return nil
	})
}

func (e *Engine) applyEdited(evt Event, p EditPayload) error {
	at := p.EditedAt
	if at.IsZero() {
		at = evt.Timestamp
	}
	return e.store.Txn(func(tx *store.Txn) error {
		list, ok := tx.Messages(evt.ChatID)
		if !ok {
			return ErrNotFound
		}
		i := list.IndexByID(p.MessageID)
		if i < 0 {
			return ErrNotFound
		}
		m := &list.Messages[i]
		if m.Deleted || !at.After(m.EditedAt) {
			return ErrStale
		}
		m.Content = p.Content
		m.Edited = true
		m.EditedAt = at
		m.Rev = tx.Rev()
		tx.Put(store.MessagesKey(evt.ChatID), list)

		tx.UpdateChat(evt.ChatID, func(c *store.Chat) bool {
			if c.LastMessage == nil || c.LastMessage.MessageID != p.MessageID || c.LastMessage.Content == p.Content {
				return false
			}
			c.LastMessage.Content = p.Content
			return true
		})
		return nil
	})
}

func (e *Engine) applyDeleted(evt Event, p MessageRef) error {
	ids := evt.IDs
	if p.MessageID != "" {
		ids = append([]string{p.MessageID}, ids...)
	}
	if len(ids) == 0 {
		return &MalformedError{Type: evt.Type, Err: errors.New("no message id")}
	}
	return e.store.Txn(func(tx *store.Txn) error {
		list, ok := tx.Messages(evt.ChatID)
		if !ok {
			return ErrNotFound
		}
		found, changed := false, false
		for _, id := range ids {
			i := list.IndexByID(id)
			if i < 0 {
				continue
			}
			found = true
			m := &list.Messages[i]
			if m.Deleted {
				continue
			}
			m.Deleted = true
			m.DeletedAt = evt.Timestamp
			m.Rev = tx.Rev()
			changed = true
		}
		switch {
		case !found:
			return ErrNotFound
		case !changed:
			return ErrStale
		}
		tx.Put(store.MessagesKey(evt.ChatID), list)
		return nil
	})
}

func (e *Engine) applyReaction(evt Event, p ReactionPayload) error {
	if p.Emoji == "" {
		return &MalformedError{Type: evt.Type, Err: errors.New("missing emoji")}
	}
	return e.store.Txn(func(tx *store.Txn) error {
		list, ok := tx.Messages(evt.ChatID)
		if !ok {
			return ErrNotFound
		}
		i := list.IndexByID(p.MessageID)
		if i < 0 {
			return ErrNotFound
		}
		m := &list.Messages[i]
		if !evt.Timestamp.After(m.ReactionClock[p.Emoji]) {
			return ErrStale
		}
		if m.ReactionClock == nil {
			m.ReactionClock = make(map[string]time.Time)
		}
		m.ReactionClock[p.Emoji] = evt.Timestamp
		if p.Reaction == nil || p.Reaction.Count <= 0 {
			m.RemoveReaction(p.Emoji)
		} else {
			r := *p.Reaction
			r.Emoji = p.Emoji
			m.SetReaction(r)
		}
		m.Rev = tx.Rev()
		tx.Put(store.MessagesKey(evt.ChatID), list)
		return nil
	})
}

func (e *Engine) applyRead(evt Event, p ReadPayload) error {
	if p.UserID == "" {
		return &MalformedError{Type: evt.Type, Err: errors.New("missing user id")}
	}
	if p.UserID == e.selfID {
		count := 0
		if p.UnreadCount != nil {
			count = *p.UnreadCount
		}
		return e.setUnread(evt, count, true)
	}

	return e.store.Txn(func(tx *store.Txn) error {
		list, ok := tx.Messages(evt.ChatID)
		if !ok {
			return ErrNotFound
		}
		cutoff := evt.Timestamp
		if i := list.IndexByID(p.MessageID); i >= 0 {
			cutoff = list.Messages[i].CreatedAt
		}
		changed := false
		for i := range list.Messages {
			m := &list.Messages[i]
			if m.ID == "" || m.SenderID == p.UserID || m.CreatedAt.After(cutoff) || m.ReadByUser(p.UserID) {
				continue
			}
			m.ReadBy = append(m.ReadBy, store.ReadReceipt{UserID: p.UserID, ReadAt: evt.Timestamp})
			m.Rev = tx.Rev()
			changed = true
		}
		if !changed {
			return ErrStale
		}
		tx.Put(store.MessagesKey(evt.ChatID), list)
		return nil
	})
}

func (e *Engine) applyUnread(evt Event, p UnreadPayload) error {
	if p.UnreadCount < 0 {
		return &MalformedError{Type: evt.Type, Err: fmt.Errorf("negative unread count %d", p.UnreadCount)}
	}
	return e.setUnread(evt, p.UnreadCount, false)
}

// setUnread replaces the unread count with a server value. The newest
// authoritative value wins; the count is never derived locally.
func (e *Engine) setUnread(evt Event, count int, settlesRead bool) error {
	return e.store.Txn(func(tx *store.Txn) error {
		found := false
		changed := tx.UpdateChat(evt.ChatID, func(c *store.Chat) bool {
			found = true
			if evt.Timestamp.Before(c.UnreadAt) {
				return false
			}
			if c.UnreadCount == count && c.UnreadAt.Equal(evt.Timestamp) && (!settlesRead || c.ReadState == "") {
				return false
			}
			c.UnreadCount = count
			c.UnreadAt = evt.Timestamp
			if settlesRead && c.ReadState != "" {
				c.ReadState = ""
				c.CorrelationID = ""
			}
			return true
		})
		switch {
		case !found:
			return ErrNotFound
		case !changed:
			return ErrStale
		}
		return nil
	})
}

func (e *Engine) applyStatus(evt Event, p StatusPayload) error {
	if p.UserID == "" {
		return &MalformedError{Type: evt.Type, Err: errors.New("missing user id")}
	}
	return e.store.Txn(func(tx *store.Txn) error {
		found := false
		changed := tx.UpdateChats(func(c *store.Chat) bool {
			part, ok := c.Participant(p.UserID)
			if !ok {
				return false
			}
			found = true
			if !evt.Timestamp.After(part.StatusAt) {
				return false
			}
			part.Online = p.Online
			if !p.LastSeen.IsZero() {
				part.LastSeen = p.LastSeen
			} else if !p.Online {
				part.LastSeen = evt.Timestamp
			}
			part.StatusAt = evt.Timestamp
			return true
		})
		switch {
		case !found:
			return ErrNotFound
		case !changed:
			return ErrStale
		}
		return nil
	})
}
