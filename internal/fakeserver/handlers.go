package fakeserver

import (
	"encoding/json"
	"net/http"
	"net/url"
	"slices"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/matheus3301/chatsync/internal/fetch"
	"github.com/matheus3301/chatsync/internal/store"
	"github.com/matheus3301/chatsync/internal/stream"
	intsync "github.com/matheus3301/chatsync/internal/sync"
	"go.uber.org/zap"
)

const defaultLimit = 30

var upgrader = websocket.Upgrader{
	CheckOrigin: func(*http.Request) bool { return true },
}

func param(r *http.Request, name string) string {
	raw := chi.URLParam(r, name)
	if v, err := url.PathUnescape(raw); err == nil {
		return v
	}
	return raw
}

func intQuery(r *http.Request, name string, def int) int {
	if n, err := strconv.Atoi(r.URL.Query().Get(name)); err == nil && n > 0 {
		return n
	}
	return def
}

// view renders a chat as seen by uid. Callers hold s.mu.
func (s *Server) view(c *store.Chat, uid string) store.Chat {
	cp := *c.Clone().(*store.Chat)
	cp.UnreadCount = s.unread[c.ID][uid]
	return cp
}

// chat returns the chat if uid takes part in it. Callers hold s.mu.
func (s *Server) chat(id, uid string) (*store.Chat, bool) {
	c, ok := s.chats[id]
	if !ok {
		return nil, false
	}
	if _, member := c.Participant(uid); !member {
		return nil, false
	}
	return c, true
}

// message returns the index of a message in its chat. Callers hold s.mu.
func (s *Server) message(chatID, id string) int {
	return slices.IndexFunc(s.messages[chatID], func(m store.Message) bool { return m.ID == id })
}

func (s *Server) listChats(w http.ResponseWriter, r *http.Request) {
	uid := userID(r)
	filter := store.ChatFilter{Type: store.ChatType(r.URL.Query().Get("type")), Query: r.URL.Query().Get("q")}
	page := intQuery(r, "page", 1)
	limit := intQuery(r, "limit", defaultLimit)

	s.mu.Lock()
	all := store.ChatPage{}
	for _, c := range s.chats {
		if _, member := c.Participant(uid); member && filter.Admits(c) {
			all.Chats = append(all.Chats, s.view(c, uid))
		}
	}
	s.mu.Unlock()
	all.Sort()

	total := len(all.Chats)
	lo := min((page-1)*limit, total)
	hi := min(lo+limit, total)
	render.JSON(w, r, store.ChatPage{
		Chats:      all.Chats[lo:hi],
		Pagination: store.Pagination{Page: page, Limit: limit, Total: total, HasMore: hi < total},
	})
}

func (s *Server) getChat(w http.ResponseWriter, r *http.Request) {
	uid := userID(r)
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.chat(param(r, "chatID"), uid)
	if !ok {
		writeError(w, r, http.StatusNotFound, "chat not found")
		return
	}
	render.JSON(w, r, s.view(c, uid))
}

func (s *Server) createChat(w http.ResponseWriter, r *http.Request) {
	uid := userID(r)
	var in fetch.NewChat
	if err := render.DecodeJSON(r.Body, &in); err != nil {
		writeError(w, r, http.StatusBadRequest, "bad request body")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.chats {
		if in.ClientID != "" && c.CorrelationID == in.ClientID {
			render.JSON(w, r, s.view(c, uid))
			return
		}
	}

	now := s.now()
	c := &store.Chat{
		ID:            uuid.NewString(),
		Type:          in.Type,
		Title:         in.Title,
		UpdatedAt:     now,
		CorrelationID: in.ClientID,
	}
	if c.Type == "" {
		c.Type = store.Direct
	}
	c.Participants = append(c.Participants, store.Participant{UserID: uid, Name: uid, Online: s.hub.online(uid)})
	for _, p := range in.Participants {
		if p == uid {
			continue
		}
		c.Participants = append(c.Participants, store.Participant{UserID: p, Name: p, Online: s.hub.online(p)})
	}
	s.chats[c.ID] = c
	s.unread[c.ID] = make(map[string]int)
	render.Status(r, http.StatusCreated)
	render.JSON(w, r, s.view(c, uid))
}

func (s *Server) markRead(w http.ResponseWriter, r *http.Request) {
	uid := userID(r)
	s.mu.Lock()
	c, ok := s.chat(param(r, "chatID"), uid)
	if !ok {
		s.mu.Unlock()
		writeError(w, r, http.StatusNotFound, "chat not found")
		return
	}
	s.unread[c.ID][uid] = 0
	out := s.view(c, uid)
	users := s.members(c.ID)
	s.mu.Unlock()

	zero := 0
	s.push(users, "", s.event(intsync.ChatRead, c.ID, intsync.ReadPayload{UserID: uid, UnreadCount: &zero}))
	render.JSON(w, r, out)
}

func (s *Server) listMessages(w http.ResponseWriter, r *http.Request) {
	uid := userID(r)
	limit := intQuery(r, "limit", defaultLimit)
	page := intQuery(r, "page", 1)
	before := r.URL.Query().Get("before")

	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.chat(param(r, "chatID"), uid)
	if !ok {
		writeError(w, r, http.StatusNotFound, "chat not found")
		return
	}
	msgs := s.messages[c.ID]
	hi := len(msgs)
	if before != "" {
		i := s.message(c.ID, before)
		if i < 0 {
			writeError(w, r, http.StatusNotFound, "message not found")
			return
		}
		hi = i
	} else {
		hi = max(len(msgs)-(page-1)*limit, 0)
	}
	lo := max(hi-limit, 0)
	out := make([]store.Message, 0, hi-lo)
	for _, m := range msgs[lo:hi] {
		out = append(out, store.CloneMessage(m))
	}
	render.JSON(w, r, out)
}

func (s *Server) sendMessage(w http.ResponseWriter, r *http.Request) {
	uid := userID(r)
	var in fetch.NewMessage
	if err := render.DecodeJSON(r.Body, &in); err != nil {
		writeError(w, r, http.StatusBadRequest, "bad request body")
		return
	}

	s.mu.Lock()
	c, ok := s.chat(param(r, "chatID"), uid)
	if !ok {
		s.mu.Unlock()
		writeError(w, r, http.StatusNotFound, "chat not found")
		return
	}
	// A resent client id returns the message created the first time.
	if in.ClientID != "" {
		if i := slices.IndexFunc(s.messages[c.ID], func(m store.Message) bool { return m.CorrelationID == in.ClientID }); i >= 0 {
			m := store.CloneMessage(s.messages[c.ID][i])
			s.mu.Unlock()
			render.JSON(w, r, m)
			return
		}
	}

	now := s.now()
	m := store.Message{
		ID:            uuid.NewString(),
		CorrelationID: in.ClientID,
		ChatID:        c.ID,
		SenderID:      uid,
		Content:       in.Content,
		Type:          in.Type,
		CreatedAt:     now,
		Status:        store.Sent,
	}
	if m.Type == "" {
		m.Type = store.TextMessage
	}
	if in.ReplyTo != "" {
		if i := s.message(c.ID, in.ReplyTo); i >= 0 {
			q := s.messages[c.ID][i]
			m.ReplyTo = &store.ReplyRef{MessageID: q.ID, Content: q.Content, SenderID: q.SenderID}
		}
	}
	s.messages[c.ID] = append(s.messages[c.ID], m)
	c.LastMessage = &store.LastMessage{MessageID: m.ID, Content: m.Content, SenderID: uid, Timestamp: now, Type: m.Type}
	c.UpdatedAt = now
	for _, p := range c.Participants {
		if p.UserID != uid {
			s.unread[c.ID][p.UserID]++
		}
	}
	users := s.members(c.ID)
	s.mu.Unlock()

	s.push(users, "", s.event(intsync.MessageCreated, c.ID, m))
	render.Status(r, http.StatusCreated)
	render.JSON(w, r, m)
}

// mutateMessage runs fn on a message the caller can see and pushes the
// resulting event to the chat.
func (s *Server) mutateMessage(w http.ResponseWriter, r *http.Request, fn func(m *store.Message, uid string, now time.Time) (intsync.EventType, any, int, string)) {
	uid := userID(r)
	s.mu.Lock()
	c, ok := s.chat(param(r, "chatID"), uid)
	if !ok {
		s.mu.Unlock()
		writeError(w, r, http.StatusNotFound, "chat not found")
		return
	}
	i := s.message(c.ID, param(r, "messageID"))
	if i < 0 {
		s.mu.Unlock()
		writeError(w, r, http.StatusNotFound, "message not found")
		return
	}
	m := &s.messages[c.ID][i]
	typ, payload, code, msg := fn(m, uid, s.now())
	if code != 0 {
		s.mu.Unlock()
		writeError(w, r, code, msg)
		return
	}
	if c.LastMessage != nil && c.LastMessage.MessageID == m.ID {
		c.LastMessage.Content = m.Content
	}
	out := store.CloneMessage(*m)
	users := s.members(c.ID)
	s.mu.Unlock()

	s.push(users, "", s.event(typ, c.ID, payload))
	render.JSON(w, r, out)
}

func (s *Server) editMessage(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Content string `json:"content"`
	}
	if err := render.DecodeJSON(r.Body, &body); err != nil {
		writeError(w, r, http.StatusBadRequest, "bad request body")
		return
	}
	s.mutateMessage(w, r, func(m *store.Message, uid string, now time.Time) (intsync.EventType, any, int, string) {
		switch {
		case m.SenderID != uid:
			return "", nil, http.StatusForbidden, "not the sender"
		case m.Deleted:
			return "", nil, http.StatusConflict, "message deleted"
		}
		m.Content = body.Content
		m.Edited = true
		m.EditedAt = now
		return intsync.MessageEdited, intsync.EditPayload{MessageID: m.ID, Content: m.Content, EditedAt: now}, 0, ""
	})
}

func (s *Server) deleteMessage(w http.ResponseWriter, r *http.Request) {
	s.mutateMessage(w, r, func(m *store.Message, uid string, now time.Time) (intsync.EventType, any, int, string) {
		if m.SenderID != uid {
			return "", nil, http.StatusForbidden, "not the sender"
		}
		if !m.Deleted {
			m.Deleted = true
			m.DeletedAt = now
		}
		return intsync.MessageDeleted, intsync.MessageRef{MessageID: m.ID}, 0, ""
	})
}

func (s *Server) addReaction(w http.ResponseWriter, r *http.Request) {
	s.react(w, r, true)
}

func (s *Server) removeReaction(w http.ResponseWriter, r *http.Request) {
	s.react(w, r, false)
}

func (s *Server) react(w http.ResponseWriter, r *http.Request, add bool) {
	emoji := param(r, "emoji")
	s.mutateMessage(w, r, func(m *store.Message, uid string, _ time.Time) (intsync.EventType, any, int, string) {
		if m.Deleted {
			return "", nil, http.StatusConflict, "message deleted"
		}
		cur, ok := m.Reaction(emoji)
		var users []string
		if ok {
			users = slices.Clone(cur.Users)
		}
		has := slices.Contains(users, uid)
		switch {
		case add && !has:
			users = append(users, uid)
		case !add && has:
			users = slices.DeleteFunc(users, func(u string) bool { return u == uid })
		}
		p := intsync.ReactionPayload{MessageID: m.ID, Emoji: emoji}
		if len(users) == 0 {
			m.RemoveReaction(emoji)
		} else {
			rc := store.Reaction{Emoji: emoji, Count: len(users), Users: users}
			m.SetReaction(rc)
			p.Reaction = &rc
		}
		return intsync.MessageReaction, p, 0, ""
	})
}

// handleStream upgrades to a websocket, pushes the user's events and relays
// the typing commands the user sends.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	uid := userID(r)
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("ws upgrade error", zap.Error(err))
		return
	}
	defer func() { _ = conn.Close() }()

	c := newConnection(conn, uid)
	go c.writePump()

	wasOnline := s.hub.online(uid)
	s.hub.register(c)
	if !wasOnline {
		s.presence(uid, true)
	}
	defer func() {
		s.hub.unregister(c)
		if !s.hub.online(uid) {
			s.presence(uid, false)
		}
	}()

	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))

		var cmd stream.Command
		if err := json.Unmarshal(data, &cmd); err != nil {
			s.logger.Debug("ws bad json", zap.Error(err))
			continue
		}
		typ := intsync.EventType(cmd.Type)
		if typ != intsync.TypingStart && typ != intsync.TypingStop {
			s.logger.Debug("ws unknown command", zap.String("type", cmd.Type))
			continue
		}
		s.mu.Lock()
		_, member := s.chat(cmd.ChatID, uid)
		users := s.members(cmd.ChatID)
		s.mu.Unlock()
		if member {
			s.push(users, uid, s.event(typ, cmd.ChatID, intsync.TypingPayload{UserID: uid, Name: uid}))
		}
	}
}

// presence updates the user's participant entries and tells everyone who
// shares a chat with them.
func (s *Server) presence(uid string, online bool) {
	now := s.now()
	s.mu.Lock()
	seen := map[string]bool{}
	var users []string
	for _, c := range s.chats {
		p, ok := c.Participant(uid)
		if !ok {
			continue
		}
		p.Online = online
		if !online {
			p.LastSeen = now
		}
		for _, other := range c.Participants {
			if !seen[other.UserID] {
				seen[other.UserID] = true
				users = append(users, other.UserID)
			}
		}
	}
	s.mu.Unlock()

	p := intsync.StatusPayload{UserID: uid, Online: online}
	if !online {
		p.LastSeen = now
	}
	s.push(users, uid, s.event(intsync.UserStatus, "", p))
}
