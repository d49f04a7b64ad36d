// Package fakeserver is an in-process chat backend: the REST endpoints the
// fetch layer and the outbox call, plus the websocket event stream. It backs
// the package tests and the chatsync-fake development server.
package fakeserver

import (
	"encoding/json"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/render"
	"github.com/matheus3301/chatsync/internal/store"
	intsync "github.com/matheus3301/chatsync/internal/sync"
	"go.uber.org/zap"
)

// Options configures a fake backend.
type Options struct {
	// Secret signs and verifies bearer tokens.
	Secret []byte
	Logger *zap.Logger
	// Now overrides the clock used for server timestamps.
	Now func() time.Time
}

// Server is the fake backend.
type Server struct {
	secret []byte
	logger *zap.Logger
	now    func() time.Time
	hub    *hub
	router chi.Router

	mu       sync.Mutex
	chats    map[string]*store.Chat
	unread   map[string]map[string]int
	messages map[string][]store.Message
	failures []int
}

// New creates an empty fake backend.
func New(opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if len(opts.Secret) == 0 {
		opts.Secret = []byte("chatsync-fake")
	}
	s := &Server{
		secret:   opts.Secret,
		logger:   opts.Logger,
		now:      opts.Now,
		hub:      newHub(),
		chats:    make(map[string]*store.Chat),
		unread:   make(map[string]map[string]int),
		messages: make(map[string][]store.Message),
	}
	s.router = s.routes()
	return s
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(s.logRequests)

	r.Group(func(r chi.Router) {
		r.Use(s.authenticate)
		r.Get("/stream", s.handleStream)

		r.Group(func(r chi.Router) {
			r.Use(s.injectFailures)
			r.Route("/chats", func(r chi.Router) {
				r.Get("/", s.listChats)
				r.Post("/", s.createChat)
				r.Route("/{chatID}", func(r chi.Router) {
					r.Get("/", s.getChat)
					r.Post("/read", s.markRead)
					r.Get("/messages", s.listMessages)
					r.Post("/messages", s.sendMessage)
					r.Patch("/messages/{messageID}", s.editMessage)
					r.Delete("/messages/{messageID}", s.deleteMessage)
					r.Put("/messages/{messageID}/reactions/{emoji}", s.addReaction)
					r.Delete("/messages/{messageID}/reactions/{emoji}", s.removeReaction)
				})
			})
		})
	})
	return r
}

// Handler returns the HTTP handler serving the API and the stream.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Seed adds chats and messages. Every participant of a seeded chat starts
// with the chat's UnreadCount.
func (s *Server) Seed(chats []store.Chat, msgs []store.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range chats {
		cp := c.Clone().(*store.Chat)
		s.chats[c.ID] = cp
		counts := make(map[string]int, len(c.Participants))
		for _, p := range c.Participants {
			counts[p.UserID] = c.UnreadCount
		}
		s.unread[c.ID] = counts
	}
	for _, m := range msgs {
		list := append(s.messages[m.ChatID], store.CloneMessage(m))
		slices.SortStableFunc(list, func(a, b store.Message) int { return a.CreatedAt.Compare(b.CreatedAt) })
		s.messages[m.ChatID] = list
	}
}

// Messages returns a copy of the stored messages of a chat, oldest first.
func (s *Server) Messages(chatID string) []store.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]store.Message, len(s.messages[chatID]))
	for i, m := range s.messages[chatID] {
		out[i] = store.CloneMessage(m)
	}
	return out
}

// Emit pushes an event to the participants of its chat, or to every
// connected user when the chat is unknown.
func (s *Server) Emit(evt intsync.Event) {
	s.mu.Lock()
	users := s.members(evt.ChatID)
	s.mu.Unlock()
	s.push(users, "", evt)
}

// FailNext makes the next n API requests answer with code.
func (s *Server) FailNext(code, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for range n {
		s.failures = append(s.failures, code)
	}
}

// DropConnections closes every open stream connection.
func (s *Server) DropConnections() {
	s.hub.closeAll()
}

// Connections reports the number of open stream connections.
func (s *Server) Connections() int {
	return s.hub.connections()
}

// members returns the participants of a chat, or nil for an unknown chat.
// Callers hold s.mu.
func (s *Server) members(chatID string) []string {
	c, ok := s.chats[chatID]
	if !ok {
		return nil
	}
	ids := make([]string, len(c.Participants))
	for i, p := range c.Participants {
		ids[i] = p.UserID
	}
	return ids
}

// push encodes evt and broadcasts it.
func (s *Server) push(users []string, exclude string, evt intsync.Event) {
	raw, err := json.Marshal(evt)
	if err != nil {
		s.logger.Error("failed to encode event", zap.String("type", string(evt.Type)), zap.Error(err))
		return
	}
	s.hub.broadcast(users, exclude, raw)
}

func (s *Server) event(typ intsync.EventType, chatID string, payload any) intsync.Event {
	evt, err := intsync.NewEvent(typ, chatID, s.now(), payload)
	if err != nil {
		s.logger.Error("failed to build event", zap.String("type", string(typ)), zap.Error(err))
	}
	return evt
}

func (s *Server) injectFailures(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		code := 0
		if len(s.failures) > 0 {
			code = s.failures[0]
			s.failures = s.failures[1:]
		}
		s.mu.Unlock()
		if code != 0 {
			writeError(w, r, code, "injected failure")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		defer func() {
			s.logger.Debug("request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Duration("duration", time.Since(start)))
		}()
		next.ServeHTTP(ww, r)
	})
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, r *http.Request, code int, msg string) {
	render.Status(r, code)
	render.JSON(w, r, errorResponse{Error: msg})
}
