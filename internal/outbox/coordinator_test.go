package outbox

import (
	"context"
	"errors"
	gosync "sync"
	"testing"
	"time"

	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/fetch"
	"github.com/matheus3301/chatsync/internal/room"
	"github.com/matheus3301/chatsync/internal/store"
	intsync "github.com/matheus3301/chatsync/internal/sync"
	"go.uber.org/zap"
)

const self = "me"

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func at(sec int) time.Time { return t0.Add(time.Duration(sec) * time.Second) }

type call struct {
	Op        string
	ChatID    string
	MessageID string
	Content   string
	Emoji     string
	Add       bool
	Msg       fetch.NewMessage
	Chat      fetch.NewChat
}

// stubMutator records calls and answers them through reply.
type stubMutator struct {
	mu    gosync.Mutex
	calls []call
	reply func(ctx context.Context, c call) (any, error)
}

func (s *stubMutator) do(ctx context.Context, c call) (any, error) {
	s.mu.Lock()
	s.calls = append(s.calls, c)
	reply := s.reply
	s.mu.Unlock()
	if reply == nil {
		return nil, errors.New("no reply configured")
	}
	return reply(ctx, c)
}

func (s *stubMutator) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

func (s *stubMutator) SendMessage(ctx context.Context, chatID string, in fetch.NewMessage) (store.Message, error) {
	r, err := s.do(ctx, call{Op: "send", ChatID: chatID, Msg: in})
	m, _ := r.(store.Message)
	return m, err
}

func (s *stubMutator) EditMessage(ctx context.Context, chatID, messageID, content string) (store.Message, error) {
	r, err := s.do(ctx, call{Op: "edit", ChatID: chatID, MessageID: messageID, Content: content})
	m, _ := r.(store.Message)
	return m, err
}

func (s *stubMutator) DeleteMessage(ctx context.Context, chatID, messageID string) (store.Message, error) {
	r, err := s.do(ctx, call{Op: "delete", ChatID: chatID, MessageID: messageID})
	m, _ := r.(store.Message)
	return m, err
}

func (s *stubMutator) SetReaction(ctx context.Context, chatID, messageID, emoji string, add bool) (store.Message, error) {
	r, err := s.do(ctx, call{Op: "react", ChatID: chatID, MessageID: messageID, Emoji: emoji, Add: add})
	m, _ := r.(store.Message)
	return m, err
}

func (s *stubMutator) MarkRead(ctx context.Context, chatID string) (store.Chat, error) {
	r, err := s.do(ctx, call{Op: "read", ChatID: chatID})
	c, _ := r.(store.Chat)
	return c, err
}

func (s *stubMutator) CreateChat(ctx context.Context, in fetch.NewChat) (store.Chat, error) {
	r, err := s.do(ctx, call{Op: "create", Chat: in})
	c, _ := r.(store.Chat)
	return c, err
}

type fixture struct {
	c      *Coordinator
	st     *store.Store
	bus    *bus.Bus
	engine *intsync.Engine
	mut    *stubMutator
}

func newFixture(t *testing.T, timeout time.Duration) *fixture {
	t.Helper()
	b := bus.New()
	st := store.New(b)
	rooms := room.NewManager(st, b, zap.NewNop(), time.Minute)
	t.Cleanup(rooms.Close)
	mut := &stubMutator{}
	c := NewCoordinator(st, mut, self, b, zap.NewNop(), timeout)
	c.Start(context.Background())
	t.Cleanup(c.Stop)
	seed(st)
	return &fixture{c: c, st: st, bus: b, engine: intsync.NewEngine(st, rooms, self, zap.NewNop()), mut: mut}
}

// seed caches chat c1 with three unread messages in the default list and
// detail, plus its two newest messages.
func seed(st *store.Store) {
	chat := store.Chat{
		ID: "c1", Type: store.Direct, UpdatedAt: at(0),
		Participants: []store.Participant{{UserID: self}, {UserID: "u1", Name: "Ana"}},
		LastMessage:  &store.LastMessage{MessageID: "m2", Content: "two", SenderID: "u1", Timestamp: at(2)},
		UnreadCount:  3,
		UnreadAt:     at(2),
	}
	st.Write(store.ChatListKey(store.ChatFilter{}, 1), &store.ChatPage{Chats: []store.Chat{chat}})
	st.Write(store.ChatKey("c1"), chat.Clone())
	st.Write(store.MessagesKey("c1"), &store.MessageList{Messages: []store.Message{
		{ID: "m1", ChatID: "c1", SenderID: self, Content: "one", CreatedAt: at(1), Status: store.Sent},
		{ID: "m2", ChatID: "c1", SenderID: "u1", Content: "two", CreatedAt: at(2), Status: store.Sent,
			Reactions: []store.Reaction{{Emoji: "👍", Count: 1, Users: []string{"u1"}}}},
	}})
}

func wait(t *testing.T, a *Action) {
	t.Helper()
	select {
	case <-a.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("action %s did not settle", a.ID)
	}
}

func messages(t *testing.T, st *store.Store) []store.Message {
	t.Helper()
	list, ok := st.ReadMessages("c1")
	if !ok {
		t.Fatal("messages not cached")
	}
	return list.Messages
}

func byCorrelation(msgs []store.Message, corr string) (store.Message, int) {
	n := 0
	var found store.Message
	for _, m := range msgs {
		if m.CorrelationID == corr {
			found = m
			n++
		}
	}
	return found, n
}

// canonicalSend answers a send the way the backend does: it assigns an id and
// echoes the client id.
func canonicalSend(id string) func(context.Context, call) (any, error) {
	return func(_ context.Context, c call) (any, error) {
		return store.Message{
			ID: id, CorrelationID: c.Msg.ClientID, ChatID: c.ChatID, SenderID: self,
			Content: c.Msg.Content, Type: c.Msg.Type, CreatedAt: time.Now(),
		}, nil
	}
}

func TestSendShowsPendingThenConfirms(t *testing.T) {
	f := newFixture(t, time.Second)
	release := make(chan struct{})
	send := canonicalSend("m9")
	f.mut.reply = func(ctx context.Context, c call) (any, error) {
		<-release
		return send(ctx, c)
	}
	events, unsub := f.bus.Subscribe("outbox.", 10)
	defer unsub()

	a, err := f.c.Send("c1", fetch.NewMessage{Content: "hello"})
	if err != nil {
		t.Fatal(err)
	}
	m, n := byCorrelation(messages(t, f.st), a.CorrelationID())
	if n != 1 || m.ID != "" || m.Status != store.Pending || m.SenderID != self || m.Type != store.TextMessage {
		t.Fatalf("provisional = %+v (count %d)", m, n)
	}

	close(release)
	wait(t, a)
	if a.State() != Confirmed || a.Err() != nil {
		t.Fatalf("state = %s, err = %v", a.State(), a.Err())
	}
	msgs := messages(t, f.st)
	if len(msgs) != 3 {
		t.Fatalf("got %d messages, want 3", len(msgs))
	}
	m, _ = byCorrelation(msgs, a.CorrelationID())
	if m.ID != "m9" || m.Status != store.Sent {
		t.Errorf("confirmed = %+v", m)
	}
	chat, _ := f.st.ReadChat("c1")
	if chat.LastMessage == nil || chat.LastMessage.MessageID != "m9" {
		t.Errorf("last message = %+v, want m9", chat.LastMessage)
	}
	if chat.UnreadCount != 3 {
		t.Errorf("unread = %d, own message must not count", chat.UnreadCount)
	}
	if _, ok := f.c.Action(a.ID); ok {
		t.Error("confirmed action still tracked")
	}

	var kinds []string
	for len(kinds) < 2 {
		select {
		case evt := <-events:
			kinds = append(kinds, evt.Kind)
		case <-time.After(time.Second):
			t.Fatalf("events = %v", kinds)
		}
	}
	if kinds[0] != EventPending || kinds[1] != EventConfirmed {
		t.Errorf("events = %v", kinds)
	}
}

// Regression: the stream echo of a send can beat the mutation response.
// Both orders must leave a single entry.
func TestSendEchoBeforeResponseCollapses(t *testing.T) {
	tests := []struct {
		name     string
		echoCorr bool
	}{
		{"echo carries client id", true},
		{"echo without client id", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, time.Second)
			release := make(chan struct{})
			send := canonicalSend("m9")
			f.mut.reply = func(ctx context.Context, c call) (any, error) {
				<-release
				return send(ctx, c)
			}

			a, err := f.c.Send("c1", fetch.NewMessage{Content: "hello"})
			if err != nil {
				t.Fatal(err)
			}
			echo := store.Message{ID: "m9", ChatID: "c1", SenderID: self, Content: "hello", CreatedAt: time.Now()}
			if tt.echoCorr {
				echo.CorrelationID = a.CorrelationID()
			}
			evt, err := intsync.NewEvent(intsync.MessageCreated, "c1", echo.CreatedAt, echo)
			if err != nil {
				t.Fatal(err)
			}
			if err := f.engine.Apply(evt); err != nil {
				t.Fatal(err)
			}

			close(release)
			wait(t, a)
			msgs := messages(t, f.st)
			if len(msgs) != 3 {
				t.Fatalf("got %d messages, want 3: %+v", len(msgs), msgs)
			}
			for _, m := range msgs {
				if m.ID == "" || m.Status != store.Sent {
					t.Errorf("leftover provisional entry %+v", m)
				}
			}
		})
	}
}

func TestSendFailureKeepsFailedEntry(t *testing.T) {
	f := newFixture(t, time.Second)
	f.mut.reply = func(context.Context, call) (any, error) {
		return nil, &fetch.StatusError{Op: "send message", Code: 500}
	}
	failed, unsub := f.bus.SubscribeKind(EventFailed, 1)
	defer unsub()

	a, err := f.c.Send("c1", fetch.NewMessage{Content: "hello"})
	if err != nil {
		t.Fatal(err)
	}
	wait(t, a)
	if a.State() != Failed {
		t.Fatalf("state = %s, want FAILED", a.State())
	}
	var se *fetch.StatusError
	if !errors.As(a.Err(), &se) {
		t.Errorf("err = %v, want StatusError", a.Err())
	}
	m, n := byCorrelation(messages(t, f.st), a.CorrelationID())
	if n != 1 || m.Status != store.Failed {
		t.Errorf("entry = %+v (count %d), want one failed entry", m, n)
	}

	select {
	case evt := <-failed:
		if evt.Payload.(Notice).CorrelationID != a.ID {
			t.Errorf("notice = %+v", evt.Payload)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for outbox.failed")
	}
}

func TestActionTimeout(t *testing.T) {
	f := newFixture(t, 50*time.Millisecond)
	block := make(chan struct{})
	defer close(block)
	f.mut.reply = func(context.Context, call) (any, error) {
		// Ignores its context: the coordinator must still give up.
		<-block
		return nil, nil
	}

	a, err := f.c.Send("c1", fetch.NewMessage{Content: "hello"})
	if err != nil {
		t.Fatal(err)
	}
	wait(t, a)
	if a.State() != Failed || !errors.Is(a.Err(), ErrTimeout) {
		t.Fatalf("state = %s, err = %v", a.State(), a.Err())
	}
}

func TestRetryReusesCorrelationID(t *testing.T) {
	f := newFixture(t, time.Second)
	fail := true
	send := canonicalSend("m9")
	f.mut.reply = func(ctx context.Context, c call) (any, error) {
		if fail {
			return nil, &fetch.NetworkError{Op: "send message", Err: errors.New("connection refused")}
		}
		return send(ctx, c)
	}

	a, err := f.c.Send("c1", fetch.NewMessage{Content: "hello"})
	if err != nil {
		t.Fatal(err)
	}
	wait(t, a)
	if a.State() != Failed {
		t.Fatalf("state = %s", a.State())
	}

	fail = false
	if _, err := f.c.Retry(a.ID); err != nil {
		t.Fatal(err)
	}
	wait(t, a)
	if a.State() != Confirmed {
		t.Fatalf("state after retry = %s, err = %v", a.State(), a.Err())
	}
	f.mut.mu.Lock()
	first, second := f.mut.calls[0].Msg.ClientID, f.mut.calls[1].Msg.ClientID
	f.mut.mu.Unlock()
	if first != a.ID || second != a.ID {
		t.Errorf("client ids = %q, %q, want %q", first, second, a.ID)
	}
	if _, n := byCorrelation(messages(t, f.st), a.ID); n != 1 {
		t.Errorf("got %d entries for the send, want 1", n)
	}
}

// Regression: a send that timed out but whose echo arrived afterwards must
// not be sent a second time on retry.
func TestRetryAfterLateEchoConfirms(t *testing.T) {
	f := newFixture(t, time.Second)
	f.mut.reply = func(context.Context, call) (any, error) {
		return nil, &fetch.NetworkError{Op: "send message", Err: context.DeadlineExceeded}
	}
	a, err := f.c.Send("c1", fetch.NewMessage{Content: "hello"})
	if err != nil {
		t.Fatal(err)
	}
	wait(t, a)

	echo := store.Message{ID: "m9", CorrelationID: a.ID, ChatID: "c1", SenderID: self, Content: "hello", CreatedAt: time.Now()}
	evt, _ := intsync.NewEvent(intsync.MessageCreated, "c1", echo.CreatedAt, echo)
	if err := f.engine.Apply(evt); err != nil {
		t.Fatal(err)
	}

	if _, err := f.c.Retry(a.ID); err != nil {
		t.Fatal(err)
	}
	if a.State() != Confirmed {
		t.Errorf("state = %s, want CONFIRMED", a.State())
	}
	if n := f.mut.callCount(); n != 1 {
		t.Errorf("mutation issued %d times, want 1", n)
	}
}

func TestDiscard(t *testing.T) {
	f := newFixture(t, time.Second)
	f.mut.reply = func(context.Context, call) (any, error) {
		return nil, &fetch.StatusError{Op: "mutation", Code: 503}
	}

	send, _ := f.c.Send("c1", fetch.NewMessage{Content: "hello"})
	edit, err := f.c.Edit("c1", "m1", "uno")
	if err != nil {
		t.Fatal(err)
	}
	read, err := f.c.MarkRead("c1")
	if err != nil {
		t.Fatal(err)
	}
	for _, a := range []*Action{send, edit, read} {
		wait(t, a)
	}

	chat, _ := f.st.ReadChat("c1")
	if chat.UnreadCount != 0 || chat.ReadState != store.Failed {
		t.Errorf("chat after failed read = count %d state %q", chat.UnreadCount, chat.ReadState)
	}
	for _, a := range []*Action{send, edit, read} {
		if err := f.c.Discard(a.ID); err != nil {
			t.Fatalf("Discard(%s): %v", a.Kind, err)
		}
		if a.State() != Discarded {
			t.Errorf("%s state = %s", a.Kind, a.State())
		}
	}

	msgs := messages(t, f.st)
	if len(msgs) != 2 {
		t.Fatalf("got %d messages, want the failed send removed", len(msgs))
	}
	if m := msgs[0]; m.Content != "one" || m.Edited || m.Status != store.Sent {
		t.Errorf("m1 after discard = %+v", m)
	}
	list, _ := f.st.ReadChatList(store.ChatFilter{}, 1)
	chat, _ = f.st.ReadChat("c1")
	if chat.UnreadCount != 3 || chat.ReadState != "" || chat.CorrelationID != "" {
		t.Errorf("chat after discard = %+v", chat)
	}
	if list.Chats[0].UnreadCount != 3 {
		t.Errorf("list copy unread = %d, want 3", list.Chats[0].UnreadCount)
	}

	if err := f.c.Discard(send.ID); !errors.Is(err, ErrUnknownAction) {
		t.Errorf("second Discard() = %v, want ErrUnknownAction", err)
	}
}

func TestSupersededEditConfirmationIgnored(t *testing.T) {
	f := newFixture(t, time.Second)
	gates := map[string]chan struct{}{"first": make(chan struct{}), "second": make(chan struct{})}
	f.mut.reply = func(_ context.Context, c call) (any, error) {
		<-gates[c.Content]
		return store.Message{ID: "m1", ChatID: "c1", Content: c.Content, Edited: true, EditedAt: time.Now()}, nil
	}

	first, err := f.c.Edit("c1", "m1", "first")
	if err != nil {
		t.Fatal(err)
	}
	second, err := f.c.Edit("c1", "m1", "second")
	if err != nil {
		t.Fatal(err)
	}
	if got := messages(t, f.st)[0]; got.Content != "second" || got.Status != store.Pending {
		t.Fatalf("optimistic edit = %+v", got)
	}

	close(gates["second"])
	wait(t, second)
	close(gates["first"])
	wait(t, first)

	got := messages(t, f.st)[0]
	if got.Content != "second" || !got.Edited || got.Status != store.Sent {
		t.Errorf("m1 = %+v, want the newer edit kept", got)
	}
	if _, err := f.c.Retry(first.ID); err == nil {
		t.Error("Retry of a confirmed edit should fail")
	}
}

func TestMarkReadConfirms(t *testing.T) {
	f := newFixture(t, time.Second)
	release := make(chan struct{})
	f.mut.reply = func(_ context.Context, c call) (any, error) {
		<-release
		return store.Chat{ID: c.ChatID, UnreadCount: 0}, nil
	}

	a, err := f.c.MarkRead("c1")
	if err != nil {
		t.Fatal(err)
	}
	list, _ := f.st.ReadChatList(store.ChatFilter{}, 1)
	if c := list.Chats[0]; c.UnreadCount != 0 || c.ReadState != store.Pending || c.CorrelationID != a.ID {
		t.Fatalf("optimistic read = %+v", c)
	}

	close(release)
	wait(t, a)
	chat, _ := f.st.ReadChat("c1")
	if chat.UnreadCount != 0 || chat.ReadState != "" || chat.CorrelationID != "" {
		t.Errorf("confirmed chat = %+v", chat)
	}

	if _, err := f.c.MarkRead("nope"); !errors.Is(err, ErrNotCached) {
		t.Errorf("MarkRead(uncached) = %v, want ErrNotCached", err)
	}
}

func TestDeleteAndReact(t *testing.T) {
	f := newFixture(t, time.Second)
	release := make(chan struct{})
	f.mut.reply = func(_ context.Context, c call) (any, error) {
		<-release
		m := store.Message{ID: c.MessageID, ChatID: c.ChatID}
		if c.Op == "react" {
			m.Reactions = []store.Reaction{{Emoji: c.Emoji, Count: 2, Users: []string{"u1", self}}}
		}
		return m, nil
	}

	del, err := f.c.Delete("c1", "m1")
	if err != nil {
		t.Fatal(err)
	}
	react, err := f.c.React("c1", "m2", "👍", true)
	if err != nil {
		t.Fatal(err)
	}
	msgs := messages(t, f.st)
	if m := msgs[0]; !m.Deleted || m.Content != "one" || m.Status != store.Pending {
		t.Errorf("optimistic delete = %+v", m)
	}
	if r, ok := msgs[1].Reaction("👍"); !ok || r.Count != 2 {
		t.Errorf("optimistic reaction = %+v", msgs[1].Reactions)
	}
	if _, err := f.c.Edit("c1", "m1", "x"); !errors.Is(err, ErrDeleted) {
		t.Errorf("Edit(deleted) = %v, want ErrDeleted", err)
	}

	close(release)
	wait(t, del)
	wait(t, react)
	msgs = messages(t, f.st)
	if !msgs[0].Deleted || msgs[0].Status != store.Sent {
		t.Errorf("confirmed delete = %+v", msgs[0])
	}
	if r, _ := msgs[1].Reaction("👍"); r == nil || r.Count != 2 || msgs[1].Status != store.Sent {
		t.Errorf("confirmed reaction = %+v", msgs[1])
	}
}

func TestCreateChat(t *testing.T) {
	f := newFixture(t, time.Second)
	release := make(chan struct{})
	f.mut.reply = func(_ context.Context, c call) (any, error) {
		<-release
		return store.Chat{ID: "c2", Type: c.Chat.Type, Title: c.Chat.Title, UpdatedAt: time.Now()}, nil
	}

	a, err := f.c.CreateChat(fetch.NewChat{Type: store.Group, Title: "ops", Participants: []string{"u1", "u2"}})
	if err != nil {
		t.Fatal(err)
	}
	list, _ := f.st.ReadChatList(store.ChatFilter{}, 1)
	if len(list.Chats) != 2 {
		t.Fatalf("got %d chats, want the provisional chat listed", len(list.Chats))
	}
	if c := list.Chats[0]; c.ID != "" || c.CorrelationID != a.ID || c.Status != store.Pending || len(c.Participants) != 3 {
		t.Errorf("provisional chat = %+v", c)
	}

	close(release)
	wait(t, a)
	list, _ = f.st.ReadChatList(store.ChatFilter{}, 1)
	if len(list.Chats) != 2 || list.Chats[0].ID != "c2" || list.Chats[0].Status != "" {
		t.Errorf("chats = %+v", list.Chats)
	}
	if _, ok := f.st.ReadChat("c2"); !ok {
		t.Error("chat detail not cached")
	}
}

func TestInvalidTransitions(t *testing.T) {
	f := newFixture(t, time.Second)
	release := make(chan struct{})
	defer close(release)
	f.mut.reply = func(context.Context, call) (any, error) {
		<-release
		return nil, errors.New("late")
	}

	a, err := f.c.Send("c1", fetch.NewMessage{Content: "hello"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.c.Retry(a.ID); err == nil {
		t.Error("Retry of an in-flight action should fail")
	}
	if err := f.c.Discard(a.ID); err == nil {
		t.Error("Discard of an in-flight action should fail")
	}
	if _, err := f.c.Retry("nope"); !errors.Is(err, ErrUnknownAction) {
		t.Errorf("Retry(unknown) = %v", err)
	}
	if _, err := f.c.Edit("c1", "", "x"); !errors.Is(err, ErrUnconfirmed) {
		t.Errorf("Edit(unconfirmed) = %v", err)
	}
	if _, err := f.c.Edit("c1", "zz", "x"); !errors.Is(err, ErrNotCached) {
		t.Errorf("Edit(uncached) = %v", err)
	}
}

func TestReactConfirmationOrdersAgainstEvents(t *testing.T) {
	tests := []struct {
		name      string
		eventAt   time.Time
		event     store.Reaction
		wantCount int
	}{
		// Sent by the server before our mutation was processed.
		{"older event after confirmation is stale", at(5),
			store.Reaction{Emoji: "👍", Count: 1, Users: []string{"u1"}}, 2},
		// Another user reacted after the server confirmed ours.
		{"newer event after confirmation wins", at(20),
			store.Reaction{Emoji: "👍", Count: 3, Users: []string{"u1", self, "u2"}}, 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, time.Second)
			f.c.now = func() time.Time { return at(10) }
			f.mut.reply = func(_ context.Context, c call) (any, error) {
				return store.Message{ID: c.MessageID, ChatID: c.ChatID,
					Reactions: []store.Reaction{{Emoji: "👍", Count: 2, Users: []string{"u1", self}}}}, nil
			}

			a, err := f.c.React("c1", "m2", "👍", true)
			if err != nil {
				t.Fatal(err)
			}
			wait(t, a)

			evt, err := intsync.NewEvent(intsync.MessageReaction, "c1", tt.eventAt,
				intsync.ReactionPayload{MessageID: "m2", Emoji: "👍", Reaction: &tt.event})
			if err != nil {
				t.Fatal(err)
			}
			_ = f.engine.Apply(evt)

			got, _ := messages(t, f.st)[1].Reaction("👍")
			if got == nil || got.Count != tt.wantCount {
				t.Errorf("reaction = %+v, want count %d", got, tt.wantCount)
			}
		})
	}
}

func TestReactConfirmationYieldsToNewerEvent(t *testing.T) {
	f := newFixture(t, time.Second)
	f.c.now = func() time.Time { return at(10) }
	release := make(chan struct{})
	f.mut.reply = func(_ context.Context, c call) (any, error) {
		<-release
		return store.Message{ID: c.MessageID, ChatID: c.ChatID,
			Reactions: []store.Reaction{{Emoji: "👍", Count: 2, Users: []string{"u1", self}}}}, nil
	}

	a, err := f.c.React("c1", "m2", "👍", true)
	if err != nil {
		t.Fatal(err)
	}
	// Applied while the mutation is in flight, stamped after the confirmation.
	evt, _ := intsync.NewEvent(intsync.MessageReaction, "c1", at(20), intsync.ReactionPayload{
		MessageID: "m2", Emoji: "👍",
		Reaction: &store.Reaction{Emoji: "👍", Count: 3, Users: []string{"u1", self, "u2"}},
	})
	if err := f.engine.Apply(evt); err != nil {
		t.Fatal(err)
	}
	close(release)
	wait(t, a)

	m := messages(t, f.st)[1]
	if r, _ := m.Reaction("👍"); r == nil || r.Count != 3 || m.Status != store.Sent {
		t.Errorf("message = %+v, confirmation overwrote a newer event", m)
	}
}
