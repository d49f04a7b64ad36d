package sync

import (
	"testing"

	"github.com/matheus3301/chatsync/internal/store"
)

func TestMergeMessagePageCreatesList(t *testing.T) {
	e, st, _ := newEngine(t)
	page := []store.Message{msg("m2", "u1", "two", at(2)), msg("m1", "u1", "one", at(1))}

	if err := e.MergeMessagePage("c1", page, Window{HasMore: true}, st.Rev()); err != nil {
		t.Fatal(err)
	}
	list, ok := st.ReadMessages("c1")
	if !ok {
		t.Fatal("list not created")
	}
	if len(list.Messages) != 2 || list.Messages[0].ID != "m1" || !list.HasMore || list.OldestID != "m1" {
		t.Errorf("list = %+v", list)
	}
}

func TestMergeOlderPageUpdatesWindow(t *testing.T) {
	e, st, _ := newEngine(t)
	seed(st)
	_ = st.Update(store.MessagesKey("c1"), func(cur store.Value, _ bool) (store.Value, error) {
		l := cur.(*store.MessageList)
		l.HasMore = true
		return l, nil
	})

	older := []store.Message{msg("m0", "u1", "zero", at(0))}
	if err := e.MergeMessagePage("c1", older, Window{Older: true, HasMore: false}, st.Rev()); err != nil {
		t.Fatal(err)
	}
	list, _ := st.ReadMessages("c1")
	if list.HasMore || list.OldestID != "m0" || len(list.Messages) != 3 {
		t.Errorf("list = %+v", list)
	}
	c, _ := st.ReadChat("c1")
	if c.LastMessage.MessageID != "m2" {
		t.Errorf("older page moved LastMessage to %s", c.LastMessage.MessageID)
	}
}

// TestFetchDoesNotRegressNewerEventState covers an event applied while a
// fetch was in flight: the response predates it and must not undo it.
func TestFetchDoesNotRegressNewerEventState(t *testing.T) {
	e, st, _ := newEngine(t)
	seed(st)
	startRev := st.Rev()

	// Applied after the request was issued.
	if err := e.Apply(event(t, MessageEdited, "c1", at(10), EditPayload{MessageID: "m2", Content: "edited"})); err != nil {
		t.Fatal(err)
	}

	stale := []store.Message{msg("m1", self, "one", at(1)), msg("m2", "u1", "two", at(2))}
	if err := e.MergeMessagePage("c1", stale, Window{}, startRev); err != nil {
		t.Fatal(err)
	}
	list, _ := st.ReadMessages("c1")
	if list.Messages[1].Content != "edited" {
		t.Errorf("content = %q, fetch regressed a newer edit", list.Messages[1].Content)
	}
	c, _ := st.ReadChat("c1")
	if c.LastMessage == nil || c.LastMessage.Content != "edited" {
		t.Errorf("detail last message = %+v, want the edited content", c.LastMessage)
	}
	page, _ := st.ReadChatList(store.ChatFilter{}, 1)
	if i := page.Index("c1"); i < 0 || page.Chats[i].LastMessage.Content != "edited" {
		t.Errorf("list preview = %+v, want the edited content", page.Chats)
	}
}

// TestFetchPreviewFollowsMergedMessage covers an edit the fetch response
// already carries an older copy of: the preview must match the list entry.
func TestFetchPreviewFollowsMergedMessage(t *testing.T) {
	e, st, _ := newEngine(t)
	seed(st)
	if err := e.Apply(event(t, MessageEdited, "c1", at(10), EditPayload{MessageID: "m2", Content: "edited"})); err != nil {
		t.Fatal(err)
	}

	// Issued after the edit, served from a replica that has not seen it.
	stale := []store.Message{msg("m2", "u1", "two", at(2))}
	if err := e.MergeMessagePage("c1", stale, Window{}, st.Rev()); err != nil {
		t.Fatal(err)
	}
	list, _ := st.ReadMessages("c1")
	i := list.IndexByID("m2")
	c, _ := st.ReadChat("c1")
	if c.LastMessage.Content != list.Messages[i].Content {
		t.Errorf("preview %q disagrees with message %q", c.LastMessage.Content, list.Messages[i].Content)
	}
}

func TestFetchKeepsStickyDeleteAndReceipts(t *testing.T) {
	e, st, _ := newEngine(t)
	seed(st)
	_ = e.Apply(event(t, MessageDeleted, "c1", at(5), MessageRef{MessageID: "m1"}))
	_ = e.Apply(event(t, ChatRead, "c1", at(6), ReadPayload{UserID: "u1"}))

	// A fetch issued after both events but served from a lagging replica.
	fetched := []store.Message{msg("m1", self, "one", at(1)), msg("m2", "u1", "two", at(2))}
	if err := e.MergeMessagePage("c1", fetched, Window{}, st.Rev()); err != nil {
		t.Fatal(err)
	}
	list, _ := st.ReadMessages("c1")
	m1 := list.Messages[0]
	if !m1.Deleted {
		t.Error("fetch undeleted m1")
	}
	if !m1.ReadByUser("u1") {
		t.Error("fetch dropped read receipt")
	}
}

func TestMergeChatPageKeepsNewerLocalState(t *testing.T) {
	e, st, _ := newEngine(t)
	seed(st)
	startRev := st.Rev()

	// New message arrives during the fetch.
	_ = e.Apply(event(t, MessageCreated, "c1", at(3), msg("m3", "u1", "three", at(3))))

	fetched := store.ChatPage{
		Chats: []store.Chat{
			{ID: "c2", Type: store.Group, Title: "Team", UpdatedAt: at(1)},
			{ID: "c1", Type: store.Direct, UpdatedAt: at(0), UnreadCount: 0,
				LastMessage: &store.LastMessage{MessageID: "m2", Timestamp: at(2)}},
		},
		Pagination: store.Pagination{Page: 1, Limit: 20, Total: 2},
	}
	if err := e.MergeChatPage(store.ChatFilter{}, 1, fetched, startRev); err != nil {
		t.Fatal(err)
	}
	page, _ := st.ReadChatList(store.ChatFilter{}, 1)
	if len(page.Chats) != 2 || page.Chats[0].ID != "c1" {
		t.Fatalf("page = %+v", page.Chats)
	}
	c1 := page.Chats[0]
	if c1.UnreadCount != 1 || c1.LastMessage.MessageID != "m3" {
		t.Errorf("c1 = %+v, fetch regressed newer state", c1)
	}
	if page.Pagination.Total != 2 {
		t.Errorf("pagination = %+v", page.Pagination)
	}
}

func TestMergeChatPageFieldMerge(t *testing.T) {
	e, st, _ := newEngine(t)
	seed(st)
	_ = e.Apply(event(t, UserStatus, "", at(9), StatusPayload{UserID: "u1", Online: true}))

	fetched := store.ChatPage{Chats: []store.Chat{{
		ID: "c1", Type: store.Direct, UpdatedAt: at(0), UnreadCount: 5,
		Participants: []store.Participant{{UserID: self}, {UserID: "u1", Name: "Ana", Online: false}},
		LastMessage:  &store.LastMessage{MessageID: "m2", Timestamp: at(2)},
	}}}
	// Issued after the presence event.
	if err := e.MergeChatPage(store.ChatFilter{}, 1, fetched, st.Rev()); err != nil {
		t.Fatal(err)
	}
	page, _ := st.ReadChatList(store.ChatFilter{}, 1)
	c := page.Chats[0]
	if p, _ := c.Participant("u1"); !p.Online {
		t.Error("fetched presence overrode a newer presence event")
	}
	if c.UnreadCount != 5 {
		t.Errorf("UnreadCount = %d, want server value 5", c.UnreadCount)
	}
	detail, _ := st.ReadChat("c1")
	if detail.UnreadCount != 5 {
		t.Errorf("detail UnreadCount = %d, want refreshed to 5", detail.UnreadCount)
	}
}

func TestMergeChat(t *testing.T) {
	e, st, _ := newEngine(t)
	if err := e.MergeChat(store.Chat{ID: "c7", Title: "Fresh", UpdatedAt: at(1)}, st.Rev()); err != nil {
		t.Fatal(err)
	}
	c, ok := st.ReadChat("c7")
	if !ok || c.Title != "Fresh" || !c.UnreadAt.Equal(at(1)) {
		t.Errorf("chat = %+v", c)
	}
}
