package room

import (
	"testing"
	"time"

	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/store"
	"go.uber.org/zap"
)

func newManager(t *testing.T, timeout time.Duration) (*Manager, *store.Store, *bus.Bus) {
	t.Helper()
	b := bus.New()
	st := store.New(b)
	m := NewManager(st, b, zap.NewNop(), timeout)
	t.Cleanup(m.Close)
	return m, st, b
}

func TestSetActive(t *testing.T) {
	m, _, b := newManager(t, time.Second)
	ch, unsub := b.Subscribe("room.active_changed", 10)
	defer unsub()

	if m.IsActive("c1") {
		t.Fatal("c1 active before SetActive")
	}
	m.SetActive("c1")
	if !m.IsActive("c1") || m.Active() != "c1" {
		t.Errorf("Active = %q, want c1", m.Active())
	}
	m.SetActive("c1") // no-op, no event
	m.SetActive("")
	if m.IsActive("c1") || m.IsActive("") {
		t.Error("no chat should be active")
	}

	for _, want := range []ActiveChange{{From: "", To: "c1"}, {From: "c1", To: ""}} {
		select {
		case evt := <-ch:
			if got := evt.Payload.(ActiveChange); got != want {
				t.Errorf("change = %+v, want %+v", got, want)
			}
		case <-time.After(time.Second):
			t.Fatal("timeout waiting for room.active_changed")
		}
	}
	select {
	case evt := <-ch:
		t.Errorf("unexpected event %+v", evt.Payload)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestTypingExpiresWithoutRefresh(t *testing.T) {
	m, _, _ := newManager(t, 80*time.Millisecond)

	if err := m.TypingStarted("c1", "u1", "Ana", time.Now()); err != nil {
		t.Fatal(err)
	}
	if _, ok := m.Typing("c1")["u1"]; !ok {
		t.Fatal("u1 not typing after start")
	}

	time.Sleep(250 * time.Millisecond)
	if users := m.Typing("c1"); len(users) != 0 {
		t.Errorf("typing set = %v, want empty after timeout", users)
	}
}

func TestTypingRefreshResetsTimer(t *testing.T) {
	m, _, _ := newManager(t, 150*time.Millisecond)

	start := time.Now()
	_ = m.TypingStarted("c1", "u1", "Ana", start)
	time.Sleep(100 * time.Millisecond)
	_ = m.TypingStarted("c1", "u1", "Ana", start.Add(100*time.Millisecond))
	time.Sleep(100 * time.Millisecond)

	// 200ms after the first start but only 100ms after the refresh.
	if _, ok := m.Typing("c1")["u1"]; !ok {
		t.Error("indicator expired although it was refreshed")
	}
}

func TestTypingStopped(t *testing.T) {
	m, _, _ := newManager(t, time.Minute)
	now := time.Now()
	_ = m.TypingStarted("c1", "u1", "Ana", now)
	_ = m.TypingStarted("c1", "u2", "Bo", now)

	// A stop older than the indicator is stale.
	if err := m.TypingStopped("c1", "u1", now.Add(-time.Second)); err != nil {
		t.Fatal(err)
	}
	if _, ok := m.Typing("c1")["u1"]; !ok {
		t.Error("stale stop removed u1")
	}

	if err := m.TypingStopped("c1", "u1", now.Add(time.Second)); err != nil {
		t.Fatal(err)
	}
	users := m.Typing("c1")
	if _, ok := users["u1"]; ok {
		t.Error("u1 still typing after stop")
	}
	if users["u2"] != "Bo" {
		t.Errorf("users = %v, want u2 kept", users)
	}

	// Stopping an unknown typer is a no-op.
	if err := m.TypingStopped("c9", "u1", time.Time{}); err != nil {
		t.Errorf("TypingStopped(unknown) error = %v", err)
	}
}

func TestTypingOnlySurfacedForActiveChat(t *testing.T) {
	m, st, b := newManager(t, time.Minute)
	ch, unsub := b.Subscribe("room.typing", 10)
	defer unsub()

	m.SetActive("c1")
	// Activation publishes the (empty) set of the new chat.
	<-ch

	_ = m.TypingStarted("c2", "u2", "Bo", time.Now())
	select {
	case evt := <-ch:
		t.Fatalf("typing in inactive chat surfaced: %+v", evt.Payload)
	case <-time.After(50 * time.Millisecond):
	}
	// The inactive chat still tracks the typer.
	if set, ok := st.ReadTyping("c2"); !ok || set.Users["u2"] != "Bo" {
		t.Errorf("typing set of c2 = %+v, want u2", set)
	}

	_ = m.TypingStarted("c1", "u1", "Ana", time.Now())
	select {
	case evt := <-ch:
		change := evt.Payload.(TypingChange)
		if change.ChatID != "c1" || change.Users["u1"] != "Ana" {
			t.Errorf("change = %+v", change)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for room.typing")
	}
	if got := m.ActiveTyping(); got["u1"] != "Ana" || len(got) != 1 {
		t.Errorf("ActiveTyping = %v", got)
	}

	// Switching to c2 surfaces its typers.
	m.SetActive("c2")
	select {
	case evt := <-ch:
		if change := evt.Payload.(TypingChange); change.ChatID != "c2" || change.Users["u2"] != "Bo" {
			t.Errorf("change = %+v", change)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for room.typing on switch")
	}
}

func TestCloseStopsTimers(t *testing.T) {
	m, _, _ := newManager(t, 50*time.Millisecond)
	_ = m.TypingStarted("c1", "u1", "Ana", time.Now())
	m.Close()
	time.Sleep(120 * time.Millisecond)
	if _, ok := m.Typing("c1")["u1"]; !ok {
		t.Error("timer fired after Close")
	}
	if err := m.TypingStarted("c1", "u2", "Bo", time.Now()); err != nil {
		t.Fatal(err)
	}
	if _, ok := m.Typing("c1")["u2"]; ok {
		t.Error("TypingStarted after Close recorded a typer")
	}
}
