package status

import (
	"testing"

	"github.com/matheus3301/chatsync/internal/bus"
)

func TestInitialState(t *testing.T) {
	m := NewMachine(nil)
	if m.Current() != Idle {
		t.Errorf("initial state = %s, want IDLE", m.Current())
	}
}

func TestValidTransitions(t *testing.T) {
	tests := []struct {
		from State
		to   State
	}{
		{Idle, Connecting},
		{Idle, Closed},
		{Connecting, Live},
		{Connecting, Reconnecting},
		{Connecting, Closed},
		{Live, Reconnecting},
		{Live, Closed},
		{Reconnecting, Connecting},
		{Reconnecting, Closed},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			m := NewMachine(nil)
			// Walk to the "from" state.
			walkTo(t, m, tt.from)
			if err := m.Transition(tt.to); err != nil {
				t.Errorf("Transition(%s -> %s) error = %v", tt.from, tt.to, err)
			}
			if m.Current() != tt.to {
				t.Errorf("state = %s, want %s", m.Current(), tt.to)
			}
		})
	}
}

func TestInvalidTransition(t *testing.T) {
	tests := []struct {
		from State
		to   State
	}{
		{Idle, Live},
		{Live, Connecting},
		{Reconnecting, Live},
		{Closed, Connecting},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			m := NewMachine(nil)
			walkTo(t, m, tt.from)
			if err := m.Transition(tt.to); err == nil {
				t.Errorf("Transition(%s -> %s) should fail", tt.from, tt.to)
			}
			if m.Current() != tt.from {
				t.Errorf("state = %s, want %s (should not have changed)", m.Current(), tt.from)
			}
		})
	}
}

func TestTransitionEmitsEvent(t *testing.T) {
	b := bus.New()
	ch, unsub := b.Subscribe("link.", 10)
	defer unsub()

	m := NewMachine(b)
	if err := m.Transition(Connecting); err != nil {
		t.Fatal(err)
	}

	evt := <-ch
	if evt.Kind != EventStateChanged {
		t.Errorf("event kind = %q, want %s", evt.Kind, EventStateChanged)
	}
	change, ok := evt.Payload.(StateChange)
	if !ok {
		t.Fatalf("payload type = %T, want StateChange", evt.Payload)
	}
	if change.From != Idle || change.To != Connecting {
		t.Errorf("change = %v -> %v, want IDLE -> CONNECTING", change.From, change.To)
	}
}

// TestReconnectCycle verifies the reconnect loop:
// LIVE → RECONNECTING → CONNECTING → LIVE
func TestReconnectCycle(t *testing.T) {
	m := NewMachine(nil)
	walkTo(t, m, Live)

	steps := []State{Reconnecting, Connecting, Live}
	for _, s := range steps {
		if err := m.Transition(s); err != nil {
			t.Fatalf("Transition to %s: %v (current: %s)", s, err, m.Current())
		}
	}
	if m.Current() != Live {
		t.Errorf("final state = %s, want LIVE", m.Current())
	}
}

// TestFailedDialRetries verifies that a dial failure goes through
// RECONNECTING rather than straight back to CONNECTING.
func TestFailedDialRetries(t *testing.T) {
	m := NewMachine(nil)
	walkTo(t, m, Connecting)

	if err := m.Transition(Connecting); err == nil {
		t.Fatal("Transition(CONNECTING -> CONNECTING) should fail")
	}
	for _, s := range []State{Reconnecting, Connecting} {
		if err := m.Transition(s); err != nil {
			t.Fatalf("Transition to %s: %v", s, err)
		}
	}
}

// walkTo is a helper that transitions the machine to a target state.
func walkTo(t *testing.T, m *Machine, target State) {
	t.Helper()
	paths := map[State][]State{
		Idle:         {},
		Connecting:   {Connecting},
		Live:         {Connecting, Live},
		Reconnecting: {Connecting, Live, Reconnecting},
		Closed:       {Closed},
	}
	for _, s := range paths[target] {
		if err := m.Transition(s); err != nil {
			t.Fatalf("walkTo(%s): %v", target, err)
		}
	}
}
