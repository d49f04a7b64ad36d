package status

import (
	"fmt"
	"slices"
	"sync"

	"github.com/matheus3301/chatsync/internal/bus"
)

// State represents the state of the event stream link.
type State string

const (
	Idle         State = "IDLE"
	Connecting   State = "CONNECTING"
	Live         State = "LIVE"
	Reconnecting State = "RECONNECTING"
	Closed       State = "CLOSED"
)

// EventStateChanged is published on every transition.
const EventStateChanged = "link.state_changed"

// validTransitions defines allowed state transitions.
var validTransitions = map[State][]State{
	Idle:         {Connecting, Closed},
	Connecting:   {Live, Reconnecting, Closed},
	Live:         {Reconnecting, Closed},
	Reconnecting: {Connecting, Closed},
	Closed:       {},
}

// Machine tracks and enforces link state transitions.
type Machine struct {
	mu      sync.RWMutex
	current State
	bus     *bus.Bus
}

// NewMachine creates a new state machine starting in Idle state.
func NewMachine(b *bus.Bus) *Machine {
	return &Machine{
		current: Idle,
		bus:     b,
	}
}

// Current returns the current state.
func (m *Machine) Current() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Transition attempts to move to a new state. Returns error if transition is invalid.
func (m *Machine) Transition(to State) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	allowed := validTransitions[m.current]
	if !slices.Contains(allowed, to) {
		return fmt.Errorf("invalid transition from %s to %s", m.current, to)
	}
	from := m.current
	m.current = to
	if m.bus != nil {
		m.bus.Publish(bus.NewEvent(EventStateChanged, StateChange{
			From: from,
			To:   to,
		}))
	}
	return nil
}

// StateChange is the payload for state change events.
type StateChange struct {
	From State
	To   State
}
