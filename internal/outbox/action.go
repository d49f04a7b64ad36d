package outbox

import (
	"errors"
	"fmt"
	"slices"
	gosync "sync"
)

// Kind names the user intent an action carries.
type Kind string

const (
	KindSend       Kind = "send"
	KindEdit       Kind = "edit"
	KindDelete     Kind = "delete"
	KindReact      Kind = "react"
	KindMarkRead   Kind = "mark_read"
	KindCreateChat Kind = "create_chat"
)

// State is the confirmation state of an action.
type State string

const (
	Initiated State = "INITIATED"
	Confirmed State = "CONFIRMED"
	Failed    State = "FAILED"
	Discarded State = "DISCARDED"
)

// validTransitions defines allowed state transitions. A failed action may
// still be confirmed when the server echo turns up after the failure.
var validTransitions = map[State][]State{
	Initiated: {Confirmed, Failed},
	Failed:    {Initiated, Discarded, Confirmed},
}

var (
	// ErrUnknownAction is returned for a correlation id with no tracked action.
	ErrUnknownAction = errors.New("unknown action")
	// ErrNotCached is returned when the target of an action is not in the cache.
	ErrNotCached = errors.New("target not cached")
	// ErrUnconfirmed is returned when acting on a message the server has not confirmed.
	ErrUnconfirmed = errors.New("message not confirmed yet")
	// ErrDeleted is returned when editing or reacting to a deleted message.
	ErrDeleted = errors.New("message deleted")
	// ErrSuperseded is returned when retrying an edit that a newer edit replaced.
	ErrSuperseded = errors.New("superseded by a newer edit")
	// ErrTimeout marks an action whose confirmation did not arrive in time.
	ErrTimeout = errors.New("action timed out")
	// ErrInvalidTransition is returned when an action cannot move to the requested state,
	// such as retrying an action that is still in flight.
	ErrInvalidTransition = errors.New("invalid transition")
)

// Action is a handle on one optimistic write.
type Action struct {
	ID        string
	Kind      Kind
	ChatID    string
	MessageID string

	op op

	mu      gosync.Mutex
	state   State
	err     error
	attempt int
	done    chan struct{}
}

func newAction(id string, kind Kind, chatID, messageID string) *Action {
	return &Action{
		ID:        id,
		Kind:      kind,
		ChatID:    chatID,
		MessageID: messageID,
		state:     Initiated,
		done:      make(chan struct{}),
	}
}

// CorrelationID is the client-generated id tagging the provisional entity.
func (a *Action) CorrelationID() string { return a.ID }

// State returns the current state.
func (a *Action) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// Err returns the failure of the latest attempt, or nil.
func (a *Action) Err() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.err
}

// Done is closed once the current attempt is confirmed or failed. A retry
// starts a new attempt with a new channel.
func (a *Action) Done() <-chan struct{} {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.done
}

// transition moves the action to another state. The attempt check drops the
// outcome of an attempt that was superseded by a retry.
func (a *Action) transition(attempt int, to State, err error) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if attempt != a.attempt {
		return fmt.Errorf("stale attempt %d of action %s", attempt, a.ID)
	}
	if !slices.Contains(validTransitions[a.state], to) {
		return fmt.Errorf("%w from %s to %s", ErrInvalidTransition, a.state, to)
	}
	from := a.state
	a.state = to
	a.err = err
	switch {
	case to == Initiated:
		a.attempt++
		a.done = make(chan struct{})
	case from == Initiated:
		close(a.done)
	}
	return nil
}

func (a *Action) currentAttempt() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.attempt
}

// Notice is the payload of outbox bus events.
type Notice struct {
	CorrelationID string `json:"clientId"`
	Kind          Kind   `json:"kind"`
	ChatID        string `json:"chatId,omitempty"`
	MessageID     string `json:"messageId,omitempty"`
	State         State  `json:"state"`
	Error         string `json:"error,omitempty"`
}

// Notice snapshots the action.
func (a *Action) Notice() Notice {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := Notice{
		CorrelationID: a.ID,
		Kind:          a.Kind,
		ChatID:        a.ChatID,
		MessageID:     a.MessageID,
		State:         a.state,
	}
	if a.err != nil {
		n.Error = a.err.Error()
	}
	return n
}
