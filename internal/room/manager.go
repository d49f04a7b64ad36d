package room

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/store"
	"go.uber.org/zap"
)

// DefaultTypingTimeout is how long a typing indicator lives without a refresh.
const DefaultTypingTimeout = 5 * time.Second

// Manager tracks the chat currently in view and expires typing indicators.
//
// Lock order is store first, then m.mu: typing state is only changed from
// inside a store transaction so the timer table and the cached typing sets
// never disagree.
type Manager struct {
	active  atomic.Pointer[string]
	timeout time.Duration
	store   *store.Store
	bus     *bus.Bus
	logger  *zap.Logger

	mu     sync.Mutex
	typers map[typerKey]*typer
	gen    uint64
	closed bool
}

type typerKey struct {
	chatID string
	userID string
}

type typer struct {
	gen       uint64
	startedAt time.Time
	timer     *time.Timer
}

// TypingChange is the payload of room.typing events.
type TypingChange struct {
	ChatID string
	Users  map[string]string
}

// ActiveChange is the payload of room.active_changed events.
type ActiveChange struct {
	From string
	To   string
}

// NewManager creates a manager with no active chat.
func NewManager(st *store.Store, b *bus.Bus, logger *zap.Logger, timeout time.Duration) *Manager {
	if timeout <= 0 {
		timeout = DefaultTypingTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Manager{
		timeout: timeout,
		store:   st,
		bus:     b,
		logger:  logger,
		typers:  make(map[typerKey]*typer),
	}
	m.active.Store(new(string))
	return m
}

// SetActive marks chatID as the chat in view. An empty id means none.
// Switching chats never clears cached data.
func (m *Manager) SetActive(chatID string) {
	prev := m.active.Swap(&chatID)
	if *prev == chatID {
		return
	}
	m.logger.Debug("active chat changed", zap.String("from", *prev), zap.String("to", chatID))
	m.publish(bus.NewEvent("room.active_changed", ActiveChange{From: *prev, To: chatID}))
	if chatID != "" {
		m.publishTyping(chatID)
	}
}

// Active returns the active chat id, or "" when none is active.
func (m *Manager) Active() string {
	return *m.active.Load()
}

// IsActive reports whether chatID is the chat in view. It never blocks, so
// merge rules may call it while holding the store.
func (m *Manager) IsActive(chatID string) bool {
	return chatID != "" && m.Active() == chatID
}

// TypingStarted records that userID is typing in chatID and (re)arms the
// expiry timer. Indicators older than the user's current one are ignored.
func (m *Manager) TypingStarted(chatID, userID, name string, at time.Time) error {
	k := typerKey{chatID: chatID, userID: userID}
	err := m.store.Update(store.TypingKey(chatID), func(cur store.Value, ok bool) (store.Value, error) {
		m.mu.Lock()
		if m.closed {
			m.mu.Unlock()
			return nil, store.Skip
		}
		if t, exists := m.typers[k]; exists {
			if at.Before(t.startedAt) {
				m.mu.Unlock()
				return nil, store.Skip
			}
			t.timer.Stop()
		}
		m.gen++
		gen := m.gen
		m.typers[k] = &typer{
			gen:       gen,
			startedAt: at,
			timer:     time.AfterFunc(m.timeout, func() { m.expire(k, gen) }),
		}
		m.mu.Unlock()

		set := &store.TypingSet{ChatID: chatID, Users: map[string]string{}}
		if ok {
			set = cur.(*store.TypingSet)
			if set.Users == nil {
				set.Users = map[string]string{}
			}
		}
		if prev, had := set.Users[userID]; had && prev == name {
			return nil, store.Skip
		}
		set.Users[userID] = name
		return set, nil
	})
	if err == nil {
		m.publishTyping(chatID)
	}
	return err
}

// TypingStopped removes userID from the chat's typing set. A stop older than
// the indicator it would clear is ignored.
func (m *Manager) TypingStopped(chatID, userID string, at time.Time) error {
	k := typerKey{chatID: chatID, userID: userID}
	return m.clear(k, func(t *typer) bool { return at.IsZero() || !at.Before(t.startedAt) })
}

func (m *Manager) expire(k typerKey, gen uint64) {
	m.logger.Debug("typing indicator expired", zap.String("chat_id", k.chatID), zap.String("user_id", k.userID))
	if err := m.clear(k, func(t *typer) bool { return t.gen == gen }); err != nil {
		m.logger.Warn("failed to expire typing indicator", zap.Error(err))
	}
}

func (m *Manager) clear(k typerKey, valid func(*typer) bool) error {
	removed := false
	err := m.store.Update(store.TypingKey(k.chatID), func(cur store.Value, ok bool) (store.Value, error) {
		m.mu.Lock()
		t, exists := m.typers[k]
		if !exists || !valid(t) {
			m.mu.Unlock()
			return nil, store.Skip
		}
		t.timer.Stop()
		delete(m.typers, k)
		m.mu.Unlock()

		if !ok {
			return nil, store.Skip
		}
		set := cur.(*store.TypingSet)
		if _, had := set.Users[k.userID]; !had {
			return nil, store.Skip
		}
		delete(set.Users, k.userID)
		removed = true
		return set, nil
	})
	if err == nil && removed {
		m.publishTyping(k.chatID)
	}
	return err
}

// Typing returns the users typing in chatID.
func (m *Manager) Typing(chatID string) map[string]string {
	set, ok := m.store.ReadTyping(chatID)
	if !ok || set.Users == nil {
		return map[string]string{}
	}
	return set.Users
}

// ActiveTyping returns the users typing in the active chat.
func (m *Manager) ActiveTyping() map[string]string {
	if id := m.Active(); id != "" {
		return m.Typing(id)
	}
	return map[string]string{}
}

// Close stops every pending expiry timer.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	for k, t := range m.typers {
		t.timer.Stop()
		delete(m.typers, k)
	}
}

// publishTyping surfaces typing changes for the active chat only.
func (m *Manager) publishTyping(chatID string) {
	if !m.IsActive(chatID) {
		return
	}
	m.publish(bus.NewEvent("room.typing", TypingChange{ChatID: chatID, Users: m.Typing(chatID)}))
}

func (m *Manager) publish(evt bus.Event) {
	if m.bus != nil {
		m.bus.Publish(evt)
	}
}
