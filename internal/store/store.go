package store

import (
	"errors"
	"slices"
	"sync"

	"github.com/matheus3301/chatsync/internal/bus"
)

// Value is anything the cache holds. Implementations are pointer types whose
// Clone returns an independent deep copy.
type Value interface {
	Clone() Value
}

// Skip aborts a transaction without error. Nothing staged is committed.
var Skip = errors.New("store: skip")

// seenCapacity bounds how many message ids the store remembers after their
// list is evicted or was never loaded.
const seenCapacity = 8192

// Store is the in-memory cache of chats, message lists and typing sets.
// All mutations are serialized through a single writer lock, so every
// transaction observes the result of the previous one.
type Store struct {
	mu   sync.Mutex
	data map[Key]Value
	rev  uint64
	seen *seenSet
	bus  *bus.Bus
}

// New creates an empty store publishing change notifications on b (may be nil).
func New(b *bus.Bus) *Store {
	return &Store{
		data: make(map[Key]Value),
		seen: newSeenSet(seenCapacity),
		bus:  b,
	}
}

// Read returns a copy of the value at k. Absent keys report false; no read
// ever creates a value.
func (s *Store) Read(k Key) (Value, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.data[k]
	if !ok {
		return nil, false
	}
	return v.Clone(), true
}

// Write replaces the value at k.
func (s *Store) Write(k Key, v Value) {
	_ = s.Txn(func(tx *Txn) error {
		tx.Put(k, v)
		return nil
	})
}

// Update applies fn to the current value at k and stores the result.
// fn receives a private copy. Returning Skip leaves the cache untouched;
// any other error is returned and nothing is written.
func (s *Store) Update(k Key, fn func(cur Value, ok bool) (Value, error)) error {
	return s.Txn(func(tx *Txn) error {
		cur, ok := tx.Get(k)
		next, err := fn(cur, ok)
		if err != nil {
			return err
		}
		tx.Put(k, next)
		return nil
	})
}

// Txn runs fn with exclusive access to the cache. Writes staged through tx
// become visible together when fn returns nil; Skip or any error discards
// them all.
func (s *Store) Txn(fn func(tx *Txn) error) error {
	s.mu.Lock()
	tx := &Txn{
		s:      s,
		rev:    s.rev + 1,
		work:   make(map[Key]Value),
		staged: make(map[Key]bool),
	}
	err := fn(tx)
	if err != nil || (len(tx.staged) == 0 && len(tx.evicted) == 0 && len(tx.seen) == 0) {
		s.mu.Unlock()
		if errors.Is(err, Skip) {
			return nil
		}
		return err
	}
	changed := make([]Key, 0, len(tx.order))
	for _, k := range tx.order {
		if tx.staged[k] {
			s.data[k] = tx.work[k]
			changed = append(changed, k)
		}
	}
	for _, k := range tx.evicted {
		delete(s.data, k)
		changed = append(changed, k)
	}
	for _, id := range tx.seen {
		s.seen.add(id)
	}
	if len(changed) > 0 {
		s.rev = tx.rev
	}
	s.mu.Unlock()

	s.notify(changed)
	return nil
}

// Rev returns the revision of the last committed transaction.
func (s *Store) Rev() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rev
}

// Keys lists the cached keys of the given kind.
func (s *Store) Keys(kind Kind) []Key {
	s.mu.Lock()
	defer s.mu.Unlock()
	var keys []Key
	for k := range s.data {
		if k.Kind == kind {
			keys = append(keys, k)
		}
	}
	return keys
}

// Evict drops the value at k.
func (s *Store) Evict(k Key) {
	_ = s.Txn(func(tx *Txn) error {
		tx.Evict(k)
		return nil
	})
}

// EvictSettled drops the value at k unless it still holds an entity an
// optimistic action owns. It reports whether k was evicted.
func (s *Store) EvictSettled(k Key) bool {
	evicted := false
	_ = s.Txn(func(tx *Txn) error {
		v, ok := tx.Get(k)
		if !ok || Unsettled(v) {
			return Skip
		}
		tx.Evict(k)
		evicted = true
		return nil
	})
	return evicted
}

// Unsettled reports whether v holds a pending or failed optimistic entity.
func Unsettled(v Value) bool {
	switch v := v.(type) {
	case *MessageList:
		return slices.ContainsFunc(v.Messages, func(m Message) bool {
			return m.Status == Pending || m.Status == Failed
		})
	case *ChatPage:
		return slices.ContainsFunc(v.Chats, func(c Chat) bool { return c.unsettled() })
	case *Chat:
		return v.unsettled()
	}
	return false
}

// Watch subscribes to change notifications of k. Each event carries k as its payload.
func (s *Store) Watch(k Key, bufSize int) (<-chan bus.Event, func()) {
	return s.bus.SubscribeKind(k.Topic(), bufSize)
}

// Watched reports whether anyone holds a Watch on k. Prefix subscribers
// following every key of a kind do not count.
func (s *Store) Watched(k Key) bool {
	if s.bus == nil {
		return false
	}
	return s.bus.KindSubscribers(k.Topic()) > 0
}

func (s *Store) notify(keys []Key) {
	if s.bus == nil {
		return
	}
	for _, k := range keys {
		s.bus.Publish(bus.NewEvent(k.Topic(), k))
	}
}

// ReadChat returns a copy of the chat detail.
func (s *Store) ReadChat(id string) (Chat, bool) {
	v, ok := s.Read(ChatKey(id))
	if !ok {
		return Chat{}, false
	}
	return *v.(*Chat), true
}

// ReadChatList returns a copy of a chat-list query page.
func (s *Store) ReadChatList(f ChatFilter, page int) (ChatPage, bool) {
	v, ok := s.Read(ChatListKey(f, page))
	if !ok {
		return ChatPage{}, false
	}
	return *v.(*ChatPage), true
}

// ReadMessages returns a copy of a chat's message list.
func (s *Store) ReadMessages(chatID string) (MessageList, bool) {
	v, ok := s.Read(MessagesKey(chatID))
	if !ok {
		return MessageList{}, false
	}
	return *v.(*MessageList), true
}

// ReadTyping returns a copy of a chat's typing set.
func (s *Store) ReadTyping(chatID string) (TypingSet, bool) {
	v, ok := s.Read(TypingKey(chatID))
	if !ok {
		return TypingSet{}, false
	}
	return *v.(*TypingSet), true
}
