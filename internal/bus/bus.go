package bus

import (
	"strings"
	"sync"
	"sync/atomic"
)

// Bus is an in-process publish/subscribe event bus with namespace filtering.
type Bus struct {
	mu   sync.RWMutex
	subs map[int]*subscription
	next int
}

type subscription struct {
	match   string
	exact   bool
	ch      chan Event
	dropped atomic.Uint64
}

func (s *subscription) matches(kind string) bool {
	if s.exact {
		return kind == s.match
	}
	return strings.HasPrefix(kind, s.match)
}

// New creates a new event bus.
func New() *Bus {
	return &Bus{
		subs: make(map[int]*subscription),
	}
}

// Publish sends an event to every subscriber that matches event.Kind.
// Delivery never blocks: a subscriber with a full buffer misses the event.
func (b *Bus) Publish(evt Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		if !sub.matches(evt.Kind) {
			continue
		}
		select {
		case sub.ch <- evt:
		default:
			sub.dropped.Add(1)
		}
	}
}

// Subscribe returns a channel that receives events matching the given namespace prefix.
// bufSize controls the channel buffer. Returns the channel and an unsubscribe function.
func (b *Bus) Subscribe(namespace string, bufSize int) (<-chan Event, func()) {
	return b.add(&subscription{match: namespace, ch: make(chan Event, bufSize)})
}

// SubscribeTracked is like Subscribe and also returns a function that
// reports how many events were dropped on a full buffer since its last call.
func (b *Bus) SubscribeTracked(namespace string, bufSize int) (<-chan Event, func() uint64, func()) {
	sub := &subscription{match: namespace, ch: make(chan Event, bufSize)}
	ch, unsub := b.add(sub)
	return ch, func() uint64 { return sub.dropped.Swap(0) }, unsub
}

// SubscribeKind is like Subscribe but only delivers events whose kind equals kind.
func (b *Bus) SubscribeKind(kind string, bufSize int) (<-chan Event, func()) {
	return b.add(&subscription{match: kind, exact: true, ch: make(chan Event, bufSize)})
}

// Subscribers reports how many subscriptions would receive an event of the given kind.
func (b *Bus) Subscribers(kind string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	n := 0
	for _, sub := range b.subs {
		if sub.matches(kind) {
			n++
		}
	}
	return n
}

// KindSubscribers reports how many SubscribeKind subscriptions exist for kind.
// Prefix subscribers are not counted.
func (b *Bus) KindSubscribers(kind string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	n := 0
	for _, sub := range b.subs {
		if sub.exact && sub.match == kind {
			n++
		}
	}
	return n
}

func (b *Bus) add(sub *subscription) (<-chan Event, func()) {
	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = sub
	b.mu.Unlock()

	var once sync.Once
	return sub.ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
		})
	}
}
