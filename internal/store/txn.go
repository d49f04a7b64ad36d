package store

// Txn is a set of staged writes. It is only valid inside the function passed
// to Store.Txn.
type Txn struct {
	s       *Store
	rev     uint64
	work    map[Key]Value
	staged  map[Key]bool
	order   []Key
	evicted []Key
	seen    []string
}

// Rev is the revision this transaction commits as. Merge rules stamp it on
// every entity they change.
func (tx *Txn) Rev() uint64 { return tx.rev }

// Get returns the working copy of k. Repeated calls return the same copy, so
// mutations are visible to later reads in the transaction; they are only
// committed once the copy is passed to Put.
func (tx *Txn) Get(k Key) (Value, bool) {
	if v, ok := tx.work[k]; ok {
		return v, v != nil
	}
	v, ok := tx.s.data[k]
	if !ok {
		return nil, false
	}
	cp := v.Clone()
	tx.work[k] = cp
	return cp, true
}

// Put stages v as the new value of k.
func (tx *Txn) Put(k Key, v Value) {
	for i, e := range tx.evicted {
		if e == k {
			tx.evicted = append(tx.evicted[:i], tx.evicted[i+1:]...)
			break
		}
	}
	if !tx.staged[k] {
		tx.order = append(tx.order, k)
	}
	tx.work[k] = v
	tx.staged[k] = true
}

// Evict stages the removal of k.
func (tx *Txn) Evict(k Key) {
	delete(tx.staged, k)
	tx.work[k] = nil
	if _, ok := tx.s.data[k]; ok {
		tx.evicted = append(tx.evicted, k)
	}
}

// Keys lists committed and staged keys of the given kind.
func (tx *Txn) Keys(kind Kind) []Key {
	var keys []Key
	for k := range tx.s.data {
		if k.Kind == kind {
			keys = append(keys, k)
		}
	}
	for _, k := range tx.order {
		if _, committed := tx.s.data[k]; !committed && k.Kind == kind {
			keys = append(keys, k)
		}
	}
	return keys
}

// Seen reports whether a message with this server id was already ingested.
func (tx *Txn) Seen(id string) bool {
	if id == "" {
		return false
	}
	for _, s := range tx.seen {
		if s == id {
			return true
		}
	}
	return tx.s.seen.has(id)
}

// MarkSeen records a message id as ingested once the transaction commits.
func (tx *Txn) MarkSeen(id string) {
	if id != "" {
		tx.seen = append(tx.seen, id)
	}
}

// Messages returns the working copy of a chat's message list.
func (tx *Txn) Messages(chatID string) (*MessageList, bool) {
	v, ok := tx.Get(MessagesKey(chatID))
	if !ok {
		return nil, false
	}
	return v.(*MessageList), true
}

// Chat returns the working copy of a chat detail.
func (tx *Txn) Chat(id string) (*Chat, bool) {
	v, ok := tx.Get(ChatKey(id))
	if !ok {
		return nil, false
	}
	return v.(*Chat), true
}

// UpdateChat applies fn to every cached copy of the chat: its detail and each
// chat-list page containing it. fn reports whether it changed the copy.
// Changed copies are stamped with the transaction revision and lists are
// re-sorted. It returns whether any copy changed.
func (tx *Txn) UpdateChat(id string, fn func(c *Chat) bool) bool {
	return tx.updateChats(func(c *Chat) bool { return c.ID == id && fn(c) })
}

// UpdateChats applies fn to every cached copy of every chat.
func (tx *Txn) UpdateChats(fn func(c *Chat) bool) bool {
	return tx.updateChats(fn)
}

func (tx *Txn) updateChats(fn func(c *Chat) bool) bool {
	touched := false
	for _, k := range tx.Keys(KindChat) {
		v, ok := tx.Get(k)
		if !ok {
			continue
		}
		c := v.(*Chat)
		if fn(c) {
			c.Rev = tx.rev
			tx.Put(k, c)
			touched = true
		}
	}
	for _, k := range tx.Keys(KindChatList) {
		v, ok := tx.Get(k)
		if !ok {
			continue
		}
		page := v.(*ChatPage)
		changed := false
		for i := range page.Chats {
			if fn(&page.Chats[i]) {
				page.Chats[i].Rev = tx.rev
				changed = true
			}
		}
		if changed {
			page.Sort()
			tx.Put(k, page)
			touched = true
		}
	}
	return touched
}
