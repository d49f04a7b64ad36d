package fakeserver

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait  = 10 * time.Second
	pingPeriod = 30 * time.Second
	pongWait   = 60 * time.Second
)

// connection is one websocket of one user.
type connection struct {
	conn      *websocket.Conn
	send      chan []byte
	userID    string
	closeOnce sync.Once
}

func newConnection(conn *websocket.Conn, userID string) *connection {
	return &connection{
		conn:   conn,
		send:   make(chan []byte, 128),
		userID: userID,
	}
}

// Send queues a frame. A slow client misses frames instead of blocking the hub.
func (c *connection) Send(b []byte) {
	select {
	case c.send <- b:
	default:
	}
}

func (c *connection) closeSend() {
	c.closeOnce.Do(func() {
		close(c.send)
	})
}

func (c *connection) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				_ = c.conn.Close()
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// hub fans frames out to the connections of a set of users.
type hub struct {
	mu    sync.RWMutex
	users map[string]map[*connection]struct{}
}

func newHub() *hub {
	return &hub{users: make(map[string]map[*connection]struct{})}
}

func (h *hub) register(c *connection) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set := h.users[c.userID]
	if set == nil {
		set = make(map[*connection]struct{})
		h.users[c.userID] = set
	}
	set[c] = struct{}{}
}

func (h *hub) unregister(c *connection) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if set := h.users[c.userID]; set != nil {
		delete(set, c)
		if len(set) == 0 {
			delete(h.users, c.userID)
		}
	}
	c.closeSend()
}

// broadcast sends payload to every connection of the given users except
// those of exclude. A nil user list means every connected user.
func (h *hub) broadcast(userIDs []string, exclude string, payload []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	send := func(uid string) {
		if uid == exclude {
			return
		}
		for c := range h.users[uid] {
			c.Send(payload)
		}
	}
	if userIDs == nil {
		for uid := range h.users {
			send(uid)
		}
		return
	}
	for _, uid := range userIDs {
		send(uid)
	}
}

func (h *hub) online(userID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.users[userID]) > 0
}

func (h *hub) connections() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for _, set := range h.users {
		n += len(set)
	}
	return n
}

// closeAll drops every connection.
func (h *hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for uid, set := range h.users {
		for c := range set {
			c.closeSend()
		}
		delete(h.users, uid)
	}
}
