package relay

import "sync"

// Room names. Every connection sits in its owner's personal room; conversation
// rooms are joined explicitly and presence rooms by asking for a user's status.
func UserRoom(id string) string { return "user:" + id }
func ConversationRoom(id string) string { return "conv:" + id }
func PresenceRoom(id string) string { return "presence:" + id }

// Hub tracks the connections of this instance and the rooms they joined.
type Hub struct {
	mu    sync.RWMutex
	users map[string]map[*Conn]struct{}
	rooms map[string]map[*Conn]struct{}
}

func NewHub() *Hub {
	return &Hub{
		users: make(map[string]map[*Conn]struct{}),
		rooms: make(map[string]map[*Conn]struct{}),
	}
}

// Add registers c and joins it to its personal room. It reports whether c is
// the user's first connection on this instance.
func (h *Hub) Add(c *Conn) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.users[c.User]
	if !ok {
		set = make(map[*Conn]struct{})
		h.users[c.User] = set
	}
	set[c] = struct{}{}
	h.join(c, UserRoom(c.User))
	return !ok
}

// Remove unregisters c from every room. It reports whether c was the user's
// last connection on this instance.
func (h *Hub) Remove(c *Conn) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.users[c.User]
	if !ok {
		return false
	}
	if _, ok := set[c]; !ok {
		return false
	}
	delete(set, c)
	for room := range c.rooms {
		if members := h.rooms[room]; members != nil {
			delete(members, c)
			if len(members) == 0 {
				delete(h.rooms, room)
			}
		}
	}
	c.rooms = nil
	if len(set) == 0 {
		delete(h.users, c.User)
		return true
	}
	return false
}

// Join adds c to room and returns how many rooms c is in.
func (h *Hub) Join(c *Conn, room string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.users[c.User][c]; !ok {
		return 0
	}
	h.join(c, room)
	return len(c.rooms)
}

func (h *Hub) join(c *Conn, room string) {
	members, ok := h.rooms[room]
	if !ok {
		members = make(map[*Conn]struct{})
		h.rooms[room] = members
	}
	members[c] = struct{}{}
	if c.rooms == nil {
		c.rooms = make(map[string]struct{})
	}
	c.rooms[room] = struct{}{}
}

// Deliver queues raw once to every connection in any of rooms and returns
// how many connections it reached.
func (h *Hub) Deliver(rooms []string, raw []byte) int {
	h.mu.RLock()
	targets := make(map[*Conn]struct{})
	for _, room := range rooms {
		for c := range h.rooms[room] {
			targets[c] = struct{}{}
		}
	}
	h.mu.RUnlock()

	n := 0
	for c := range targets {
		if c.Enqueue(raw) {
			n++
		}
	}
	return n
}

// Conns returns the user's connections on this instance.
func (h *Hub) Conns(user string) []*Conn {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]*Conn, 0, len(h.users[user]))
	for c := range h.users[user] {
		out = append(out, c)
	}
	return out
}

// Online reports whether user has a connection on this instance.
func (h *Hub) Online(user string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.users[user]) > 0
}

// Users lists the users connected to this instance.
func (h *Hub) Users() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]string, 0, len(h.users))
	for u := range h.users {
		out = append(out, u)
	}
	return out
}

// Len returns the number of connections on this instance.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for _, set := range h.users {
		n += len(set)
	}
	return n
}
