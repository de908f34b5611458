package relay

import (
	"sync"

	"github.com/gorilla/websocket"
)

// roomCapacity is fixed: a session is exactly two participants.
const roomCapacity = 2

// lockedConn serializes writes to one websocket. gorilla conns allow a single
// concurrent writer, and forwarded traffic arrives from the partner's goroutine.
type lockedConn struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (c *lockedConn) WriteJSON(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteJSON(v)
}

func (c *lockedConn) Close() error { return c.conn.Close() }

type member struct {
	id     string
	isHost bool
	conn   *lockedConn
}

type room struct {
	mu      sync.Mutex
	code    string
	members map[string]*member
}

func newRoom(code string) *room {
	return &room{code: code, members: make(map[string]*member)}
}

// add admits m unless the room is already at capacity. Rejoining with the same
// id is always allowed.
func (r *room) add(m *member) (usersCount int, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, rejoining := r.members[m.id]; !rejoining && len(r.members) >= roomCapacity {
		return len(r.members), false
	}
	r.members[m.id] = m
	return len(r.members), true
}

func (r *room) remove(id string) (usersCount int, removed bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.members[id]; !ok {
		return len(r.members), false
	}
	delete(r.members, id)
	return len(r.members), true
}

func (r *room) size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.members)
}

// others returns every member except id.
func (r *room) others(id string) []*member {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*member, 0, len(r.members))
	for mid, m := range r.members {
		if mid != id {
			out = append(out, m)
		}
	}
	return out
}
