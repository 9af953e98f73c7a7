package session

import "sync"

// Handle is the transport side of a connection.
type Handle interface {
	Send(data []byte) error
	Close() error
}

// Conn is a snapshot of a registered connection.
type Conn struct {
	UserID      string
	DisplayName string
	RoomID      string // empty while unmatched
	Handle      Handle
}

// Registry maps user IDs to their live connection. At most one connection
// per user is registered; the first one wins.
type Registry struct {
	mu    sync.RWMutex
	conns map[string]*Conn
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{conns: make(map[string]*Conn)}
}

// Register adds a connection. It returns false, leaving the existing
// connection untouched, when userID is already registered.
func (r *Registry) Register(userID, displayName string, h Handle) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.conns[userID]; ok {
		return false
	}
	r.conns[userID] = &Conn{UserID: userID, DisplayName: displayName, Handle: h}
	return true
}

// AssignRoom points userID at roomID. It returns false if userID is not
// registered or already holds a different room; a user is never moved from
// one room to another.
func (r *Registry) AssignRoom(userID, roomID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.conns[userID]
	if !ok || (c.RoomID != "" && c.RoomID != roomID) {
		return false
	}
	c.RoomID = roomID
	return true
}

// TakeRoom returns the user's room and clears it in one step, so that only
// one of several concurrent closers observes the room.
func (r *Registry) TakeRoom(userID string) string {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.conns[userID]
	if !ok {
		return ""
	}
	roomID := c.RoomID
	c.RoomID = ""
	return roomID
}

// ClearRoomIf clears the user's room only if it is still roomID.
func (r *Registry) ClearRoomIf(userID, roomID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.conns[userID]
	if !ok || roomID == "" || c.RoomID != roomID {
		return false
	}
	c.RoomID = ""
	return true
}

// Lookup returns a copy of the user's connection record.
func (r *Registry) Lookup(userID string) (Conn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	c, ok := r.conns[userID]
	if !ok {
		return Conn{}, false
	}
	return *c, true
}

// Unregister removes the user's connection, whichever it is.
func (r *Registry) Unregister(userID string) {
	r.mu.Lock()
	delete(r.conns, userID)
	r.mu.Unlock()
}

// Release removes the user's connection only if it is still h. A reconnect
// that registered a new handle in the meantime is left alone.
func (r *Registry) Release(userID string, h Handle) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.conns[userID]
	if !ok || c.Handle != h {
		return false
	}
	delete(r.conns, userID)
	return true
}

// All returns a snapshot of every registered connection.
func (r *Registry) All() []Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Conn, 0, len(r.conns))
	for _, c := range r.conns {
		out = append(out, *c)
	}
	return out
}

// Len returns the number of registered connections.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}
