package server

import (
	"net"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// Conn represents a single client connection with its authenticated identity
// and a write mutex for serializing outbound frames.
type Conn struct {
	ID        string // session ID (UUID)
	UserEmail string
	UserName  string
	Conn      net.Conn
	CreatedAt time.Time
	LastPing  time.Time // last activity observed from the client

	writeMu sync.Mutex
}

// WriteMessage sends a WebSocket text frame to this connection. The write
// mutex ensures that concurrent goroutines do not interleave frame bytes.
func (c *Conn) WriteMessage(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return wsutil.WriteServerMessage(c.Conn, ws.OpText, data)
}

// WritePing sends a WebSocket protocol-level ping frame (opcode 0x9) on the
// connection, serialized with application writes.
func (c *Conn) WritePing() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return ws.WriteFrame(c.Conn, ws.NewPingFrame(nil))
}

// Close closes the underlying network connection.
func (c *Conn) Close() error {
	return c.Conn.Close()
}

// Registry is a thread-safe index of active connections, keyed both by
// session ID and by user email. A user with the conversation open on two
// devices has two entries under the same email.
type Registry struct {
	mu      sync.RWMutex
	byID    map[string]*Conn
	byEmail map[string]map[string]*Conn // email -> session_id -> Conn
}

// NewRegistry creates an empty Registry ready for use.
func NewRegistry() *Registry {
	return &Registry{
		byID:    make(map[string]*Conn),
		byEmail: make(map[string]map[string]*Conn),
	}
}

// Add registers a connection in both indexes.
func (r *Registry) Add(c *Conn) {
	r.mu.Lock()
	r.byID[c.ID] = c
	sessions := r.byEmail[c.UserEmail]
	if sessions == nil {
		sessions = make(map[string]*Conn)
		r.byEmail[c.UserEmail] = sessions
	}
	sessions[c.ID] = c
	r.mu.Unlock()
}

// Remove removes a connection by session ID and closes the underlying
// network connection. Returns true if the connection was found and removed,
// false if it was already gone.
func (r *Registry) Remove(id string) bool {
	r.mu.Lock()
	c, ok := r.byID[id]
	if ok {
		delete(r.byID, id)
		if sessions := r.byEmail[c.UserEmail]; sessions != nil {
			delete(sessions, id)
			if len(sessions) == 0 {
				delete(r.byEmail, c.UserEmail)
			}
		}
	}
	r.mu.Unlock()

	if ok {
		c.Close()
	}
	return ok
}

// Get returns the connection for the given session ID, or nil if not found.
func (r *Registry) Get(id string) *Conn {
	r.mu.RLock()
	c := r.byID[id]
	r.mu.RUnlock()
	return c
}

// ByEmail returns a snapshot of every open connection for the given user.
func (r *Registry) ByEmail(email string) []*Conn {
	r.mu.RLock()
	sessions := r.byEmail[email]
	conns := make([]*Conn, 0, len(sessions))
	for _, c := range sessions {
		conns = append(conns, c)
	}
	r.mu.RUnlock()
	return conns
}

// Count returns the current number of active connections.
func (r *Registry) Count() int {
	r.mu.RLock()
	n := len(r.byID)
	r.mu.RUnlock()
	return n
}

// All returns a snapshot of all current connections. The returned slice is
// safe to iterate without holding the lock.
func (r *Registry) All() []*Conn {
	r.mu.RLock()
	conns := make([]*Conn, 0, len(r.byID))
	for _, c := range r.byID {
		conns = append(conns, c)
	}
	r.mu.RUnlock()
	return conns
}
