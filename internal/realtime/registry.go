// Package realtime implements the in-memory connection and presence core:
// the session registry, room membership index, typing tracker, and the event
// dispatcher that fans events out to live connections. All state here is
// process-lifetime-scoped; a restart drops it by design and clients re-join
// their rooms after reconnecting.
package realtime

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Sink is the write side of one live client connection. Implementations must
// be safe for concurrent Send calls and must bound how long a Send can block;
// a Send that cannot complete is reported as an error, never waited out.
type Sink interface {
	Send(data []byte) error
	Close() error
}

// Conn is the server-side handle for one open real-time channel to one
// client device or tab. It is created and owned by the Registry.
type Conn struct {
	ID        string
	UserID    string
	CreatedAt time.Time
	sink      Sink
}

// Send writes data to the underlying connection.
func (c *Conn) Send(data []byte) error { return c.sink.Send(data) }

// Close closes the underlying connection.
func (c *Conn) Close() error { return c.sink.Close() }

// Registry maps a user id to the set of connections that user currently has
// open. A user is online iff their set is non-empty. All mutations are
// guarded by a single mutex and never block on network I/O.
type Registry struct {
	mu       sync.Mutex
	byUser   map[string]map[string]*Conn // user_id -> conn_id -> Conn
	lastSeen map[string]time.Time        // user_id -> last presence transition
	now      func() time.Time
}

// NewRegistry creates an empty Registry ready for use.
func NewRegistry() *Registry {
	return &Registry{
		byUser:   make(map[string]map[string]*Conn),
		lastSeen: make(map[string]time.Time),
		now:      time.Now,
	}
}

// Register creates a connection handle for the given user and sink. The
// returned flag is true when the user's set transitioned from empty to
// non-empty, i.e. the user just came online.
func (r *Registry) Register(userID string, sink Sink) (*Conn, bool) {
	conn := &Conn{
		ID:        uuid.New().String(),
		UserID:    userID,
		CreatedAt: r.now(),
		sink:      sink,
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	conns, ok := r.byUser[userID]
	if !ok {
		conns = make(map[string]*Conn)
		r.byUser[userID] = conns
	}
	becameOnline := len(conns) == 0
	conns[conn.ID] = conn
	r.lastSeen[userID] = r.now()

	return conn, becameOnline
}

// Unregister removes the connection from the user's set. It is a no-op for
// unknown users or connection ids, so double-unregister is safe; removed
// reports whether a connection was actually dropped. When the user's set
// empties, the entry is removed, last-seen is recorded, and becameOffline
// reports that the user went offline.
func (r *Registry) Unregister(userID, connID string) (removed, becameOffline bool, lastSeen time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()

	conns, ok := r.byUser[userID]
	if !ok {
		return false, false, time.Time{}
	}
	if _, ok := conns[connID]; !ok {
		return false, false, time.Time{}
	}
	delete(conns, connID)
	if len(conns) > 0 {
		return true, false, time.Time{}
	}

	delete(r.byUser, userID)
	last := r.now()
	r.lastSeen[userID] = last
	return true, true, last
}

// IsOnline reports whether the user has at least one open connection.
func (r *Registry) IsOnline(userID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byUser[userID]) > 0
}

// LastSeen returns the user's last presence transition timestamp.
func (r *Registry) LastSeen(userID string) (time.Time, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ts, ok := r.lastSeen[userID]
	return ts, ok
}

// ConnectionsFor returns a snapshot of the user's open connections. The
// returned slice is safe to iterate without holding the registry lock.
func (r *Registry) ConnectionsFor(userID string) []*Conn {
	r.mu.Lock()
	defer r.mu.Unlock()

	conns := make([]*Conn, 0, len(r.byUser[userID]))
	for _, c := range r.byUser[userID] {
		conns = append(conns, c)
	}
	return conns
}

// OnlineCount returns the number of users with at least one open connection.
func (r *Registry) OnlineCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byUser)
}

// ConnCount returns the total number of open connections across all users.
func (r *Registry) ConnCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, conns := range r.byUser {
		n += len(conns)
	}
	return n
}
