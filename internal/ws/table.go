package ws

import "sync"

// connTable is the server's thread-safe registry of transport-level
// connections keyed by connection id, used by the heartbeat monitor and by
// graceful shutdown. Presence bookkeeping lives in the realtime registry;
// this table only tracks sockets.
type connTable struct {
	mu   sync.RWMutex
	byID map[string]*Conn
}

func newConnTable() *connTable {
	return &connTable{byID: make(map[string]*Conn)}
}

// Add registers a connection.
func (t *connTable) Add(c *Conn) {
	t.mu.Lock()
	t.byID[c.ID] = c
	t.mu.Unlock()
}

// Remove drops a connection by id. Returns true if it was present, so
// racing removals (read error vs. heartbeat eviction) clean up only once.
func (t *connTable) Remove(id string) bool {
	t.mu.Lock()
	_, ok := t.byID[id]
	if ok {
		delete(t.byID, id)
	}
	t.mu.Unlock()
	return ok
}

// Get returns the connection for the given id, or nil.
func (t *connTable) Get(id string) *Conn {
	t.mu.RLock()
	c := t.byID[id]
	t.mu.RUnlock()
	return c
}

// All returns a snapshot of current connections, safe to iterate without
// the lock.
func (t *connTable) All() []*Conn {
	t.mu.RLock()
	conns := make([]*Conn, 0, len(t.byID))
	for _, c := range t.byID {
		conns = append(conns, c)
	}
	t.mu.RUnlock()
	return conns
}

// Count returns the number of live connections.
func (t *connTable) Count() int {
	t.mu.RLock()
	n := len(t.byID)
	t.mu.RUnlock()
	return n
}
