package realtime

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Connection is a live client connection tracked by the registry. It is
// created on a successful handshake and destroyed on disconnect or idle
// timeout. UserID is empty for anonymous connections, which can receive
// channel broadcasts but not addressed notifications.
type Connection struct {
	ID          uuid.UUID
	UserID      string
	ConnectedAt time.Time

	writer *clientWriter
}

// Send queues data for delivery to the client without blocking. It
// returns false when the client's send buffer is full, which the caller
// treats as a slow client and evicts.
func (c *Connection) Send(data []byte) bool {
	return c.writer.send(data)
}

// LastActivity reports when the client last showed signs of life.
func (c *Connection) LastActivity() time.Time {
	return c.writer.lastActivityTime()
}

// ConnectionRegistry is the authoritative map from connection id to live
// connection. It is shared mutable state accessed from every connection
// handler goroutine and from publish call sites, so all access goes
// through the mutex. Fan-out work never happens under this lock.
type ConnectionRegistry struct {
	mu     sync.RWMutex
	conns  map[uuid.UUID]*Connection
	byUser map[string]map[uuid.UUID]struct{}
}

func NewConnectionRegistry() *ConnectionRegistry {
	return &ConnectionRegistry{
		conns:  make(map[uuid.UUID]*Connection),
		byUser: make(map[string]map[uuid.UUID]struct{}),
	}
}

// Register allocates an id for the connection, stores it, and returns
// the id.
func (r *ConnectionRegistry) Register(conn *Connection) uuid.UUID {
	id := uuid.New()
	conn.ID = id

	r.mu.Lock()
	defer r.mu.Unlock()

	r.conns[id] = conn
	if conn.UserID != "" {
		set, ok := r.byUser[conn.UserID]
		if !ok {
			set = make(map[uuid.UUID]struct{})
			r.byUser[conn.UserID] = set
		}
		set[id] = struct{}{}
	}
	return id
}

// Unregister removes the connection and stops its writer. Unregistering
// an unknown or already-removed id is a no-op.
func (r *ConnectionRegistry) Unregister(id uuid.UUID) {
	r.mu.Lock()
	conn, ok := r.conns[id]
	if ok {
		delete(r.conns, id)
		if conn.UserID != "" {
			set := r.byUser[conn.UserID]
			delete(set, id)
			if len(set) == 0 {
				delete(r.byUser, conn.UserID)
			}
		}
	}
	r.mu.Unlock()

	if ok && conn.writer != nil {
		conn.writer.stop()
	}
}

// Get resolves an id to a live connection.
func (r *ConnectionRegistry) Get(id uuid.UUID) (*Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conn, ok := r.conns[id]
	return conn, ok
}

// CountByUser returns how many live connections a user owns. A user on
// phone and tablet at once owns two.
func (r *ConnectionRegistry) CountByUser(userID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byUser[userID])
}

// ConnectionsByUser snapshots the user's live connections for addressed
// delivery.
func (r *ConnectionRegistry) ConnectionsByUser(userID string) []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := r.byUser[userID]
	conns := make([]*Connection, 0, len(ids))
	for id := range ids {
		conns = append(conns, r.conns[id])
	}
	return conns
}

// Count returns the number of live connections.
func (r *ConnectionRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}
