package fanout

import (
	"sync"
)

const sendQueueSize = 64

// Conn is one client connection's instance-local state. The send channel is
// bounded; a full queue means the client cannot keep up and the connection
// is torn down rather than buffered without limit.
type Conn struct {
	ID     string
	UserID string

	mu     sync.Mutex
	scopes map[string]bool
	closed bool

	send chan ServerMessage
	done chan struct{}
}

func NewConn(id, userID string) *Conn {
	return &Conn{
		ID:     id,
		UserID: userID,
		scopes: make(map[string]bool),
		send:   make(chan ServerMessage, sendQueueSize),
		done:   make(chan struct{}),
	}
}

// Subscribe replaces the connection's scopes.
func (c *Conn) Subscribe(scopes []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.scopes = make(map[string]bool, len(scopes))
	for _, scope := range scopes {
		c.scopes[scope] = true
	}
}

func (c *Conn) Unsubscribe() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.scopes = make(map[string]bool)
}

// Subscribed reports whether any scope is active. Connections receive
// pushes only after an explicit subscribe.
func (c *Conn) Subscribed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.scopes) > 0
}

func (c *Conn) HasScope(scope string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.scopes[scope]
}

// TrySend queues a message without blocking. False means the queue is full
// or the connection is closed.
func (c *Conn) TrySend(msg ServerMessage) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- msg:
		return true
	default:
		return false
	}
}

// Outbox is drained by the connection's write pump.
func (c *Conn) Outbox() <-chan ServerMessage {
	return c.send
}

// Close releases the connection. Safe to call more than once.
func (c *Conn) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.done)
}

func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// Registry is the instance-local arena of live connections, indexed by
// connection ID and by user for fan-out. Never shared across instances.
type Registry struct {
	mu     sync.RWMutex
	conns  map[string]*Conn
	byUser map[string]map[string]*Conn
}

func NewRegistry() *Registry {
	return &Registry{
		conns:  make(map[string]*Conn),
		byUser: make(map[string]map[string]*Conn),
	}
}

func (r *Registry) Add(c *Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conns[c.ID] = c
	if r.byUser[c.UserID] == nil {
		r.byUser[c.UserID] = make(map[string]*Conn)
	}
	r.byUser[c.UserID][c.ID] = c
}

func (r *Registry) Remove(connID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.conns[connID]
	if !ok {
		return
	}
	delete(r.conns, connID)
	if userConns := r.byUser[c.UserID]; userConns != nil {
		delete(userConns, connID)
		if len(userConns) == 0 {
			delete(r.byUser, c.UserID)
		}
	}
}

// ForUser snapshots the user's live connections.
func (r *Registry) ForUser(userID string) []*Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	userConns := r.byUser[userID]
	out := make([]*Conn, 0, len(userConns))
	for _, c := range userConns {
		out = append(out, c)
	}
	return out
}

func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}
