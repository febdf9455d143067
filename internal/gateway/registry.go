// Package gateway pushes committed message events to connected users over
// WebSocket. Each user has at most one live connection per gateway instance;
// users absent from the local registry are simply not served here.
package gateway

import "sync"

// Registry maps user IDs to their live connection. A reconnect wins: the
// previous connection is closed and replaced.
type Registry struct {
	mu    sync.RWMutex
	conns map[string]*Client
}

func NewRegistry() *Registry {
	return &Registry{conns: make(map[string]*Client)}
}

// Add registers conn as the user's connection, closing any previous one.
func (r *Registry) Add(userID string, c *Client) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if old, ok := r.conns[userID]; ok {
		old.Close()
	}
	r.conns[userID] = c
}

// Remove drops the user's connection only if it is still c, so a pump
// shutting down late cannot evict the replacement that already took over.
// A nil c removes unconditionally.
func (r *Registry) Remove(userID string, c *Client) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, ok := r.conns[userID]
	if !ok {
		return
	}
	if c != nil && cur != c {
		return
	}
	cur.Close()
	delete(r.conns, userID)
}

func (r *Registry) Get(userID string) (*Client, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.conns[userID]
	return c, ok
}

// Count reports live connections on this instance.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// CloseAll tears down every connection, used on shutdown.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, c := range r.conns {
		c.Close()
		delete(r.conns, id)
	}
}
