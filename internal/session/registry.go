package session

import "sync"

// Registry maps connection IDs to the sessions owned by this process.
type Registry struct {
	mu    sync.RWMutex
	conns map[string]*Session
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{conns: make(map[string]*Session)}
}

// Add registers s under its connection ID, replacing any previous record.
func (r *Registry) Add(s *Session) {
	r.mu.Lock()
	r.conns[s.ConnID] = s
	r.mu.Unlock()
}

// Get returns the session for connID, or nil.
func (r *Registry) Get(connID string) *Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.conns[connID]
}

// Remove unregisters connID and returns the removed session, or nil.
func (r *Registry) Remove(connID string) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.conns[connID]
	delete(r.conns, connID)
	return s
}

// Len returns the number of registered sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}
