package mcp

import "sync"

// SessionRegistry maps run owner IDs to MCP session IDs.
// Filled in when a client calls a tool that names an owner.
type SessionRegistry struct {
	mu       sync.RWMutex
	sessions map[string]string // ownerID → sessionID
}

// NewSessionRegistry creates a new empty SessionRegistry.
func NewSessionRegistry() *SessionRegistry {
	return &SessionRegistry{sessions: make(map[string]string)}
}

// Register associates an owner with a session. A later session for the same
// owner replaces the earlier one.
func (r *SessionRegistry) Register(ownerID, sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[ownerID] = sessionID
}

// SessionFor returns the session ID for the given owner, if connected.
func (r *SessionRegistry) SessionFor(ownerID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sid, ok := r.sessions[ownerID]
	return sid, ok
}

// Remove deletes every owner mapping for the given session ID.
func (r *SessionRegistry) Remove(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for oid, sid := range r.sessions {
		if sid == sessionID {
			delete(r.sessions, oid)
		}
	}
}

// Len returns the number of connected owners.
func (r *SessionRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}
