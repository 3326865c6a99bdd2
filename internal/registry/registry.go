// Package registry holds the process-wide map between user identities
// and their live WebSocket connections. It is the single shared
// resource of the signaling core: all other components resolve
// delivery targets through it and never mutate it directly.
package registry

import (
	"sync"

	"github.com/google/uuid"
)

// Registry is an in-memory bidirectional user<->connection map.
// At most one connection is registered per user; registering the same
// user from a new connection evicts the previous mapping
// (last-connect-wins). A fresh instance is constructor-injected into
// every component that needs it.
type Registry struct {
	mu         sync.RWMutex
	userToConn map[uuid.UUID]string
	connToUser map[string]uuid.UUID
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{
		userToConn: make(map[uuid.UUID]string),
		connToUser: make(map[string]uuid.UUID),
	}
}

// Register maps userID to connID, evicting any previous connection for
// the same user. It returns the evicted connection ID, if any, so the
// caller can close the stale socket. Idempotent for the same pair.
func (r *Registry) Register(userID uuid.UUID, connID string) (evicted string, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if prev, exists := r.userToConn[userID]; exists && prev != connID {
		delete(r.connToUser, prev)
		evicted, ok = prev, true
	}
	r.userToConn[userID] = connID
	r.connToUser[connID] = userID
	return evicted, ok
}

// Unregister removes the mapping for connID and returns the freed
// user ID, or false if the connection was never registered. A stale
// connection that has already been evicted by a newer Register is
// unknown here, so its disconnect does not unregister the new one.
func (r *Registry) Unregister(connID string) (uuid.UUID, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	userID, exists := r.connToUser[connID]
	if !exists {
		return uuid.Nil, false
	}
	delete(r.connToUser, connID)
	if r.userToConn[userID] == connID {
		delete(r.userToConn, userID)
	}
	return userID, true
}

// Lookup returns the live connection ID for userID.
func (r *Registry) Lookup(userID uuid.UUID) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	connID, exists := r.userToConn[userID]
	return connID, exists
}

// UserFor returns the user registered on connID.
func (r *Registry) UserFor(connID string) (uuid.UUID, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	userID, exists := r.connToUser[connID]
	return userID, exists
}

// IsOnline reports whether userID has a registered connection.
func (r *Registry) IsOnline(userID uuid.UUID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, exists := r.userToConn[userID]
	return exists
}

// ListOnline returns the IDs of all registered users.
func (r *Registry) ListOnline() []uuid.UUID {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]uuid.UUID, 0, len(r.userToConn))
	for id := range r.userToConn {
		ids = append(ids, id)
	}
	return ids
}

// IntersectOnline returns the subset of candidateIDs currently
// registered, preserving input order.
func (r *Registry) IntersectOnline(candidateIDs []uuid.UUID) []uuid.UUID {
	r.mu.RLock()
	defer r.mu.RUnlock()

	online := make([]uuid.UUID, 0, len(candidateIDs))
	for _, id := range candidateIDs {
		if _, exists := r.userToConn[id]; exists {
			online = append(online, id)
		}
	}
	return online
}

// Count returns the number of registered users.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.userToConn)
}
