package relay

import (
	"sort"
	"sync"
)

// Registry maps public keys to live sessions. A key has a single
// owner; installing a new session for a key evicts the prior one.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]Session
}

func NewRegistry() *Registry {
	return &Registry{
		sessions: make(map[string]Session),
	}
}

// Add installs the session for its public key and returns the evicted
// prior session, if any. The caller closes the evicted session.
func (r *Registry) Add(s Session) Session {
	r.mu.Lock()
	prior := r.sessions[s.PublicKey()]
	r.sessions[s.PublicKey()] = s
	r.mu.Unlock()
	return prior
}

// Remove deletes the registry entry only if sessionID still owns the
// key. An evicted session's teardown arrives after its replacement
// registered; the ownership check keeps it from unseating the new one.
func (r *Registry) Remove(publicKey, sessionID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[publicKey]
	if !ok || s.ID() != sessionID {
		return false
	}
	delete(r.sessions, publicKey)
	return true
}

func (r *Registry) Get(publicKey string) (Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[publicKey]
	return s, ok
}

// All returns a snapshot of every registered session.
func (r *Registry) All() []Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	result := make([]Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		result = append(result, s)
	}
	return result
}

// Keys returns the registered public keys, sorted.
func (r *Registry) Keys() []string {
	r.mu.RLock()
	keys := make([]string, 0, len(r.sessions))
	for k := range r.sessions {
		keys = append(keys, k)
	}
	r.mu.RUnlock()
	sort.Strings(keys)
	return keys
}

func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// CloseAll closes every session. Used at shutdown.
func (r *Registry) CloseAll(reason string) {
	for _, s := range r.All() {
		s.Close(reason)
	}
}
