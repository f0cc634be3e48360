// Package registry keeps the process-wide table of live, authenticated
// sessions and their room memberships.
package registry

import (
	"errors"
	"sort"
	"sync"

	"github.com/lobbyrelay/lobbyrelay/internal/relay"
)

// Registry maps session ids to sessions and room names to member sets. One
// mutex guards both maps so register/join/leave/deregister are single atomic
// updates: a session id in a room set is always present in the id map too.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]relay.Target
	rooms    map[string]map[string]struct{}
	joined   map[string]map[string]struct{}
}

var _ relay.Lookup = (*Registry)(nil)

// New creates an empty registry.
func New() *Registry {
	return &Registry{
		sessions: make(map[string]relay.Target),
		rooms:    make(map[string]map[string]struct{}),
		joined:   make(map[string]map[string]struct{}),
	}
}

// Register adds an authenticated session. Double registration of the same id
// is refused so a stale lifecycle can never displace a live session.
func (r *Registry) Register(sess relay.Target) error {
	if sess == nil || sess.SessionID() == "" {
		return errors.New("session id is required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	id := sess.SessionID()
	if _, exists := r.sessions[id]; exists {
		return errors.New("session already registered")
	}
	r.sessions[id] = sess
	r.joined[id] = make(map[string]struct{})
	return nil
}

// Join adds the session to a room. Unknown session ids are a silent no-op;
// the caller may have raced with a close.
func (r *Registry) Join(sessionID, room string) bool {
	if room == "" {
		return false
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.sessions[sessionID]; !ok {
		return false
	}
	members, ok := r.rooms[room]
	if !ok {
		members = make(map[string]struct{})
		r.rooms[room] = members
	}
	members[sessionID] = struct{}{}
	r.joined[sessionID][room] = struct{}{}
	return true
}

// Leave removes the session from a room. Unknown ids no-op.
func (r *Registry) Leave(sessionID, room string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.sessions[sessionID]; !ok {
		return false
	}
	r.leaveLocked(sessionID, room)
	return true
}

func (r *Registry) leaveLocked(sessionID, room string) {
	if members, ok := r.rooms[room]; ok {
		delete(members, sessionID)
		if len(members) == 0 {
			delete(r.rooms, room)
		}
	}
	if rooms, ok := r.joined[sessionID]; ok {
		delete(rooms, room)
	}
}

// Deregister removes the session from the id map and from every room set in
// one atomic update. Safe to call for ids that were never registered.
func (r *Registry) Deregister(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for room := range r.joined[sessionID] {
		if members, ok := r.rooms[room]; ok {
			delete(members, sessionID)
			if len(members) == 0 {
				delete(r.rooms, room)
			}
		}
	}
	delete(r.joined, sessionID)
	delete(r.sessions, sessionID)
}

// SessionsIn returns a snapshot of the sessions currently joined to a room.
func (r *Registry) SessionsIn(room string) []relay.Target {
	r.mu.RLock()
	defer r.mu.RUnlock()

	members, ok := r.rooms[room]
	if !ok {
		return nil
	}
	out := make([]relay.Target, 0, len(members))
	for id := range members {
		if sess, ok := r.sessions[id]; ok {
			out = append(out, sess)
		}
	}
	return out
}

// InRoom reports whether the session is currently joined to the room.
func (r *Registry) InRoom(sessionID, room string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rooms, ok := r.joined[sessionID]
	if !ok {
		return false
	}
	_, ok = rooms[room]
	return ok
}

// Rooms enumerates rooms with at least one member.
func (r *Registry) Rooms() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.rooms))
	for room := range r.rooms {
		out = append(out, room)
	}
	sort.Strings(out)
	return out
}

// Len reports the number of registered sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}
