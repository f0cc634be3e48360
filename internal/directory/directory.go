// Package directory resolves user ids to display identities against the
// external user store. The engine only consumes this lookup; account
// management lives elsewhere.
package directory

import (
	"context"
	"errors"
	"sync"
)

// ErrNotFound reports an unknown user id.
var ErrNotFound = errors.New("user not found")

// Profile is the display identity bound to a verified user id.
type Profile struct {
	UserID      string `bson:"_id"`
	DisplayName string `bson:"display_name"`
}

// Directory looks up display identities. Implementations must be safe for
// concurrent use.
type Directory interface {
	Resolve(ctx context.Context, userID string) (Profile, error)
}

// Static is a fixed in-memory directory for dev and tests.
type Static struct {
	mu       sync.RWMutex
	profiles map[string]Profile
}

var _ Directory = (*Static)(nil)

// NewStatic seeds a directory from a display-name map.
func NewStatic(names map[string]string) *Static {
	profiles := make(map[string]Profile, len(names))
	for id, name := range names {
		profiles[id] = Profile{UserID: id, DisplayName: name}
	}
	return &Static{profiles: profiles}
}

// Resolve returns the stored profile or ErrNotFound.
func (s *Static) Resolve(_ context.Context, userID string) (Profile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.profiles[userID]
	if !ok {
		return Profile{}, ErrNotFound
	}
	return p, nil
}

// Put adds or replaces a profile.
func (s *Static) Put(p Profile) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.profiles[p.UserID] = p
}
