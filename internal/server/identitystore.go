package server

import (
	"sync"

	"github.com/fleetctl/controlplane/internal/models"
)

// IdentityStore maps a live connection id to the Identity it authenticated
// with, the seam TokenRefresher needs to re-sign a token without access to
// the pool or codec. Constructed once and shared between a Server and the
// tokenmanager.Refresher it is paired with, since the Manager is built
// before the Server that will populate the store.
type IdentityStore struct {
	mu sync.Mutex
	m  map[string]models.Identity
}

// NewIdentityStore constructs an empty store.
func NewIdentityStore() *IdentityStore {
	return &IdentityStore{m: make(map[string]models.Identity)}
}

// Remember records connID's identity, overwriting any prior entry.
func (s *IdentityStore) Remember(connID string, identity models.Identity) {
	s.mu.Lock()
	s.m[connID] = identity
	s.mu.Unlock()
}

// Forget drops connID's identity, called when the connection closes.
func (s *IdentityStore) Forget(connID string) {
	s.mu.Lock()
	delete(s.m, connID)
	s.mu.Unlock()
}

// Get looks up connID's identity.
func (s *IdentityStore) Get(connID string) (models.Identity, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.m[connID]
	return id, ok
}
