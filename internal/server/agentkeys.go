package server

import (
	"sync"

	"github.com/fleetctl/controlplane/internal/auth"
)

// agentKeyStore holds the bcrypt hash of each agent's pre-shared API key,
// the supplemented authentication path for long-running unattended agents
// that cannot do an interactive OAuth/JWT dance (SPEC_FULL.md §10.1).
// Grounded on auth/agent_apikey.go's GenerateAPIKeyWithMetadata/CompareAPIKey.
type agentKeyStore struct {
	mu     sync.RWMutex
	hashes map[string]string // agentID -> bcrypt hash
}

func newAgentKeyStore() *agentKeyStore {
	return &agentKeyStore{hashes: make(map[string]string)}
}

// Register issues and stores a new API key for agentID, returning the
// plaintext key to hand to the agent operator exactly once.
func (s *agentKeyStore) Register(agentID string) (string, error) {
	meta, err := auth.GenerateAPIKeyWithMetadata()
	if err != nil {
		return "", err
	}
	s.mu.Lock()
	s.hashes[agentID] = meta.Hash
	s.mu.Unlock()
	return meta.PlaintextKey, nil
}

// Verify reports whether key is the registered API key for agentID.
func (s *agentKeyStore) Verify(agentID, key string) bool {
	if auth.ValidateAPIKeyFormat(key) != nil {
		return false
	}
	s.mu.RLock()
	hash, ok := s.hashes[agentID]
	s.mu.RUnlock()
	if !ok {
		return false
	}
	return auth.CompareAPIKey(key, hash)
}
