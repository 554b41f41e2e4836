// Package auth provides authentication and authorization utilities.
// This file implements pre-shared API key authentication for fleet agents —
// the fallback credential an agent presents in the token field of its
// AGENT_CONNECT frame when it has no JWT, stored only as a bcrypt hash at
// rest.
//
// Agents authenticate with a static key rather than a JWT because:
//   - an agent has no human operator behind it to run an interactive login
//   - it's a long-lived service credential, provisioned once at enrollment
//   - verifying it costs one bcrypt compare, no token issuer round trip
//
// Key shape: 32 bytes from crypto/rand, hex-encoded to 64 characters. Only
// the bcrypt hash (cost 12) is persisted; the plaintext is handed to the
// agent once at enrollment/rotation time and never stored again.
package auth

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	"golang.org/x/crypto/bcrypt"
)

const (
	// agentKeyBytes is the size of a generated agent key before hex encoding.
	agentKeyBytes = 32

	// agentKeyBcryptCost trades hash latency (~250ms at cost 12) for
	// resistance to offline cracking of a leaked hash table.
	agentKeyBcryptCost = 12
)

// newAgentKeySecret draws a fresh cryptographically random agent key,
// returned as a 64-character hex string.
func newAgentKeySecret() (string, error) {
	raw := make([]byte, agentKeyBytes)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("generate agent key: %w", err)
	}
	return hex.EncodeToString(raw), nil
}

// hashAgentKeySecret bcrypt-hashes a plaintext agent key for storage.
func hashAgentKeySecret(key string) (string, error) {
	hashed, err := bcrypt.GenerateFromPassword([]byte(key), agentKeyBcryptCost)
	if err != nil {
		return "", fmt.Errorf("hash agent key: %w", err)
	}
	return string(hashed), nil
}

// CompareAPIKey reports whether a plaintext agent key matches a stored
// bcrypt hash.
func CompareAPIKey(key, hash string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(key)) == nil
}

// APIKeyMetadata bundles a newly minted agent key with the hash that should
// be persisted and the issuance time recorded alongside it. The plaintext
// field is only ever populated at mint time — callers must surface it to
// the operator once and then drop it; nothing reads it back afterward.
type APIKeyMetadata struct {
	PlaintextKey string
	Hash         string
	CreatedAt    time.Time
}

// GenerateAPIKeyWithMetadata mints a new agent API key and its bcrypt hash
// in one step, for an agent's initial enrollment or a key rotation.
func GenerateAPIKeyWithMetadata() (*APIKeyMetadata, error) {
	key, err := newAgentKeySecret()
	if err != nil {
		return nil, err
	}

	hash, err := hashAgentKeySecret(key)
	if err != nil {
		return nil, err
	}

	return &APIKeyMetadata{
		PlaintextKey: key,
		Hash:         hash,
		CreatedAt:    time.Now(),
	}, nil
}

// ValidateAPIKeyFormat rejects anything that isn't exactly 64 hex
// characters before it reaches a bcrypt compare — cheap, and keeps
// malformed headers out of the more expensive path.
func ValidateAPIKeyFormat(key string) error {
	const wantLen = agentKeyBytes * 2
	if len(key) != wantLen {
		return fmt.Errorf("agent API key must be %d characters (got %d)", wantLen, len(key))
	}
	if _, err := hex.DecodeString(key); err != nil {
		return fmt.Errorf("agent API key must be hexadecimal")
	}
	return nil
}
