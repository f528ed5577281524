// Package signer provides the Ed25519 key-provider abstraction used to sign and
// verify anchor envelopes. Key material is provisioned by the caller.
package signer

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"
	"sort"
	"sync"
)

// Algorithm is the JOSE algorithm name for Ed25519 signatures.
const Algorithm = "EdDSA"

// ErrUnknownKey is returned when no key is known for a key id.
var ErrUnknownKey = errors.New("unknown key id")

// Signer produces Ed25519 signatures for a key id.
type Signer interface {
	Sign(ctx context.Context, keyID string, data []byte) ([]byte, error)
}

// KeyResolver resolves the public key for a key id.
type KeyResolver interface {
	PublicKey(ctx context.Context, keyID string) (ed25519.PublicKey, error)
}

// LocalSigner holds Ed25519 private keys in process memory, indexed by key id.
// It implements both Signer and KeyResolver.
type LocalSigner struct {
	mu   sync.RWMutex
	keys map[string]ed25519.PrivateKey
}

// NewLocalSigner returns an empty LocalSigner.
func NewLocalSigner() *LocalSigner {
	return &LocalSigner{keys: make(map[string]ed25519.PrivateKey)}
}

// NewEphemeralSigner creates a LocalSigner with a freshly generated key for
// keyID. Intended for tests and local development.
func NewEphemeralSigner(keyID string) *LocalSigner {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		// Generation should not fail in normal environments; panic to surface early.
		panic(err)
	}
	s := NewLocalSigner()
	s.Add(keyID, priv)
	return s
}

// Add registers (or replaces) the private key for keyID.
func (s *LocalSigner) Add(keyID string, priv ed25519.PrivateKey) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keys[keyID] = priv
}

// Sign implements Signer.
func (s *LocalSigner) Sign(ctx context.Context, keyID string, data []byte) ([]byte, error) {
	s.mu.RLock()
	priv, ok := s.keys[keyID]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("local signer %q: %w", keyID, ErrUnknownKey)
	}
	return ed25519.Sign(priv, data), nil
}

// PublicKey implements KeyResolver.
func (s *LocalSigner) PublicKey(ctx context.Context, keyID string) (ed25519.PublicKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	priv, ok := s.keys[keyID]
	if !ok {
		return nil, fmt.Errorf("local signer %q: %w", keyID, ErrUnknownKey)
	}
	return priv.Public().(ed25519.PublicKey), nil
}

// KeyIDs returns the registered key ids in sorted order.
func (s *LocalSigner) KeyIDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.keys))
	for k := range s.keys {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
