// Package keys distributes and resolves the public keys that verify anchors.
package keys

import (
	"context"
	"crypto/ed25519"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ILLUVRSE/anchor/internal/signer"
)

// KeyInfo is the public metadata exposed for a signing key.
type KeyInfo struct {
	KeyID     string            `json:"kid"`
	Algorithm string            `json:"algorithm"`
	PublicKey ed25519.PublicKey `json:"-"`
	CreatedAt time.Time         `json:"createdAt"`
}

// Document is a JSON Web Key Set.
type Document struct {
	Keys []signer.JWK `json:"keys"`
}

// Registry is a small in-memory registry of anchor public keys.
// It is safe for concurrent access and implements signer.KeyResolver.
type Registry struct {
	mtx  sync.RWMutex
	keys map[string]KeyInfo
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{keys: make(map[string]KeyInfo)}
}

// Add registers a public key. If keyID already exists, it is overwritten.
func (r *Registry) Add(keyID string, pub ed25519.PublicKey) {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	r.keys[keyID] = KeyInfo{
		KeyID:     keyID,
		Algorithm: signer.Algorithm,
		PublicKey: pub,
		CreatedAt: time.Now().UTC(),
	}
}

// PublicKey implements signer.KeyResolver.
func (r *Registry) PublicKey(ctx context.Context, keyID string) (ed25519.PublicKey, error) {
	r.mtx.RLock()
	defer r.mtx.RUnlock()
	ki, ok := r.keys[keyID]
	if !ok {
		return nil, fmt.Errorf("registry %q: %w", keyID, signer.ErrUnknownKey)
	}
	return ki.PublicKey, nil
}

// List returns all keys ordered by key id.
func (r *Registry) List() []KeyInfo {
	r.mtx.RLock()
	defer r.mtx.RUnlock()
	out := make([]KeyInfo, 0, len(r.keys))
	for _, v := range r.keys {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].KeyID < out[j].KeyID })
	return out
}

// JWKS renders the registry as a public JWK set.
func (r *Registry) JWKS(ctx context.Context) (Document, error) {
	return documentOf(r.List()), nil
}

func documentOf(infos []KeyInfo) Document {
	doc := Document{Keys: make([]signer.JWK, 0, len(infos))}
	for _, ki := range infos {
		doc.Keys = append(doc.Keys, signer.PublicJWK(ki.KeyID, ki.PublicKey))
	}
	return doc
}

// AddJWK registers the public part of a JWK. kid is taken from the JWK unless
// it is empty, in which case fallbackID is used.
func (r *Registry) AddJWK(j signer.JWK, fallbackID string) (string, error) {
	pub, err := j.PublicKey()
	if err != nil {
		return "", err
	}
	kid := j.Kid
	if kid == "" {
		kid = fallbackID
	}
	if kid == "" {
		return "", fmt.Errorf("jwk has no kid")
	}
	r.Add(kid, pub)
	return kid, nil
}

// LoadJWKS parses a JWK set (or a single JWK) and registers every OKP key.
// It returns the number of keys added.
func (r *Registry) LoadJWKS(data []byte, fallbackID string) (int, error) {
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return 0, fmt.Errorf("parse jwks: %w", err)
	}
	if doc.Keys == nil {
		j, err := signer.ParseJWK(data)
		if err != nil {
			return 0, err
		}
		doc.Keys = []signer.JWK{j}
	}
	n := 0
	for _, j := range doc.Keys {
		if _, err := r.AddJWK(j, fallbackID); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}
