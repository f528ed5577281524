package keys

import (
	"context"
	"crypto/ed25519"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/ILLUVRSE/anchor/internal/signer"
)

// JWKSCache fetches and caches a remote JWKS document of Ed25519 keys. It
// refreshes when the TTL expires or on a cache miss and implements
// signer.KeyResolver for verifiers running outside the writer's trust boundary.
type JWKSCache struct {
	url string
	ttl time.Duration

	mu        sync.RWMutex
	keys      map[string]ed25519.PublicKey
	lastFetch time.Time
	lastErr   error
	client    *http.Client
}

// NewJWKSCache constructs a JWKSCache. No fetch happens until the first lookup
// or an explicit Refresh.
func NewJWKSCache(jwksURL string, ttl time.Duration) *JWKSCache {
	if ttl <= 0 {
		ttl = 300 * time.Second
	}
	return &JWKSCache{
		url:    jwksURL,
		ttl:    ttl,
		keys:   make(map[string]ed25519.PublicKey),
		client: &http.Client{Timeout: 5 * time.Second},
	}
}

// Refresh reloads the JWKS from the configured URL.
func (j *JWKSCache) Refresh(ctx context.Context) error {
	if j.url == "" {
		return errors.New("jwks url empty")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, j.url, nil)
	if err != nil {
		j.setLastError(err)
		return err
	}
	req.Header.Set("User-Agent", "ILLUVRSE-Anchor-JWKS/1.0")

	resp, err := j.client.Do(req)
	if err != nil {
		j.setLastError(err)
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		err := errors.New("jwks fetch returned status " + resp.Status)
		j.setLastError(err)
		return err
	}

	var doc Document
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		j.setLastError(err)
		return err
	}

	newKeys := make(map[string]ed25519.PublicKey)
	for _, k := range doc.Keys {
		if k.Kty != "OKP" || k.Crv != "Ed25519" {
			continue
		}
		if k.Kid == "" {
			continue
		}
		pub, err := k.PublicKey()
		if err != nil {
			log.Printf("[keys.jwks] skip kid=%s: %v", k.Kid, err)
			continue
		}
		newKeys[k.Kid] = pub
	}

	j.mu.Lock()
	j.keys = newKeys
	j.lastFetch = time.Now().UTC()
	j.lastErr = nil
	j.mu.Unlock()

	log.Printf("[keys.jwks] refreshed %d keys from %s (ttl=%s)", len(newKeys), j.url, j.ttl)
	return nil
}

// PublicKey implements signer.KeyResolver. A missing or expired entry triggers
// one synchronous refresh. A key absent after a successful refresh is reported
// as signer.ErrUnknownKey; fetch failures are returned as-is.
func (j *JWKSCache) PublicKey(ctx context.Context, keyID string) (ed25519.PublicKey, error) {
	j.mu.RLock()
	if time.Since(j.lastFetch) <= j.ttl {
		if k, ok := j.keys[keyID]; ok {
			j.mu.RUnlock()
			return k, nil
		}
	}
	j.mu.RUnlock()

	if err := j.Refresh(ctx); err != nil {
		return nil, fmt.Errorf("jwks refresh: %w", err)
	}

	j.mu.RLock()
	defer j.mu.RUnlock()
	if k, ok := j.keys[keyID]; ok {
		return k, nil
	}
	return nil, fmt.Errorf("jwks %q: %w", keyID, signer.ErrUnknownKey)
}

// LastFetch returns the last successful fetch time for diagnostics.
func (j *JWKSCache) LastFetch() time.Time {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.lastFetch
}

// LastError returns the last fetch error (if any).
func (j *JWKSCache) LastError() error {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.lastErr
}

func (j *JWKSCache) setLastError(err error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.lastErr = err
}
