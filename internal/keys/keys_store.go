package keys

import (
	"context"
	"crypto/ed25519"
	"database/sql"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/ILLUVRSE/anchor/internal/signer"
)

// ErrKeyConflict is returned when a key id is already bound to a different key.
var ErrKeyConflict = errors.New("key id already registered with a different public key")

// Store is a Postgres-backed registry of anchor signing public keys.
// Keys are insert-only: a key id can never be rebound to another key.
type Store struct {
	db *sql.DB
}

// NewStore returns a Store. Call EnsureSchema to create the table.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// EnsureSchema creates the anchor_signers table if needed.
func (s *Store) EnsureSchema(ctx context.Context) error {
	const q = `
CREATE TABLE IF NOT EXISTS anchor_signers (
  key_id text PRIMARY KEY,
  algorithm text NOT NULL,
  public_key text NOT NULL,
  created_at timestamptz NOT NULL DEFAULT now()
);
`
	_, err := s.db.ExecContext(ctx, q)
	return err
}

// Register records pub under keyID. Registering the same key twice is a
// no-op; registering a different key under an existing id fails.
func (s *Store) Register(ctx context.Context, keyID string, pub ed25519.PublicKey) error {
	pubB64 := base64.StdEncoding.EncodeToString(pub)
	const q = `
INSERT INTO anchor_signers (key_id, algorithm, public_key, created_at)
VALUES ($1, $2, $3, now())
ON CONFLICT (key_id) DO NOTHING
`
	if _, err := s.db.ExecContext(ctx, q, keyID, signer.Algorithm, pubB64); err != nil {
		return fmt.Errorf("insert signer: %w", err)
	}
	existing, err := s.PublicKey(ctx, keyID)
	if err != nil {
		return err
	}
	if !existing.Equal(pub) {
		return fmt.Errorf("register %q: %w", keyID, ErrKeyConflict)
	}
	return nil
}

// PublicKey implements signer.KeyResolver.
func (s *Store) PublicKey(ctx context.Context, keyID string) (ed25519.PublicKey, error) {
	const q = `SELECT public_key FROM anchor_signers WHERE key_id=$1`
	var pubB64 string
	if err := s.db.QueryRowContext(ctx, q, keyID).Scan(&pubB64); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("store %q: %w", keyID, signer.ErrUnknownKey)
		}
		return nil, fmt.Errorf("query signer: %w", err)
	}
	return decodePublicKey(pubB64)
}

// List returns all registered keys ordered by key id.
func (s *Store) List(ctx context.Context) ([]KeyInfo, error) {
	const q = `SELECT key_id, algorithm, public_key, created_at FROM anchor_signers ORDER BY key_id`
	rows, err := s.db.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("query signers: %w", err)
	}
	defer rows.Close()

	out := make([]KeyInfo, 0)
	for rows.Next() {
		var (
			id, alg, pubB64 string
			createdAt       time.Time
		)
		if err := rows.Scan(&id, &alg, &pubB64, &createdAt); err != nil {
			return nil, fmt.Errorf("scan signer row: %w", err)
		}
		pub, err := decodePublicKey(pubB64)
		if err != nil {
			return nil, fmt.Errorf("signer %s: %w", id, err)
		}
		out = append(out, KeyInfo{KeyID: id, Algorithm: alg, PublicKey: pub, CreatedAt: createdAt})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}
	return out, nil
}

// JWKS renders every stored key as a public JWK set.
func (s *Store) JWKS(ctx context.Context) (Document, error) {
	infos, err := s.List(ctx)
	if err != nil {
		return Document{}, err
	}
	return documentOf(infos), nil
}

func decodePublicKey(b64 string) (ed25519.PublicKey, error) {
	b, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return nil, fmt.Errorf("decode public key: %w", err)
	}
	if len(b) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("invalid public key length %d", len(b))
	}
	return ed25519.PublicKey(b), nil
}
