// Package jws signs and verifies anchor payloads as compact EdDSA JWS tokens.
// The protected header carries alg=EdDSA, typ=JWT and the signing key id.
package jws

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v5"

	"github.com/ILLUVRSE/anchor/internal/signer"
)

// Payload is the signed anchor statement.
type Payload struct {
	TreeVersion string  `json:"tv"`
	Root        string  `json:"root"`
	PrevRoot    *string `json:"prev_root"`
	SnapshotAt  string  `json:"snapshot_at"`
	NodeCount   int     `json:"node_count"`
	KeyID       string  `json:"kid"`

	jwt.RegisteredClaims
}

// InvalidError reports a token whose signature or envelope does not verify.
// It is a verification finding, not an infrastructure failure.
type InvalidError struct {
	KeyID string
	Err   error
}

func (e *InvalidError) Error() string {
	return fmt.Sprintf("jws invalid (kid=%q): %v", e.KeyID, e.Err)
}

func (e *InvalidError) Unwrap() error { return e.Err }

// Sign builds the compact JWS for p using keyID. p.KeyID is set to keyID.
func Sign(ctx context.Context, s signer.Signer, keyID string, p Payload) (string, error) {
	if keyID == "" {
		return "", errors.New("jws: key id required")
	}
	p.KeyID = keyID
	token := jwt.NewWithClaims(jwt.SigningMethodEdDSA, &p)
	token.Header["kid"] = keyID

	signingString, err := token.SigningString()
	if err != nil {
		return "", fmt.Errorf("jws: build signing input: %w", err)
	}
	sig, err := s.Sign(ctx, keyID, []byte(signingString))
	if err != nil {
		return "", err
	}
	return signingString + "." + base64.RawURLEncoding.EncodeToString(sig), nil
}

// Verify checks the token signature against the key resolved for its kid
// header and returns the decoded payload. Bad signatures, unknown keys and
// malformed tokens are returned as *InvalidError; any other error comes from
// the resolver and means the key could not be looked up at all.
func Verify(ctx context.Context, r signer.KeyResolver, compact string) (*Payload, error) {
	var (
		kid        string
		resolveErr error
	)
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodEdDSA.Alg()}),
		jwt.WithoutClaimsValidation(),
	)
	claims := &Payload{}
	_, err := parser.ParseWithClaims(compact, claims, func(t *jwt.Token) (interface{}, error) {
		kid, _ = t.Header["kid"].(string)
		if kid == "" {
			return nil, errors.New("missing kid header")
		}
		pub, err := r.PublicKey(ctx, kid)
		if err != nil {
			if !errors.Is(err, signer.ErrUnknownKey) {
				resolveErr = err
			}
			return nil, err
		}
		return pub, nil
	})
	if resolveErr != nil {
		return nil, fmt.Errorf("resolve key %q: %w", kid, resolveErr)
	}
	if err != nil {
		return nil, &InvalidError{KeyID: kid, Err: err}
	}
	if claims.KeyID != kid {
		return nil, &InvalidError{KeyID: kid, Err: fmt.Errorf("payload kid %q does not match header", claims.KeyID)}
	}
	return claims, nil
}
