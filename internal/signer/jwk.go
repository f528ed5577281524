package signer

import (
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
)

// JWK is an Ed25519 key in JSON Web Key form (RFC 8037, kty=OKP).
type JWK struct {
	Kty string `json:"kty"`
	Crv string `json:"crv"`
	X   string `json:"x"`
	D   string `json:"d,omitempty"`
	Kid string `json:"kid,omitempty"`
	Alg string `json:"alg,omitempty"`
	Use string `json:"use,omitempty"`
}

// b64u is base64url without padding.
func b64u(b []byte) string {
	return base64.RawURLEncoding.EncodeToString(b)
}

func decodeB64u(s string) ([]byte, error) {
	return base64.RawURLEncoding.DecodeString(strings.TrimRight(s, "="))
}

// PublicJWK renders pub as a public OKP JWK.
func PublicJWK(keyID string, pub ed25519.PublicKey) JWK {
	return JWK{
		Kty: "OKP",
		Crv: "Ed25519",
		X:   b64u(pub),
		Kid: keyID,
		Alg: Algorithm,
		Use: "sig",
	}
}

// PrivateJWK renders priv as a private OKP JWK.
func PrivateJWK(keyID string, priv ed25519.PrivateKey) JWK {
	j := PublicJWK(keyID, priv.Public().(ed25519.PublicKey))
	j.D = b64u(priv.Seed())
	return j
}

// PublicKey decodes the public part of the JWK.
func (j JWK) PublicKey() (ed25519.PublicKey, error) {
	if j.Kty != "OKP" || j.Crv != "Ed25519" {
		return nil, fmt.Errorf("unsupported jwk kty=%q crv=%q", j.Kty, j.Crv)
	}
	x, err := decodeB64u(j.X)
	if err != nil {
		return nil, fmt.Errorf("decode jwk x: %w", err)
	}
	if len(x) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("invalid ed25519 public key length: got %d want %d", len(x), ed25519.PublicKeySize)
	}
	return ed25519.PublicKey(x), nil
}

// PrivateKey decodes the private part of the JWK and checks it against x.
func (j JWK) PrivateKey() (ed25519.PrivateKey, error) {
	pub, err := j.PublicKey()
	if err != nil {
		return nil, err
	}
	if j.D == "" {
		return nil, fmt.Errorf("jwk %q has no private component", j.Kid)
	}
	d, err := decodeB64u(j.D)
	if err != nil {
		return nil, fmt.Errorf("decode jwk d: %w", err)
	}
	if len(d) != ed25519.SeedSize {
		return nil, fmt.Errorf("invalid ed25519 seed length: got %d want %d", len(d), ed25519.SeedSize)
	}
	priv := ed25519.NewKeyFromSeed(d)
	if !pub.Equal(priv.Public()) {
		return nil, fmt.Errorf("jwk %q: x does not match d", j.Kid)
	}
	return priv, nil
}

// ParseJWK decodes a single JWK from JSON.
func ParseJWK(data []byte) (JWK, error) {
	var j JWK
	if err := json.Unmarshal(data, &j); err != nil {
		return JWK{}, fmt.Errorf("parse jwk: %w", err)
	}
	return j, nil
}

// ParsePrivateKeyB64 decodes a standard-base64 Ed25519 private key
// (64 bytes) or seed (32 bytes).
func ParsePrivateKeyB64(b64Key string) (ed25519.PrivateKey, error) {
	keyBytes, err := base64.StdEncoding.DecodeString(strings.TrimSpace(b64Key))
	if err != nil {
		return nil, fmt.Errorf("decode signer private key: %w", err)
	}
	switch len(keyBytes) {
	case ed25519.SeedSize:
		return ed25519.NewKeyFromSeed(keyBytes), nil
	case ed25519.PrivateKeySize:
		return ed25519.PrivateKey(keyBytes), nil
	default:
		return nil, fmt.Errorf("invalid ed25519 private key length: got %d want %d or %d", len(keyBytes), ed25519.SeedSize, ed25519.PrivateKeySize)
	}
}
