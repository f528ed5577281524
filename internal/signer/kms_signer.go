package signer

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/tls"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"
)

// KMSConfig configures a KMSSigner.
type KMSConfig struct {
	Endpoint    string
	BearerToken string
	Timeout     time.Duration

	// Optional mTLS material.
	CertPath string
	KeyPath  string
	CAPath   string
}

// KMSSigner delegates signing to an external KMS over HTTP:
//
//	POST <endpoint>/signData  {"signerId": kid, "data": b64} -> {"signature": b64}
//	POST <endpoint>/publicKey {"signerId": kid}              -> {"publicKey": b64}
//
// It implements Signer and KeyResolver. There is no local fallback: a KMS
// failure is always returned to the caller.
type KMSSigner struct {
	endpoint    string
	client      *http.Client
	bearerToken string

	mu   sync.RWMutex
	pubs map[string]ed25519.PublicKey
}

// NewKMSSigner creates a KMS-backed signer.
func NewKMSSigner(cfg KMSConfig) (*KMSSigner, error) {
	endpoint := strings.TrimRight(cfg.Endpoint, "/")
	if endpoint == "" {
		return nil, errors.New("kms: endpoint required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	tlsCfg, err := kmsTLSConfig(cfg)
	if err != nil {
		return nil, err
	}
	return &KMSSigner{
		endpoint: endpoint,
		client: &http.Client{
			Transport: &http.Transport{TLSClientConfig: tlsCfg},
			Timeout:   cfg.Timeout,
		},
		bearerToken: cfg.BearerToken,
		pubs:        make(map[string]ed25519.PublicKey),
	}, nil
}

func kmsTLSConfig(cfg KMSConfig) (*tls.Config, error) {
	if cfg.CertPath == "" && cfg.KeyPath == "" && cfg.CAPath == "" {
		return nil, nil
	}
	tlsCfg := &tls.Config{MinVersion: tls.VersionTLS12}
	if cfg.CertPath != "" || cfg.KeyPath != "" {
		cert, err := tls.LoadX509KeyPair(cfg.CertPath, cfg.KeyPath)
		if err != nil {
			return nil, fmt.Errorf("kms: load mTLS cert/key: %w", err)
		}
		tlsCfg.Certificates = []tls.Certificate{cert}
	}
	if cfg.CAPath != "" {
		caPEM, err := os.ReadFile(cfg.CAPath)
		if err != nil {
			return nil, fmt.Errorf("kms: read CA bundle: %w", err)
		}
		cp := x509.NewCertPool()
		if !cp.AppendCertsFromPEM(caPEM) {
			return nil, fmt.Errorf("kms: failed to parse CA bundle at %s", cfg.CAPath)
		}
		tlsCfg.RootCAs = cp
	}
	return tlsCfg, nil
}

// Sign implements Signer.
func (k *KMSSigner) Sign(ctx context.Context, keyID string, data []byte) ([]byte, error) {
	req := map[string]string{
		"signerId": keyID,
		"data":     base64.StdEncoding.EncodeToString(data),
	}
	var resp struct {
		Signature string `json:"signature"`
		Sig       string `json:"sig"`
	}
	if err := k.postJSON(ctx, "/signData", req, &resp); err != nil {
		var se *kmsStatusError
		if errors.As(err, &se) && se.code == http.StatusNotFound {
			return nil, fmt.Errorf("kms %q: %w", keyID, ErrUnknownKey)
		}
		return nil, fmt.Errorf("kms signData: %w", err)
	}
	sigStr := resp.Signature
	if sigStr == "" {
		sigStr = resp.Sig
	}
	if sigStr == "" {
		return nil, errors.New("kms returned no signature")
	}
	sig, err := base64.StdEncoding.DecodeString(sigStr)
	if err != nil {
		return nil, fmt.Errorf("invalid base64 signature from kms: %w", err)
	}
	if len(sig) != ed25519.SignatureSize {
		return nil, fmt.Errorf("kms signature length %d, want %d", len(sig), ed25519.SignatureSize)
	}
	return sig, nil
}

// PublicKey implements KeyResolver. Keys are cached after the first fetch.
func (k *KMSSigner) PublicKey(ctx context.Context, keyID string) (ed25519.PublicKey, error) {
	k.mu.RLock()
	pub, ok := k.pubs[keyID]
	k.mu.RUnlock()
	if ok {
		return pub, nil
	}

	var resp struct {
		PublicKey string `json:"publicKey"`
	}
	if err := k.postJSON(ctx, "/publicKey", map[string]string{"signerId": keyID}, &resp); err != nil {
		var se *kmsStatusError
		if errors.As(err, &se) && se.code == http.StatusNotFound {
			return nil, fmt.Errorf("kms %q: %w", keyID, ErrUnknownKey)
		}
		return nil, fmt.Errorf("kms publicKey: %w", err)
	}
	b, err := base64.StdEncoding.DecodeString(resp.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("invalid base64 public key from kms: %w", err)
	}
	if len(b) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("kms public key length %d, want %d", len(b), ed25519.PublicKeySize)
	}
	pub = ed25519.PublicKey(b)

	k.mu.Lock()
	k.pubs[keyID] = pub
	k.mu.Unlock()
	return pub, nil
}

type kmsStatusError struct {
	code int
	body string
}

func (e *kmsStatusError) Error() string {
	return fmt.Sprintf("KMS HTTP %d: %s", e.code, e.body)
}

func (k *KMSSigner) postJSON(ctx context.Context, path string, in interface{}, out interface{}) error {
	buf := &bytes.Buffer{}
	if err := json.NewEncoder(buf).Encode(in); err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, k.endpoint+path, buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if k.bearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+k.bearerToken)
	}

	resp, err := k.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &kmsStatusError{code: resp.StatusCode, body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}
