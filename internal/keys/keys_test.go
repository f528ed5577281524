package keys

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ILLUVRSE/anchor/internal/signer"
)

func newKey(t *testing.T) ed25519.PublicKey {
	t.Helper()
	pub, _, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	return pub
}

func TestRegistry(t *testing.T) {
	ctx := context.Background()
	r := NewRegistry()
	pubB := newKey(t)
	pubA := newKey(t)
	r.Add("kid-b", pubB)
	r.Add("kid-a", pubA)

	got, err := r.PublicKey(ctx, "kid-a")
	require.NoError(t, err)
	assert.True(t, got.Equal(pubA))

	_, err = r.PublicKey(ctx, "missing")
	assert.ErrorIs(t, err, signer.ErrUnknownKey)

	list := r.List()
	require.Len(t, list, 2)
	assert.Equal(t, "kid-a", list[0].KeyID)

	doc, err := r.JWKS(ctx)
	require.NoError(t, err)
	require.Len(t, doc.Keys, 2)
	assert.Equal(t, "OKP", doc.Keys[0].Kty)
	assert.Equal(t, "Ed25519", doc.Keys[0].Crv)
	assert.Empty(t, doc.Keys[0].D)
}

func TestRegistryLoadJWKS(t *testing.T) {
	pub := newKey(t)
	set, err := json.Marshal(Document{Keys: []signer.JWK{signer.PublicJWK("k1", pub)}})
	require.NoError(t, err)

	r := NewRegistry()
	n, err := r.LoadJWKS(set, "")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := r.PublicKey(context.Background(), "k1")
	require.NoError(t, err)
	assert.True(t, got.Equal(pub))

	// a bare JWK without kid falls back to the given id
	single := signer.PublicJWK("", newKey(t))
	b, err := json.Marshal(single)
	require.NoError(t, err)
	n, err = r.LoadJWKS(b, "fallback")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	_, err = r.PublicKey(context.Background(), "fallback")
	assert.NoError(t, err)
}

func jwksServer(t *testing.T, doc *Document, hits *int32) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(hits, 1)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(doc)
	}))
}

func TestJWKSCacheResolvesAndCaches(t *testing.T) {
	pub := newKey(t)
	doc := &Document{Keys: []signer.JWK{
		signer.PublicJWK("k1", pub),
		{Kty: "RSA", Kid: "rsa-1"},
	}}
	var hits int32
	srv := jwksServer(t, doc, &hits)
	defer srv.Close()

	c := NewJWKSCache(srv.URL, time.Minute)
	got, err := c.PublicKey(context.Background(), "k1")
	require.NoError(t, err)
	assert.True(t, got.Equal(pub))

	_, err = c.PublicKey(context.Background(), "k1")
	require.NoError(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&hits))
	assert.False(t, c.LastFetch().IsZero())
}

func TestJWKSCacheUnknownKeyAfterRefresh(t *testing.T) {
	doc := &Document{Keys: []signer.JWK{signer.PublicJWK("k1", newKey(t))}}
	var hits int32
	srv := jwksServer(t, doc, &hits)
	defer srv.Close()

	c := NewJWKSCache(srv.URL, time.Minute)
	_, err := c.PublicKey(context.Background(), "rotated-away")
	assert.ErrorIs(t, err, signer.ErrUnknownKey)
}

func TestJWKSCacheFetchFailureIsNotUnknownKey(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := NewJWKSCache(srv.URL, time.Minute)
	_, err := c.PublicKey(context.Background(), "k1")
	require.Error(t, err)
	assert.False(t, errors.Is(err, signer.ErrUnknownKey))
	assert.Error(t, c.LastError())
}

func TestStoreRegisterAndResolve(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	pub := newKey(t)
	pubB64 := base64.StdEncoding.EncodeToString(pub)
	s := NewStore(db)

	mock.ExpectExec("INSERT INTO anchor_signers").
		WithArgs("k1", "EdDSA", pubB64).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("SELECT public_key FROM anchor_signers WHERE key_id").
		WithArgs("k1").
		WillReturnRows(sqlmock.NewRows([]string{"public_key"}).AddRow(pubB64))

	require.NoError(t, s.Register(context.Background(), "k1", pub))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStoreRegisterConflict(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	existing := base64.StdEncoding.EncodeToString(newKey(t))
	s := NewStore(db)

	mock.ExpectExec("INSERT INTO anchor_signers").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT public_key FROM anchor_signers").
		WillReturnRows(sqlmock.NewRows([]string{"public_key"}).AddRow(existing))

	err = s.Register(context.Background(), "k1", newKey(t))
	assert.ErrorIs(t, err, ErrKeyConflict)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStorePublicKeyUnknown(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery("SELECT public_key FROM anchor_signers").
		WithArgs("nope").
		WillReturnRows(sqlmock.NewRows([]string{"public_key"}))

	_, err = NewStore(db).PublicKey(context.Background(), "nope")
	assert.ErrorIs(t, err, signer.ErrUnknownKey)
}

func TestStoreJWKS(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	pub := newKey(t)
	now := time.Now().UTC()
	mock.ExpectQuery("SELECT key_id, algorithm, public_key, created_at FROM anchor_signers").
		WillReturnRows(sqlmock.NewRows([]string{"key_id", "algorithm", "public_key", "created_at"}).
			AddRow("k1", "EdDSA", base64.StdEncoding.EncodeToString(pub), now))

	doc, err := NewStore(db).JWKS(context.Background())
	require.NoError(t, err)
	require.Len(t, doc.Keys, 1)
	assert.Equal(t, "k1", doc.Keys[0].Kid)
	assert.Equal(t, base64.RawURLEncoding.EncodeToString(pub), doc.Keys[0].X)
}
