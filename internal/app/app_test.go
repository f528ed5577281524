package app

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ILLUVRSE/anchor/internal/anchor"
	"github.com/ILLUVRSE/anchor/internal/config"
	"github.com/ILLUVRSE/anchor/internal/keys"
	"github.com/ILLUVRSE/anchor/internal/signer"
	"github.com/ILLUVRSE/anchor/internal/witness"
)

func privateJWK(t *testing.T, kid string) (string, ed25519.PublicKey) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	b, err := json.Marshal(signer.PrivateJWK(kid, priv))
	require.NoError(t, err)
	return string(b), pub
}

func TestSignerFromJWKUsesEmbeddedKid(t *testing.T) {
	jwk, pub := privateJWK(t, "rotated-2")
	s, kid, err := Signer(config.Config{KeyID: "anchor-ed25519-1", SignerJWK: jwk})
	require.NoError(t, err)
	assert.Equal(t, "rotated-2", kid)

	sig, err := s.Sign(context.Background(), kid, []byte("x"))
	require.NoError(t, err)
	assert.True(t, ed25519.Verify(pub, []byte("x"), sig))
}

func TestSignerFromB64(t *testing.T) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	s, kid, err := Signer(config.Config{KeyID: "k1", SignerKeyB64: base64.StdEncoding.EncodeToString(priv.Seed())})
	require.NoError(t, err)
	assert.Equal(t, "k1", kid)
	_, err = s.Sign(context.Background(), "k1", []byte("x"))
	assert.NoError(t, err)
}

func TestSignerRequiresKey(t *testing.T) {
	_, _, err := Signer(config.Config{KeyID: "k1"})
	assert.Error(t, err)

	jwk, _ := privateJWK(t, "k1")
	_, _, err = Signer(config.Config{KeyID: "k1", SignerJWK: jwk, RequireKMS: true})
	assert.Error(t, err)
}

func TestResolverPinnedJWK(t *testing.T) {
	pub, _, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	b, err := json.Marshal(signer.PublicJWK("", pub))
	require.NoError(t, err)

	r, err := Resolver(config.Config{KeyID: "anchor-ed25519-1", PublicJWK: string(b)})
	require.NoError(t, err)
	got, err := r.PublicKey(context.Background(), "anchor-ed25519-1")
	require.NoError(t, err)
	assert.True(t, got.Equal(pub))
}

func TestResolverJWKSURL(t *testing.T) {
	r, err := Resolver(config.Config{JWKSURL: "http://keys.internal/.well-known/jwks.json", JWKSTTL: time.Minute})
	require.NoError(t, err)
	_, ok := r.(*keys.JWKSCache)
	assert.True(t, ok)

	_, err = Resolver(config.Config{})
	assert.Error(t, err)
}

func TestWitnessSinkSelection(t *testing.T) {
	ctx := context.Background()
	sink, closeFn, err := WitnessSink(ctx, config.Config{})
	require.NoError(t, err)
	assert.Nil(t, sink)
	assert.NoError(t, closeFn())

	dir := t.TempDir()
	sink, closeFn, err = WitnessSink(ctx, config.Config{WitnessDir: dir})
	require.NoError(t, err)
	_, ok := sink.(*witness.DirSink)
	assert.True(t, ok)
	assert.NoError(t, closeFn())

	sink, closeFn, err = WitnessSink(ctx, config.Config{
		WitnessDir:          dir,
		WitnessKafkaBrokers: []string{"localhost:9092"},
		WitnessKafkaTopic:   "anchors",
	})
	require.NoError(t, err)
	multi, ok := sink.(witness.Multi)
	require.True(t, ok)
	assert.Len(t, multi, 2)
	assert.NoError(t, closeFn())
}

func TestWitnessReader(t *testing.T) {
	ctx := context.Background()
	r, err := WitnessReader(ctx, config.Config{WitnessDir: t.TempDir()})
	require.NoError(t, err)
	assert.Nil(t, r)

	r, err = WitnessReader(ctx, config.Config{VerifyWitness: true, WitnessDir: t.TempDir()})
	require.NoError(t, err)
	assert.NotNil(t, r)
}

func TestOpenStoreSQLite(t *testing.T) {
	cfg := config.Config{
		DBDriver:     config.DriverSQLite,
		DatabaseURL:  filepath.Join(t.TempDir(), "anchor.db"),
		AsOfMode:     "history",
		StoreTimeout: 5 * time.Second,
	}
	s, err := OpenStore(context.Background(), cfg)
	require.NoError(t, err)
	defer s.Close()
	_, ok := s.(*anchor.SQLiteStore)
	assert.True(t, ok)
	assert.NoError(t, s.Ping(context.Background()))
}
