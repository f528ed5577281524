package main

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"github.com/ILLUVRSE/anchor/internal/keys"
	"github.com/ILLUVRSE/anchor/internal/signer"
)

func must(err error) {
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(2)
	}
}

func main() {
	kid := flag.String("kid", "", "key id (default: derived from the public key)")
	privOut := flag.String("private-out", "secrets/anchor_signer.jwk.json", "private JWK output path")
	jwksOut := flag.String("jwks-out", "secrets/anchor_jwks.json", "public JWKS output path")
	flag.Parse()

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	must(err)

	if *kid == "" {
		sum := sha256.Sum256(pub)
		*kid = "anchor-ed25519-" + base64.RawURLEncoding.EncodeToString(sum[:8])
	}

	privB, err := json.MarshalIndent(signer.PrivateJWK(*kid, priv), "", "  ")
	must(err)
	must(os.MkdirAll(filepath.Dir(*privOut), 0o700))
	must(os.WriteFile(*privOut, append(privB, '\n'), 0o600))
	fmt.Printf("wrote private jwk -> %s (kid=%s)\n", *privOut, *kid)

	reg := keys.NewRegistry()
	reg.Add(*kid, pub)
	doc, err := reg.JWKS(context.Background())
	must(err)
	jwksB, err := json.MarshalIndent(doc, "", "  ")
	must(err)
	must(os.MkdirAll(filepath.Dir(*jwksOut), 0o755))
	must(os.WriteFile(*jwksOut, append(jwksB, '\n'), 0o644))
	fmt.Printf("wrote jwks -> %s\n", *jwksOut)
}
