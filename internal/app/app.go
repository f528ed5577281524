// Package app builds the stores, signers, key resolvers and witness sinks the
// binaries need from a config.Config.
package app

import (
	"context"
	"fmt"
	"log"

	"github.com/ILLUVRSE/anchor/internal/anchor"
	"github.com/ILLUVRSE/anchor/internal/config"
	"github.com/ILLUVRSE/anchor/internal/keys"
	"github.com/ILLUVRSE/anchor/internal/signer"
	"github.com/ILLUVRSE/anchor/internal/witness"
)

// OpenStore opens the configured anchor store.
func OpenStore(ctx context.Context, cfg config.Config) (anchor.Store, error) {
	mode, err := anchor.ParseAsOfMode(cfg.AsOfMode)
	if err != nil {
		return nil, err
	}
	opts := anchor.Options{AsOf: mode, Timeout: cfg.StoreTimeout}

	switch cfg.DBDriver {
	case config.DriverSQLite:
		s, err := anchor.OpenSQLiteStore(ctx, cfg.DatabaseURL, opts)
		if err != nil {
			return nil, err
		}
		log.Printf("[app] sqlite store opened (asof=%s)", mode)
		return s, nil
	default:
		s, err := anchor.OpenPGStore(ctx, cfg.DatabaseURL, opts)
		if err != nil {
			return nil, err
		}
		if cfg.EnsureSchema {
			if err := s.EnsureSchema(ctx); err != nil {
				_ = s.Close()
				return nil, err
			}
			log.Printf("[app] postgres schema ensured")
		}
		log.Printf("[app] postgres store opened (asof=%s)", mode)
		return s, nil
	}
}

func kmsSigner(cfg config.Config) (*signer.KMSSigner, error) {
	return signer.NewKMSSigner(signer.KMSConfig{
		Endpoint:    cfg.KMSEndpoint,
		BearerToken: cfg.KMSBearerToken,
		Timeout:     cfg.KMSTimeout,
		CertPath:    cfg.KMSCertPath,
		KeyPath:     cfg.KMSKeyPath,
		CAPath:      cfg.KMSCAPath,
	})
}

// Signer returns the signing backend and the key id to sign with. KMS wins
// when configured; otherwise the local private JWK or base64 key is used. A
// kid inside the JWK overrides cfg.KeyID.
func Signer(cfg config.Config) (signer.Signer, string, error) {
	if cfg.KMSEndpoint != "" {
		ks, err := kmsSigner(cfg)
		if err != nil {
			return nil, "", fmt.Errorf("init kms signer: %w", err)
		}
		log.Printf("[app] KMS signer configured (endpoint=%s kid=%s)", cfg.KMSEndpoint, cfg.KeyID)
		return ks, cfg.KeyID, nil
	}
	if cfg.RequireKMS {
		return nil, "", fmt.Errorf("REQUIRE_KMS=true but KMS_ENDPOINT not configured")
	}

	local := signer.NewLocalSigner()
	switch {
	case cfg.SignerJWK != "":
		j, err := signer.ParseJWK([]byte(cfg.SignerJWK))
		if err != nil {
			return nil, "", err
		}
		priv, err := j.PrivateKey()
		if err != nil {
			return nil, "", err
		}
		kid := cfg.KeyID
		if j.Kid != "" {
			kid = j.Kid
		}
		local.Add(kid, priv)
		log.Printf("[app] local JWK signer configured (kid=%s)", kid)
		return local, kid, nil
	case cfg.SignerKeyB64 != "":
		priv, err := signer.ParsePrivateKeyB64(cfg.SignerKeyB64)
		if err != nil {
			return nil, "", err
		}
		local.Add(cfg.KeyID, priv)
		log.Printf("[app] local signer configured (kid=%s)", cfg.KeyID)
		return local, cfg.KeyID, nil
	}
	return nil, "", fmt.Errorf("no signing key configured")
}

// Resolver returns the public key source for verification, preferring a
// pinned JWK, then a remote JWKS, then the KMS.
func Resolver(cfg config.Config) (signer.KeyResolver, error) {
	switch {
	case cfg.PublicJWK != "":
		reg := keys.NewRegistry()
		n, err := reg.LoadJWKS([]byte(cfg.PublicJWK), cfg.KeyID)
		if err != nil {
			return nil, fmt.Errorf("load ANCHOR_PUB_JWK_JSON: %w", err)
		}
		log.Printf("[app] pinned %d public key(s)", n)
		return reg, nil
	case cfg.JWKSURL != "":
		log.Printf("[app] resolving keys from %s (ttl=%s)", cfg.JWKSURL, cfg.JWKSTTL)
		return keys.NewJWKSCache(cfg.JWKSURL, cfg.JWKSTTL), nil
	case cfg.KMSEndpoint != "":
		ks, err := kmsSigner(cfg)
		if err != nil {
			return nil, fmt.Errorf("init kms resolver: %w", err)
		}
		log.Printf("[app] resolving keys from KMS %s", cfg.KMSEndpoint)
		return ks, nil
	}
	return nil, fmt.Errorf("no public key source configured")
}

// WitnessSink builds the fan-out of every configured witness sink. It returns
// a nil sink when none is configured. The returned func releases sink
// resources.
func WitnessSink(ctx context.Context, cfg config.Config) (witness.Sink, func() error, error) {
	var (
		sinks   witness.Multi
		closers []func() error
	)
	closeAll := func() error {
		var first error
		for _, c := range closers {
			if err := c(); err != nil && first == nil {
				first = err
			}
		}
		return first
	}

	if cfg.WitnessDir != "" {
		d, err := witness.NewDirSink(cfg.WitnessDir)
		if err != nil {
			return nil, closeAll, err
		}
		sinks = append(sinks, d)
		log.Printf("[app] witness dir %s", cfg.WitnessDir)
	}
	if cfg.WitnessS3Bucket != "" {
		s3s, err := witness.NewS3Sink(ctx, cfg.WitnessS3Bucket, cfg.WitnessS3Prefix)
		if err != nil {
			return nil, closeAll, err
		}
		sinks = append(sinks, s3s)
		log.Printf("[app] witness s3 bucket=%s prefix=%s", cfg.WitnessS3Bucket, cfg.WitnessS3Prefix)
	}
	if len(cfg.WitnessKafkaBrokers) > 0 {
		k, err := witness.NewKafkaSink(witness.KafkaSinkConfig{
			Brokers: cfg.WitnessKafkaBrokers,
			Topic:   cfg.WitnessKafkaTopic,
		})
		if err != nil {
			return nil, closeAll, err
		}
		sinks = append(sinks, k)
		closers = append(closers, k.Close)
		log.Printf("[app] witness kafka brokers=%v topic=%s", cfg.WitnessKafkaBrokers, cfg.WitnessKafkaTopic)
	}

	switch len(sinks) {
	case 0:
		return nil, closeAll, nil
	case 1:
		return sinks[0], closeAll, nil
	}
	return sinks, closeAll, nil
}

// WitnessReader returns the witness source the verifier checks against, or
// nil when witness verification is disabled.
func WitnessReader(ctx context.Context, cfg config.Config) (witness.Reader, error) {
	if !cfg.VerifyWitness {
		return nil, nil
	}
	if cfg.WitnessDir != "" {
		return witness.NewDirSink(cfg.WitnessDir)
	}
	if cfg.WitnessS3Bucket != "" {
		return witness.NewS3Sink(ctx, cfg.WitnessS3Bucket, cfg.WitnessS3Prefix)
	}
	return nil, fmt.Errorf("witness verification enabled without a readable witness")
}
