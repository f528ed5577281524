// Package config loads the environment-backed configuration shared by the
// anchor-writer, anchor-verifier and anchor-keys binaries.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds runtime settings. Each field lists its environment variable.
type Config struct {
	DatabaseURL  string        // DATABASE_URL or DB_URL
	DBDriver     string        // DB_DRIVER: postgres | sqlite
	TreeVersion  string        // TREE_VERSION
	StoreTimeout time.Duration // STORE_TIMEOUT_SECONDS
	AsOfMode     string        // ASOF_MODE: current | history
	EnsureSchema bool          // ENSURE_SCHEMA

	// Signing.
	KeyID          string        // ANCHOR_KEY_ID
	SignerJWK      string        // ANCHOR_JWK_ED25519_JSON (private OKP JWK)
	SignerKeyB64   string        // ANCHOR_SIGNER_KEY_B64 (seed or private key)
	KMSEndpoint    string        // KMS_ENDPOINT
	KMSBearerToken string        // KMS_BEARER_TOKEN
	KMSTimeout     time.Duration // KMS_TIMEOUT_MS
	KMSCertPath    string        // KMS_MTLS_CERT_PATH
	KMSKeyPath     string        // KMS_MTLS_KEY_PATH
	KMSCAPath      string        // KMS_MTLS_CA_PATH
	RequireKMS     bool          // REQUIRE_KMS

	// Verification keys.
	PublicJWK string        // ANCHOR_PUB_JWK_JSON (JWK or JWK set)
	JWKSURL   string        // ANCHOR_JWKS_URL
	JWKSTTL   time.Duration // ANCHOR_JWKS_TTL_SECONDS

	// Witness sinks.
	WitnessDir          string   // ANCHOR_WITNESS_DIR
	WitnessS3Bucket     string   // WITNESS_S3_BUCKET
	WitnessS3Prefix     string   // WITNESS_S3_PREFIX
	WitnessKafkaBrokers []string // WITNESS_KAFKA_BROKERS (comma separated)
	WitnessKafkaTopic   string   // WITNESS_KAFKA_TOPIC
	VerifyWitness       bool     // VERIFY_WITNESS

	// Verifier.
	VerifyDays        int    // VERIFY_DAYS
	VerifyConcurrency int    // VERIFY_CONCURRENCY
	ReportPath        string // REPORT_PATH

	// Key server.
	ListenAddr      string // LISTEN_ADDR
	TLSCertPath     string // TLS_CERT_PATH
	TLSKeyPath      string // TLS_KEY_PATH
	TLSClientCAPath string // TLS_CLIENT_CA_PATH
	RequireMTLS     bool   // REQUIRE_MTLS
}

const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"

	defaultTreeVersion  = "v1"
	defaultKeyID        = "anchor-ed25519-1"
	defaultReportPath   = "reports/merkle_integrity_report.json"
	defaultListenAddr   = ":8090"
	defaultVerifyDays   = 7
	defaultConcurrency  = 4
	defaultStoreTimeout = 30
	defaultKMSTimeoutMS = 5000
	defaultJWKSTTL      = 300
)

// Load reads the environment and validates settings common to every binary.
func Load() (Config, error) {
	cfg := Config{
		DatabaseURL:  firstNonEmpty(os.Getenv("DATABASE_URL"), os.Getenv("DB_URL")),
		DBDriver:     strings.ToLower(os.Getenv("DB_DRIVER")),
		TreeVersion:  getEnv("TREE_VERSION", defaultTreeVersion),
		StoreTimeout: time.Duration(getInt("STORE_TIMEOUT_SECONDS", defaultStoreTimeout)) * time.Second,
		AsOfMode:     getEnv("ASOF_MODE", "current"),
		EnsureSchema: getBool("ENSURE_SCHEMA", false),

		KeyID:          getEnv("ANCHOR_KEY_ID", defaultKeyID),
		SignerJWK:      os.Getenv("ANCHOR_JWK_ED25519_JSON"),
		SignerKeyB64:   os.Getenv("ANCHOR_SIGNER_KEY_B64"),
		KMSEndpoint:    os.Getenv("KMS_ENDPOINT"),
		KMSBearerToken: os.Getenv("KMS_BEARER_TOKEN"),
		KMSTimeout:     time.Duration(getInt("KMS_TIMEOUT_MS", defaultKMSTimeoutMS)) * time.Millisecond,
		KMSCertPath:    os.Getenv("KMS_MTLS_CERT_PATH"),
		KMSKeyPath:     os.Getenv("KMS_MTLS_KEY_PATH"),
		KMSCAPath:      os.Getenv("KMS_MTLS_CA_PATH"),
		RequireKMS:     getBool("REQUIRE_KMS", false),

		PublicJWK: os.Getenv("ANCHOR_PUB_JWK_JSON"),
		JWKSURL:   os.Getenv("ANCHOR_JWKS_URL"),
		JWKSTTL:   time.Duration(getInt("ANCHOR_JWKS_TTL_SECONDS", defaultJWKSTTL)) * time.Second,

		WitnessDir:          os.Getenv("ANCHOR_WITNESS_DIR"),
		WitnessS3Bucket:     os.Getenv("WITNESS_S3_BUCKET"),
		WitnessS3Prefix:     os.Getenv("WITNESS_S3_PREFIX"),
		WitnessKafkaBrokers: splitList(os.Getenv("WITNESS_KAFKA_BROKERS")),
		WitnessKafkaTopic:   os.Getenv("WITNESS_KAFKA_TOPIC"),
		VerifyWitness:       getBool("VERIFY_WITNESS", false),

		VerifyDays:        getInt("VERIFY_DAYS", defaultVerifyDays),
		VerifyConcurrency: getInt("VERIFY_CONCURRENCY", defaultConcurrency),
		ReportPath:        getEnv("REPORT_PATH", defaultReportPath),

		ListenAddr:      getEnv("LISTEN_ADDR", defaultListenAddr),
		TLSCertPath:     os.Getenv("TLS_CERT_PATH"),
		TLSKeyPath:      os.Getenv("TLS_KEY_PATH"),
		TLSClientCAPath: os.Getenv("TLS_CLIENT_CA_PATH"),
		RequireMTLS:     getBool("REQUIRE_MTLS", false),
	}

	if cfg.DBDriver == "" {
		cfg.DBDriver = inferDriver(cfg.DatabaseURL)
	}
	if cfg.DBDriver != DriverPostgres && cfg.DBDriver != DriverSQLite {
		return Config{}, fmt.Errorf("DB_DRIVER must be %q or %q, got %q", DriverPostgres, DriverSQLite, cfg.DBDriver)
	}
	if cfg.AsOfMode != "current" && cfg.AsOfMode != "history" {
		return Config{}, fmt.Errorf("ASOF_MODE must be current or history, got %q", cfg.AsOfMode)
	}
	if cfg.VerifyDays <= 0 {
		return Config{}, fmt.Errorf("VERIFY_DAYS must be positive")
	}
	if cfg.VerifyConcurrency <= 0 {
		return Config{}, fmt.Errorf("VERIFY_CONCURRENCY must be positive")
	}
	if cfg.StoreTimeout <= 0 {
		return Config{}, fmt.Errorf("STORE_TIMEOUT_SECONDS must be positive")
	}
	if (cfg.TLSCertPath == "") != (cfg.TLSKeyPath == "") {
		return Config{}, fmt.Errorf("TLS_CERT_PATH and TLS_KEY_PATH must be set together")
	}
	if len(cfg.WitnessKafkaBrokers) > 0 && cfg.WitnessKafkaTopic == "" {
		return Config{}, fmt.Errorf("WITNESS_KAFKA_TOPIC required when WITNESS_KAFKA_BROKERS is set")
	}
	return cfg, nil
}

// ValidateWriter checks the settings the writer cannot run without.
func (c Config) ValidateWriter() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL or DB_URL required")
	}
	if c.RequireKMS && c.KMSEndpoint == "" {
		return fmt.Errorf("REQUIRE_KMS=true but KMS_ENDPOINT not configured")
	}
	if c.KMSEndpoint == "" && c.SignerJWK == "" && c.SignerKeyB64 == "" {
		return fmt.Errorf("one of KMS_ENDPOINT, ANCHOR_JWK_ED25519_JSON or ANCHOR_SIGNER_KEY_B64 required")
	}
	return nil
}

// ValidateVerifier checks the settings the verifier cannot run without.
func (c Config) ValidateVerifier() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL or DB_URL required")
	}
	if c.PublicJWK == "" && c.JWKSURL == "" && c.KMSEndpoint == "" {
		return fmt.Errorf("one of ANCHOR_PUB_JWK_JSON, ANCHOR_JWKS_URL or KMS_ENDPOINT required")
	}
	if c.VerifyWitness && c.WitnessDir == "" && c.WitnessS3Bucket == "" {
		return fmt.Errorf("VERIFY_WITNESS=true needs ANCHOR_WITNESS_DIR or WITNESS_S3_BUCKET")
	}
	return nil
}

// VerifySince returns the start of the verification window ending at now.
func (c Config) VerifySince(now time.Time) time.Time {
	return now.Add(-time.Duration(c.VerifyDays) * 24 * time.Hour)
}

func inferDriver(url string) string {
	if url == "" || strings.HasPrefix(url, "postgres://") || strings.HasPrefix(url, "postgresql://") || strings.Contains(url, "host=") {
		return DriverPostgres
	}
	return DriverSQLite
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func getInt(key string, fallback int) int {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func splitList(v string) []string {
	var out []string
	for _, p := range strings.Split(v, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
