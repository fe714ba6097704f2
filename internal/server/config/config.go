// Package config handles configuration for the gophtrust server and the
// migration CLI: defaults, JSON overlay, environment variables and
// command-line flags, applied in that order.
package config

import "time"

// Config holds runtime settings.
//
// Fields:
//   - EndpointAddrGRPC: bind address for the admin gRPC endpoint (health).
//   - DatabaseDSN: PostgreSQL DSN without credentials; user and password come
//     from the secret file at DatabaseSecretPath and are rotated live.
//   - SecretKey / LegacyIssuer: HS256 key and "iss" of the legacy authority.
//   - ExternalIdPBaseURL / ExternalIdPRealm: combined into the external issuer.
//   - ExternalIdPAdminToken: bearer token for the IdP admin API (provisioning).
//   - FamilyRevocationTTL: how long a revoked refresh token family stays marked.
//   - KVKeyPrefix: namespace for the shared key-value store.
//   - MigrationBatchSize / ProvisionRatePerSecond: migration pacing.
//   - S3*: migration report archive; empty bucket disables archiving.
//   - OTelEndpoint: OTLP/HTTP traces endpoint; empty disables tracing.
type Config struct {
	EndpointAddrGRPC             string        `env:"GOPHTRUST_GRPC_ADDR"`
	DatabaseDSN                  string        `env:"GOPHTRUST_DATABASE_DSN"`
	DatabaseSecretPath           string        `env:"GOPHTRUST_DB_SECRET_PATH"`
	SecretKey                    string        `env:"GOPHTRUST_SECRET_KEY"`
	LegacyIssuer                 string        `env:"GOPHTRUST_LEGACY_ISSUER"`
	ExternalIdPBaseURL           string        `env:"GOPHTRUST_IDP_BASE_URL"`
	ExternalIdPRealm             string        `env:"GOPHTRUST_IDP_REALM"`
	ExternalIdPAdminToken        string        `env:"GOPHTRUST_IDP_ADMIN_TOKEN"`
	AccessTokenValidityDuration  time.Duration `env:"GOPHTRUST_ACCESS_TOKEN_TTL"`
	RefreshTokenValidityDuration time.Duration `env:"GOPHTRUST_REFRESH_TOKEN_TTL"`
	FamilyRevocationTTL          time.Duration `env:"GOPHTRUST_FAMILY_REVOCATION_TTL"`
	KVKeyPrefix                  string        `env:"GOPHTRUST_KV_PREFIX"`
	MigrationBatchSize           int           `env:"GOPHTRUST_MIGRATION_BATCH_SIZE"`
	ProvisionRatePerSecond       float64       `env:"GOPHTRUST_PROVISION_RATE"`
	S3RootUser                   string        `env:"GOPHTRUST_S3_USER"`
	S3RootPassword               string        `env:"GOPHTRUST_S3_PASSWORD"`
	S3Bucket                     string        `env:"GOPHTRUST_S3_BUCKET"`
	S3Region                     string        `env:"GOPHTRUST_S3_REGION"`
	S3BaseEndpoint               string        `env:"GOPHTRUST_S3_ENDPOINT"`
	OTelEndpoint                 string        `env:"GOPHTRUST_OTEL_ENDPOINT"`
}

// LoadDefaults populates Config with development defaults.
// NOTE: These values are insecure for production and should be overridden.
func (c *Config) LoadDefaults() {
	c.EndpointAddrGRPC = ":50051"
	c.DatabaseDSN = "postgres://postgres:5432/gophtrust?sslmode=disable"
	c.DatabaseSecretPath = "/vault/secrets/database.json"
	c.SecretKey = "secretKey"
	c.LegacyIssuer = "https://legacy.gophtrust.local"
	c.ExternalIdPBaseURL = "http://127.0.0.1:8080"
	c.ExternalIdPRealm = "gophtrust"
	c.AccessTokenValidityDuration = 1 * time.Minute
	c.RefreshTokenValidityDuration = 3 * time.Minute
	c.FamilyRevocationTTL = 24 * time.Hour
	c.KVKeyPrefix = "gophtrust:"
	c.MigrationBatchSize = 100
	c.ProvisionRatePerSecond = 20
	c.S3Region = "us-east-1"
	c.S3BaseEndpoint = "http://127.0.0.1:9000/"
}

// LoadConfig builds a Config by applying defaults, then overlaying values
// from an optional JSON file, the environment and finally command-line flags.
func LoadConfig() *Config {
	cfg := &Config{}
	cfg.LoadDefaults()
	parseJson(cfg)
	if err := parseEnv(cfg); err != nil {
		panic(err)
	}
	parseFlags(cfg)
	return cfg
}
