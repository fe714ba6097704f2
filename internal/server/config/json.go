package config

import (
	"encoding/json"
	"os"

	"github.com/dmitrijs2005/gophtrust/internal/flagx"
	"github.com/dmitrijs2005/gophtrust/internal/timex"
)

// JsonConfig is the on-disk shape of the optional JSON config file.
// Durations accept "90s"-style strings or integer nanoseconds.
type JsonConfig struct {
	EndpointAddrGRPC             string         `json:"endpoint_addr_grpc"`
	DatabaseDSN                  string         `json:"database_dsn"`
	DatabaseSecretPath           string         `json:"database_secret_path"`
	SecretKey                    string         `json:"secret_key"`
	LegacyIssuer                 string         `json:"legacy_issuer"`
	ExternalIdPBaseURL           string         `json:"external_idp_base_url"`
	ExternalIdPRealm             string         `json:"external_idp_realm"`
	AccessTokenValidityDuration  timex.Duration `json:"access_token_validity_duration"`
	RefreshTokenValidityDuration timex.Duration `json:"refresh_token_validity_duration"`
	FamilyRevocationTTL          timex.Duration `json:"family_revocation_ttl"`
	KVKeyPrefix                  string         `json:"kv_key_prefix"`
	MigrationBatchSize           int            `json:"migration_batch_size"`
	ProvisionRatePerSecond       float64        `json:"provision_rate_per_second"`
	S3RootUser                   string         `json:"s3_root_user"`
	S3RootPassword               string         `json:"s3_root_password"`
	S3Bucket                     string         `json:"s3_bucket"`
	S3Region                     string         `json:"s3_region"`
	S3BaseEndpoint               string         `json:"s3_base_endpoint"`
	OTelEndpoint                 string         `json:"otel_endpoint"`
}

// parseJson loads the file given by -c/-config into config. Keys missing
// from the file keep their current value. An unreadable file or invalid
// JSON panics: a broken config must stop the process at startup.
func parseJson(config *Config) {
	jsonConfigFile := flagx.JsonConfigFlags()
	if jsonConfigFile == "" {
		return
	}

	c := &JsonConfig{}

	file, err := os.ReadFile(jsonConfigFile)
	if err != nil {
		panic(err)
	}

	if err := json.Unmarshal(file, c); err != nil {
		panic(err)
	}

	setString(&config.EndpointAddrGRPC, c.EndpointAddrGRPC)
	setString(&config.DatabaseDSN, c.DatabaseDSN)
	setString(&config.DatabaseSecretPath, c.DatabaseSecretPath)
	setString(&config.SecretKey, c.SecretKey)
	setString(&config.LegacyIssuer, c.LegacyIssuer)
	setString(&config.ExternalIdPBaseURL, c.ExternalIdPBaseURL)
	setString(&config.ExternalIdPRealm, c.ExternalIdPRealm)
	setString(&config.KVKeyPrefix, c.KVKeyPrefix)
	setString(&config.S3RootUser, c.S3RootUser)
	setString(&config.S3RootPassword, c.S3RootPassword)
	setString(&config.S3Bucket, c.S3Bucket)
	setString(&config.S3Region, c.S3Region)
	setString(&config.S3BaseEndpoint, c.S3BaseEndpoint)
	setString(&config.OTelEndpoint, c.OTelEndpoint)

	if c.AccessTokenValidityDuration.Duration != 0 {
		config.AccessTokenValidityDuration = c.AccessTokenValidityDuration.Duration
	}
	if c.RefreshTokenValidityDuration.Duration != 0 {
		config.RefreshTokenValidityDuration = c.RefreshTokenValidityDuration.Duration
	}
	if c.FamilyRevocationTTL.Duration != 0 {
		config.FamilyRevocationTTL = c.FamilyRevocationTTL.Duration
	}
	if c.MigrationBatchSize != 0 {
		config.MigrationBatchSize = c.MigrationBatchSize
	}
	if c.ProvisionRatePerSecond != 0 {
		config.ProvisionRatePerSecond = c.ProvisionRatePerSecond
	}
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}
