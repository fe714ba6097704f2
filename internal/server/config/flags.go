package config

import (
	"flag"
	"os"
	"time"

	"github.com/dmitrijs2005/gophtrust/internal/flagx"
)

// parseFlags populates selected Config fields from command-line flags.
//
// Supported flags (short forms):
//
//	-a string   gRPC bind address (e.g., ":50051")
//	-d string   PostgreSQL DSN (no credentials)
//	-f string   database secret file path
//	-s string   legacy JWT HMAC secret key
//	-i string   legacy issuer
//	-k string   external IdP base URL
//	-m string   external IdP realm
//	-t int      access token validity, minutes
//	-r int      refresh token validity, minutes
//	-b string   S3 bucket for migration reports
//
// Duration flags are integers in minutes.
func parseFlags(config *Config) {
	args := flagx.FilterArgs(os.Args[1:], []string{"-a", "-d", "-f", "-s", "-i", "-k", "-m", "-t", "-r", "-b"})

	fs := flag.NewFlagSet("main", flag.ContinueOnError)

	fs.StringVar(&config.EndpointAddrGRPC, "a", config.EndpointAddrGRPC, "address and port to run server")
	fs.StringVar(&config.DatabaseDSN, "d", config.DatabaseDSN, "database DSN")
	fs.StringVar(&config.DatabaseSecretPath, "f", config.DatabaseSecretPath, "database secret file")
	fs.StringVar(&config.SecretKey, "s", config.SecretKey, "secret key")
	fs.StringVar(&config.LegacyIssuer, "i", config.LegacyIssuer, "legacy token issuer")
	fs.StringVar(&config.ExternalIdPBaseURL, "k", config.ExternalIdPBaseURL, "external IdP base URL")
	fs.StringVar(&config.ExternalIdPRealm, "m", config.ExternalIdPRealm, "external IdP realm")

	accessTokenValidityDuration := fs.Int("t", int(config.AccessTokenValidityDuration.Minutes()), "access_token_validity_duration (in minutes)")
	refreshTokenValidityDuration := fs.Int("r", int(config.RefreshTokenValidityDuration.Minutes()), "refresh_token_validity_duration (in minutes)")

	fs.StringVar(&config.S3Bucket, "b", config.S3Bucket, "S3 bucket for migration reports")

	if err := fs.Parse(args); err != nil {
		panic(err)
	}

	config.AccessTokenValidityDuration = time.Duration(*accessTokenValidityDuration) * time.Minute
	config.RefreshTokenValidityDuration = time.Duration(*refreshTokenValidityDuration) * time.Minute
}
