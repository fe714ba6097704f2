// Package issuer decides which trust domain issued a bearer token so that
// legacy and external-IdP tokens can be accepted side by side.
package issuer

import (
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

type Classification int

const (
	Unknown Classification = iota
	Legacy
	External
)

func (c Classification) String() string {
	switch c {
	case Legacy:
		return "legacy"
	case External:
		return "external"
	default:
		return "unknown"
	}
}

// Claims that only the external IdP puts into its tokens.
var externalOnlyClaims = []string{"realm_access", "resource_access", "azp"}

// Classifier is immutable and safe for concurrent use.
type Classifier struct {
	externalIssuer string
	legacyIssuer   string
	parser         *jwt.Parser
}

// New builds the canonical external issuer from the IdP base URL and realm.
func New(externalBaseURL, realm, legacyIssuer string) *Classifier {
	return &Classifier{
		externalIssuer: ExternalIssuer(externalBaseURL, realm),
		legacyIssuer:   legacyIssuer,
		parser:         jwt.NewParser(),
	}
}

// ExternalIssuer returns "" when either part is missing so that an
// unconfigured IdP never matches.
func ExternalIssuer(baseURL, realm string) string {
	if strings.TrimSpace(baseURL) == "" || strings.TrimSpace(realm) == "" {
		return ""
	}
	return strings.TrimRight(baseURL, "/") + "/realms/" + realm
}

func (c *Classifier) ExternalIssuer() string { return c.externalIssuer }
func (c *Classifier) LegacyIssuer() string   { return c.legacyIssuer }

// Classify inspects the token without verifying its signature. The result
// only selects a validation path; it is never a trust decision by itself.
func (c *Classifier) Classify(token string) Classification {
	token = strings.TrimSpace(token)
	if token == "" {
		return Unknown
	}

	claims := jwt.MapClaims{}
	if _, _, err := c.parser.ParseUnverified(token, claims); err != nil {
		return Unknown
	}
	return c.ClassifyClaims(claims)
}

// ClassifyClaims applies the issuer rules to an already parsed claim set.
func (c *Classifier) ClassifyClaims(claims map[string]any) Classification {
	if iss, ok := claims["iss"].(string); ok && iss != "" {
		if c.externalIssuer != "" && strings.EqualFold(iss, c.externalIssuer) {
			return External
		}
		if c.legacyIssuer != "" && strings.EqualFold(iss, c.legacyIssuer) {
			return Legacy
		}
	}

	// The IdP issuer URL can change mid-migration (new hostname, realm
	// rename); its private claims still identify the token.
	for _, name := range externalOnlyClaims {
		if v, ok := claims[name]; ok && v != nil {
			return External
		}
	}

	return Unknown
}
