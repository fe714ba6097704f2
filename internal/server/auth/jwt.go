// Package auth issues and validates tokens of the legacy (self-issued) trust
// domain. Tokens from the external IdP are never validated here.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/dmitrijs2005/gophtrust/internal/common"
	"github.com/golang-jwt/jwt/v5"
)

// Claims are the registered claims plus the legacy user id.
type Claims struct {
	jwt.RegisteredClaims
	UserID string `json:"uid"`
}

// GenerateToken signs an HS256 access token for userID. The issuer claim is
// what the issuer classifier uses to route the token back to this package.
func GenerateToken(userID, issuer string, secretKey []byte, validityDuration time.Duration) (string, error) {
	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(validityDuration)),
		},
		UserID: userID,
	})

	tokenString, err := token.SignedString(secretKey)
	if err != nil {
		return "", err
	}

	return tokenString, nil
}

// ParseToken validates signature, expiry and, when issuer is not empty, the
// issuer claim. Expired tokens yield common.ErrTokenExpired; everything else
// is wrapped in common.ErrInvalidToken.
func ParseToken(tokenString string, secretKey []byte, issuer string) (*Claims, error) {
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if issuer != "" {
		opts = append(opts, jwt.WithIssuer(issuer))
	}

	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (any, error) {
		return secretKey, nil
	}, opts...)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, common.ErrTokenExpired
		}
		return nil, fmt.Errorf("%w: %w", common.ErrInvalidToken, err)
	}

	if !token.Valid {
		return nil, common.ErrInvalidToken
	}

	return claims, nil
}

func GetUserIDFromToken(tokenString string, secretKey []byte) (string, error) {
	claims, err := ParseToken(tokenString, secretKey, "")
	if err != nil {
		return "", err
	}
	return claims.UserID, nil
}
