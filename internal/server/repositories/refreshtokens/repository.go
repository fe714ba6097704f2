// Package refreshtokens declares the server-side repository contract for
// refresh token ownership records.
package refreshtokens

import (
	"context"
	"time"

	"github.com/dmitrijs2005/gophtrust/internal/server/models"
)

// Repository maps opaque refresh tokens to their owner and family. Rotation
// keeps superseded rows so that a replayed token can still be attributed to
// its family; whole families are removed on revocation.
type Repository interface {
	// Create stores a new refresh token for userID in familyID with an
	// expiry of now+validity.
	Create(ctx context.Context, userID, familyID, token string, validity time.Duration) error

	// Find looks up a refresh token by its opaque token string.
	// Implementations return common.ErrorNotFound when the token is absent.
	Find(ctx context.Context, token string) (*models.RefreshToken, error)

	// Delete removes a single token. Missing tokens are not an error.
	Delete(ctx context.Context, token string) error

	// DeleteFamily removes every token of a family and reports how many
	// rows went away.
	DeleteFamily(ctx context.Context, familyID string) (int64, error)

	// DeleteExpired garbage-collects rows past their expiry.
	DeleteExpired(ctx context.Context) (int64, error)
}
