// Package users declares the user directory used by login and by the
// migration orchestrator.
package users

import (
	"context"

	"github.com/dmitrijs2005/gophtrust/internal/server/models"
)

type Repository interface {
	GetUserByLogin(ctx context.Context, login string) (*models.User, error)
	GetUserByID(ctx context.Context, id string) (*models.User, error)

	// ListPage returns up to limit users starting at offset, in a stable
	// order (by id) so that consecutive pages never overlap.
	ListPage(ctx context.Context, offset, limit int) ([]*models.User, error)

	Count(ctx context.Context) (int64, error)

	// CountByProvider returns the number of users bound to each identity
	// provider.
	CountByProvider(ctx context.Context) (map[string]int64, error)

	SetIdentityProvider(ctx context.Context, userID, provider string) error
}
