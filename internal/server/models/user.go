// Package models defines server-side data models persisted in the database.
package models

import "time"

// Identity providers a user can be bound to.
const (
	ProviderLegacy   = "legacy"
	ProviderExternal = "external"
)

type User struct {
	ID               string
	UserName         string
	Salt             []byte
	Verifier         []byte
	IdentityProvider string
	CreatedAt        time.Time
}
