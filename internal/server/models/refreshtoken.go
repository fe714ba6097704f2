package models

import "time"

// RefreshToken is the persisted half of a refresh token: who owns it and
// which family it belongs to. Whether it is still usable is decided by the
// token family tracker, not by this row.
type RefreshToken struct {
	UserID    string
	FamilyID  string
	Token     string
	Expires   time.Time
	CreatedAt time.Time
}
